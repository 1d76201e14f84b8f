package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/backfill"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/config"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/database"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/holidays"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/recovery"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/streaks"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired services shared by every command.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	redis     *redis.Client
	profiles  *profiles.Service
	events    *events.Service
	streaks   *streaks.Service
	backfill  *backfill.Engine
	validator *auth.Validator
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel, File: appConfig.LogFile})
	if err != nil {
		return nil, err
	}

	app := &application{config: appConfig, logger: logger}
	if err := app.wire(); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) wire() error {
	cfg := app.config

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN, app.logger)
	if err != nil {
		return err
	}
	app.db = db

	app.profiles, err = profiles.NewService(profiles.ServiceConfig{
		Database:        db,
		DefaultTimezone: cfg.DefaultTimezone,
	})
	if err != nil {
		return err
	}

	holidayStore, err := holidays.NewGormSource(db)
	if err != nil {
		return err
	}
	var holidaySource holidays.Source = holidayStore
	if cfg.RedisAddress != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		holidaySource, err = holidays.NewRedisSource(holidays.RedisSourceConfig{
			Client: app.redis,
			Next:   holidayStore,
			TTL:    cfg.HolidayCacheTTL,
			Logger: app.logger,
		})
		if err != nil {
			return err
		}
	}
	holidayCache, err := holidays.NewCache(holidays.CacheConfig{
		Source: holidaySource,
		TTL:    cfg.HolidayCacheTTL,
		Logger: app.logger,
	})
	if err != nil {
		return err
	}

	app.events, err = events.NewService(events.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		Timezones:   app.profiles,
		Logger:      app.logger,
		MaxAttempts: cfg.AppendMaxAttempts,
		BaseBackoff: cfg.AppendBaseBackoff,
	})
	if err != nil {
		return err
	}

	app.streaks, err = streaks.NewService(streaks.ServiceConfig{
		Database:  db,
		Events:    app.events,
		Timezones: app.profiles,
		Holidays:  holidayCache,
		Policy: recovery.Policy{
			PostsRequired:     cfg.RecoveryPostsRequired,
			WindowWorkingDays: cfg.RecoveryWindowDays,
		},
		Clock:  time.Now,
		Logger: app.logger,
	})
	if err != nil {
		return err
	}

	activitySource, err := activity.NewGormSource(db)
	if err != nil {
		return err
	}
	app.backfill, err = backfill.NewEngine(backfill.Config{
		Activity:  activitySource,
		Timezones: app.profiles,
		Holidays:  holidayCache,
		Events:    app.events,
		Streaks:   app.streaks,
		Clock:     time.Now,
		Logger:    app.logger,
	})
	if err != nil {
		return err
	}

	app.validator, err = auth.NewValidator(auth.ValidatorConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		Issuer:        cfg.AuthIssuer,
		CookieName:    cfg.AuthCookieName,
	})
	return err
}

// Close releases the database and redis connections and flushes the logger.
func (app *application) Close() {
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = app.logger.Sync()
}
