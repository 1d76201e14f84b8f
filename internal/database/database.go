package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/events"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/holidays"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/streaks"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"

	serverMaxIdleConns    = 10
	serverMaxOpenConns    = 50
	serverConnMaxLifetime = time.Hour
	slowQueryThreshold    = 2 * time.Second
)

// Open establishes a connection for driver and performs schema migrations.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(logger),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite || driver == "" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(serverMaxIdleConns)
		sqlDB.SetMaxOpenConns(serverMaxOpenConns)
		sqlDB.SetConnMaxLifetime(serverConnMaxLifetime)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", dialector.Name()))
	}

	return db, nil
}

// newGormLogger routes gorm's own diagnostics through zap. Missing rows are
// an expected lookup outcome and are not reported.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(
		zap.NewStdLog(logger.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Migrate creates or updates every table and applies named one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&activity.Posting{},
		&profiles.Profile{},
		&holidays.Record{},
		&events.Event{},
		&events.EventMeta{},
		&streaks.StreakRecord{},
		&streaks.HistoryRecord{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
