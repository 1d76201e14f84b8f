package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/writestreak/backend/internal/calendar"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "WRITESTREAK"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = "sqlite"
	defaultDatabaseDSN          = "writestreak.db"
	defaultLogLevel             = "info"
	defaultAuthIssuer           = "writestreak"
	defaultAuthCookieName       = "writestreak_session"
	defaultHolidayCacheTTL      = time.Hour
	defaultPostsRequired        = 2
	defaultWindowWorkingDays    = 1
	defaultAppendMaxAttempts    = 5
	defaultAppendBaseBackoff    = 10 * time.Millisecond
	defaultBackfillTimeout      = 5 * time.Minute
	defaultBackfillPerMinute    = 6
	defaultSchedulerCloseTime   = "00:10"
	defaultSchedulerConcurrency = 8
)

// AppConfig captures runtime configuration for the API server and CLI jobs.
type AppConfig struct {
	HTTPAddress           string
	DatabaseDriver        string
	DatabaseDSN           string
	LogLevel              string
	LogFile               string
	AuthSigningSecret     string
	AuthIssuer            string
	AuthCookieName        string
	DefaultTimezone       string
	HolidayCacheTTL       time.Duration
	RedisAddress          string
	RecoveryPostsRequired int
	RecoveryWindowDays    int
	AppendMaxAttempts     int
	AppendBaseBackoff     time.Duration
	BackfillTimeout       time.Duration
	BackfillPerMinute     int
	SchedulerCloseTime    string
	SchedulerConcurrency  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("calendar.default_timezone", calendar.DefaultTimezone)
	configViper.SetDefault("holidays.cache_ttl", defaultHolidayCacheTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("recovery.posts_required", defaultPostsRequired)
	configViper.SetDefault("recovery.window_working_days", defaultWindowWorkingDays)
	configViper.SetDefault("append.max_attempts", defaultAppendMaxAttempts)
	configViper.SetDefault("append.base_backoff", defaultAppendBaseBackoff)
	configViper.SetDefault("backfill.timeout", defaultBackfillTimeout)
	configViper.SetDefault("rate_limit.backfill_per_minute", defaultBackfillPerMinute)
	configViper.SetDefault("scheduler.close_time", defaultSchedulerCloseTime)
	configViper.SetDefault("scheduler.concurrency", defaultSchedulerConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabaseDriver:        strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:           configViper.GetString("database.dsn"),
		LogLevel:              configViper.GetString("log.level"),
		LogFile:               configViper.GetString("log.file"),
		AuthSigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		AuthCookieName:        configViper.GetString("auth.cookie_name"),
		DefaultTimezone:       configViper.GetString("calendar.default_timezone"),
		HolidayCacheTTL:       configViper.GetDuration("holidays.cache_ttl"),
		RedisAddress:          configViper.GetString("redis.address"),
		RecoveryPostsRequired: configViper.GetInt("recovery.posts_required"),
		RecoveryWindowDays:    configViper.GetInt("recovery.window_working_days"),
		AppendMaxAttempts:     configViper.GetInt("append.max_attempts"),
		AppendBaseBackoff:     configViper.GetDuration("append.base_backoff"),
		BackfillTimeout:       configViper.GetDuration("backfill.timeout"),
		BackfillPerMinute:     configViper.GetInt("rate_limit.backfill_per_minute"),
		SchedulerCloseTime:    configViper.GetString("scheduler.close_time"),
		SchedulerConcurrency:  configViper.GetInt("scheduler.concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// SchedulerClock parses SchedulerCloseTime into hour and minute.
func (c AppConfig) SchedulerClock() (uint, uint, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(c.SchedulerCloseTime))
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler.close_time must be HH:MM: %w", err)
	}
	return uint(parsed.Hour()), uint(parsed.Minute()), nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if _, err := calendar.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("calendar.default_timezone: %w", err)
	}
	if c.RecoveryPostsRequired <= 0 {
		return fmt.Errorf("recovery.posts_required must be positive")
	}
	if c.RecoveryWindowDays <= 0 {
		return fmt.Errorf("recovery.window_working_days must be positive")
	}
	if c.AppendMaxAttempts <= 0 {
		return fmt.Errorf("append.max_attempts must be positive")
	}
	if c.BackfillTimeout <= 0 {
		return fmt.Errorf("backfill.timeout must be positive")
	}
	if c.SchedulerConcurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive")
	}
	if _, _, err := c.SchedulerClock(); err != nil {
		return err
	}
	return nil
}
