// Package config loads server settings from ELICIT_* environment variables,
// with command line flags taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/soaringjerry/Elicit/internal/utils"
)

type Config struct {
	Addr           string
	Env            string
	LogLevel       string
	DBDriver       string
	DBDSN          string
	MigrationsDir  string
	DBMaxOpenConns int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	LockTTL        time.Duration
	JWTSecret      string
	TranscriberURL string
	MediaDir       string
	SeedFile       string
	SweepSpec      string
	StaleAfter     time.Duration
	DedupRetention time.Duration
	TaskShards     int
	CORSOrigins    []string
	Locale         string
}

// Load reads the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:           utils.SafeEnv("ELICIT_ADDR", ":8080"),
		Env:            utils.SafeEnv("ELICIT_ENV", "development"),
		LogLevel:       utils.SafeEnv("ELICIT_LOG_LEVEL", "info"),
		DBDriver:       utils.SafeEnv("ELICIT_DB_DRIVER", "sqlite3"),
		DBDSN:          utils.SafeEnv("ELICIT_DB_DSN", "file:elicit.db"),
		MigrationsDir:  utils.SafeEnv("ELICIT_MIGRATIONS_DIR", ""),
		RedisAddr:      utils.SafeEnv("ELICIT_REDIS_ADDR", ""),
		RedisPassword:  utils.SafeEnv("ELICIT_REDIS_PASSWORD", ""),
		JWTSecret:      utils.SafeEnv("ELICIT_JWT_SECRET", ""),
		TranscriberURL: utils.SafeEnv("ELICIT_TRANSCRIBER_URL", ""),
		MediaDir:       utils.SafeEnv("ELICIT_MEDIA_DIR", ""),
		SeedFile:       utils.SafeEnv("ELICIT_SEED_FILE", ""),
		SweepSpec:      utils.SafeEnv("ELICIT_SWEEP_SPEC", "@every 5m"),
		CORSOrigins:    utils.EnvList("ELICIT_CORS_ORIGINS"),
		Locale:         utils.SafeEnv("ELICIT_LOCALE", "en"),
	}
	var errs []error
	intVar := func(dst *int, key string, fallback int) {
		v, err := utils.EnvInt(key, fallback)
		errs = append(errs, err)
		*dst = v
	}
	durVar := func(dst *time.Duration, key string, fallback time.Duration) {
		v, err := utils.EnvDuration(key, fallback)
		errs = append(errs, err)
		*dst = v
	}
	intVar(&cfg.DBMaxOpenConns, "ELICIT_DB_MAX_OPEN_CONNS", 10)
	intVar(&cfg.RedisDB, "ELICIT_REDIS_DB", 0)
	intVar(&cfg.TaskShards, "ELICIT_TASK_SHARDS", 8)
	durVar(&cfg.LockTTL, "ELICIT_LOCK_TTL", 30*time.Second)
	durVar(&cfg.StaleAfter, "ELICIT_STALE_AFTER", 24*time.Hour)
	durVar(&cfg.DedupRetention, "ELICIT_DEDUP_RETENTION", 72*time.Hour)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

// BindFlags registers flags that override the loaded values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "store backend: sqlite3, postgres or memory (development only)")
	fs.StringVar(&c.DBDSN, "db-dsn", c.DBDSN, "database connection string")
	fs.StringVar(&c.MigrationsDir, "migrations-dir", c.MigrationsDir, "directory of .sql migrations (embedded when empty)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the shared conversation lock")
	fs.StringVar(&c.TranscriberURL, "transcriber-url", c.TranscriberURL, "transcription service endpoint")
	fs.StringVar(&c.MediaDir, "media-dir", c.MediaDir, "directory holding received media")
	fs.StringVar(&c.SeedFile, "seed", c.SeedFile, "YAML project file loaded at startup")
	fs.StringVar(&c.SweepSpec, "sweep", c.SweepSpec, "cron spec for the stale conversation sweep")
	fs.DurationVar(&c.StaleAfter, "stale-after", c.StaleAfter, "idle time after which a pending question expires")
	fs.DurationVar(&c.DedupRetention, "dedup-retention", c.DedupRetention, "how long processed message ids are kept")
	fs.IntVar(&c.TaskShards, "task-shards", c.TaskShards, "keyed task queue shards")
	fs.StringSliceVar(&c.CORSOrigins, "cors-origin", c.CORSOrigins, "allowed CORS origins")
	fs.StringVar(&c.Locale, "locale", c.Locale, "default language for HTTP replies")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DBDriver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pg", "memory":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale-after must be positive")
	}
	// a redelivery of a message whose question already expired must still
	// be recognised as a duplicate
	if c.DedupRetention <= c.StaleAfter {
		return fmt.Errorf("dedup retention %s must exceed stale-after %s", c.DedupRetention, c.StaleAfter)
	}
	if c.TaskShards <= 0 {
		return errors.New("task-shards must be positive")
	}
	if c.Env == "production" && c.JWTSecret == "" {
		return errors.New("ELICIT_JWT_SECRET is required in production")
	}
	if c.Env == "production" && c.MemoryStore() {
		return errors.New("the memory db driver is for development and tests only")
	}
	return nil
}

// MemoryStore reports whether the in-memory store was selected.
func (c *Config) MemoryStore() bool { return strings.EqualFold(c.DBDriver, "memory") }
