package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"tabsync/internal/refresh"
	"tabsync/internal/relay"
)

// Storage backends accepted by TABSYNC_STORAGE.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

// ErrConfig is returned for invalid runtime configuration.
var ErrConfig = errors.New("app: invalid config")

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"TABSYNC_HTTP_ADDR" envDefault:"0.0.0.0:8080"`

	LogLevel  string `env:"TABSYNC_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TABSYNC_LOG_FORMAT" envDefault:"json"`
	// LogColor forces ANSI colors in the pretty format; unset means "when stdout is a terminal".
	LogColor *bool `env:"TABSYNC_LOG_COLOR"`

	ReadHeaderTimeout time.Duration `env:"TABSYNC_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	IdleTimeout       time.Duration `env:"TABSYNC_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"TABSYNC_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	Storage   string `env:"TABSYNC_STORAGE" envDefault:"memory"`
	Namespace string `env:"TABSYNC_NAMESPACE" envDefault:"default"`

	DatabaseURL string `env:"TABSYNC_DATABASE_URL"`
	DBMaxConns  int32  `env:"TABSYNC_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"TABSYNC_DB_MIN_CONNS" envDefault:"0"`
	DBSchema    string `env:"TABSYNC_DB_SCHEMA" envDefault:"tabsync"`

	SQLitePath         string        `env:"TABSYNC_SQLITE_PATH" envDefault:"tabsync.db"`
	SQLitePollInterval time.Duration `env:"TABSYNC_SQLITE_POLL_INTERVAL" envDefault:"100ms"`

	Relay   relay.Config
	Refresh refresh.Config
}

// LoadConfig parses Config from the environment and validates it.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants, including the embedded relay and refresh configs.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("%w: TABSYNC_DATABASE_URL is required for postgres storage", ErrConfig)
		}
	case StorageSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("%w: TABSYNC_SQLITE_PATH is required for sqlite storage", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", ErrConfig, c.Storage)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfig, c.LogFormat)
	}

	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("%w: namespace must not be empty", ErrConfig)
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("%w: invalid db pool bounds", ErrConfig)
	}

	if err := c.Relay.Validate(); err != nil {
		return err
	}
	return c.Refresh.Validate()
}
