package refresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"tabsync/internal/leader"
)

// ErrConfig is returned for invalid coordination configuration.
var ErrConfig = errors.New("refresh: invalid config")

// Config is the coordination configuration. It is immutable once a tab is built.
type Config struct {
	RefreshLeadTime     time.Duration `env:"TABSYNC_REFRESH_LEAD_TIME" envDefault:"60s"`
	HeartbeatInterval   time.Duration `env:"TABSYNC_HEARTBEAT_INTERVAL" envDefault:"5s"`
	LeaderTimeout       time.Duration `env:"TABSYNC_LEADER_TIMEOUT" envDefault:"15s"`
	LeaderCheckInterval time.Duration `env:"TABSYNC_LEADER_CHECK_INTERVAL" envDefault:"3s"`
	MaxRetries          int           `env:"TABSYNC_REFRESH_MAX_RETRIES" envDefault:"3"`
	RetryDelay          time.Duration `env:"TABSYNC_REFRESH_RETRY_DELAY" envDefault:"2s"`

	// AnnounceInterval > 0 makes the leader periodically re-broadcast its session.
	AnnounceInterval time.Duration `env:"TABSYNC_ANNOUNCE_INTERVAL" envDefault:"0s"`
	ResyncDebounce   time.Duration `env:"TABSYNC_RESYNC_DEBOUNCE" envDefault:"300ms"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		RefreshLeadTime:     60 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		LeaderTimeout:       15 * time.Second,
		LeaderCheckInterval: 3 * time.Second,
		MaxRetries:          3,
		RetryDelay:          2 * time.Second,
		ResyncDebounce:      300 * time.Millisecond,
	}
}

// LoadConfigFromEnv parses TABSYNC_* variables over the defaults and validates the result.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces positive durations, MaxRetries >= 1 and HeartbeatInterval < LeaderTimeout.
func (c Config) Validate() error {
	if c.RefreshLeadTime <= 0 ||
		c.HeartbeatInterval <= 0 ||
		c.LeaderTimeout <= 0 ||
		c.LeaderCheckInterval <= 0 ||
		c.RetryDelay <= 0 ||
		c.ResyncDebounce <= 0 {
		return ErrConfig
	}
	if c.MaxRetries < 1 {
		return ErrConfig
	}
	if c.AnnounceInterval < 0 {
		return ErrConfig
	}
	if c.HeartbeatInterval >= c.LeaderTimeout {
		return ErrConfig
	}
	return nil
}

// Leader projects the election settings.
func (c Config) Leader() leader.Config {
	cfg := leader.DefaultConfig()
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.LeaderTimeout = c.LeaderTimeout
	cfg.CheckInterval = c.LeaderCheckInterval
	return cfg
}
