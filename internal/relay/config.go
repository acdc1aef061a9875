// Package relay is the cross-process native channel for the tab bus: a
// websocket fan-out server keyed by channel name, and a client that
// implements tabbus.Channel over it.
package relay

import (
	"errors"
	"time"
)

// Subprotocol is negotiated on every relay connection.
const Subprotocol = "tabsync.bus.v1"

// ErrConfig is returned for invalid relay configuration.
var ErrConfig = errors.New("relay: invalid config")

const (
	minSendQueueSize = 32
	maxPingFailures  = 3
	closeGrace       = time.Second
	maxChannelName   = 128
)

// Config holds the relay server limits.
//
// ReadIdleTimeout bounds the silence of a peer. Pongs count as traffic, so a
// quiet tab that answers pings stays connected.
type Config struct {
	AllowedOrigins  []string      `env:"TABSYNC_RELAY_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	OriginRequired  bool          `env:"TABSYNC_RELAY_ORIGIN_REQUIRED" envDefault:"false"`
	SendQueueSize   int           `env:"TABSYNC_RELAY_SEND_QUEUE" envDefault:"256"`
	MaxFrameBytes   int64         `env:"TABSYNC_RELAY_MAX_FRAME_BYTES" envDefault:"65536"`
	WriteTimeout    time.Duration `env:"TABSYNC_RELAY_WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"TABSYNC_RELAY_READ_IDLE_TIMEOUT" envDefault:"2m"`
	PingInterval    time.Duration `env:"TABSYNC_RELAY_PING_INTERVAL" envDefault:"25s"`
	PingTimeout     time.Duration `env:"TABSYNC_RELAY_PING_TIMEOUT" envDefault:"5s"`
	RateEvents      int           `env:"TABSYNC_RELAY_RATE_EVENTS" envDefault:"120"`
	RateWindow      time.Duration `env:"TABSYNC_RELAY_RATE_WINDOW" envDefault:"10s"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins:  []string{"http://localhost", "http://127.0.0.1"},
		SendQueueSize:   256,
		MaxFrameBytes:   64 << 10,
		WriteTimeout:    5 * time.Second,
		ReadIdleTimeout: 2 * time.Minute,
		PingInterval:    25 * time.Second,
		PingTimeout:     5 * time.Second,
		RateEvents:      120,
		RateWindow:      10 * time.Second,
	}
}

// Validate checks limits are usable.
func (c Config) Validate() error {
	if c.MaxFrameBytes <= 0 ||
		c.WriteTimeout <= 0 ||
		c.ReadIdleTimeout <= 0 ||
		c.PingInterval <= 0 ||
		c.PingTimeout <= 0 ||
		c.RateEvents <= 0 ||
		c.RateWindow <= 0 {
		return ErrConfig
	}
	if c.PingInterval >= c.ReadIdleTimeout {
		return ErrConfig
	}
	if c.OriginRequired && len(c.AllowedOrigins) == 0 {
		return ErrConfig
	}
	return nil
}
