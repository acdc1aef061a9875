package leader

import (
	"errors"
	"time"
)

// ErrConfig is returned for invalid election configuration.
var ErrConfig = errors.New("leader: invalid config")

// Config controls heartbeat cadence and failure detection.
type Config struct {
	// HeartbeatInterval is how often the leader rewrites its timestamp.
	HeartbeatInterval time.Duration
	// LeaderTimeout is the heartbeat age after which a record is considered dead.
	LeaderTimeout time.Duration
	// CheckInterval is how often a follower re-runs the election.
	CheckInterval time.Duration
	// StorageTimeout bounds each storage round trip.
	StorageTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		LeaderTimeout:     15 * time.Second,
		CheckInterval:     3 * time.Second,
		StorageTimeout:    2 * time.Second,
	}
}

// Validate checks invariants between the intervals.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 || c.LeaderTimeout <= 0 || c.CheckInterval <= 0 {
		return ErrConfig
	}
	if c.HeartbeatInterval >= c.LeaderTimeout {
		return ErrConfig
	}
	return nil
}
