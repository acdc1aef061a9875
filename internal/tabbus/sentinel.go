package tabbus

import (
	"context"
	"sync"
	"time"

	"tabsync/internal/clock"
	"tabsync/internal/storage"
)

const (
	// SentinelKey is the shared-storage key carrying fallback frames.
	SentinelKey = "tabsync:bus"

	sentinelClearAfter = 250 * time.Millisecond
	sentinelOpTimeout  = 2 * time.Second
)

// NewStorageChannel returns a Channel that writes each frame to SentinelKey and
// clears it shortly after. Other handles observe the write as a storage change.
// The value is not meant to persist.
func NewStorageChannel(st storage.Storage, clk clock.Clock) Channel {
	return &storageChannel{st: st, clk: clock.OrReal(clk)}
}

// Select returns native when present and the storage fallback otherwise.
func Select(native Channel, st storage.Storage, clk clock.Clock) Channel {
	if native != nil {
		return native
	}
	return NewStorageChannel(st, clk)
}

type storageChannel struct {
	st  storage.Storage
	clk clock.Clock

	mu      sync.Mutex
	clears  map[clock.Timer]struct{}
	unwatch []func()
	closed  bool
}

func (c *storageChannel) Post(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	value := string(frame)
	ctx, cancel := context.WithTimeout(context.Background(), sentinelOpTimeout)
	defer cancel()
	if err := c.st.Set(ctx, SentinelKey, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.clears == nil {
		c.clears = make(map[clock.Timer]struct{})
	}
	var t clock.Timer
	t = c.clk.AfterFunc(sentinelClearAfter, func() {
		c.mu.Lock()
		delete(c.clears, t)
		c.mu.Unlock()
		c.clear(value)
	})
	c.clears[t] = struct{}{}
	return nil
}

// clear removes the sentinel only while it still holds our frame.
func (c *storageChannel) clear(value string) {
	ctx, cancel := context.WithTimeout(context.Background(), sentinelOpTimeout)
	defer cancel()

	cur, ok, err := c.st.Get(ctx, SentinelKey)
	if err != nil || !ok || cur != value {
		return
	}
	_ = c.st.Remove(ctx, SentinelKey)
}

func (c *storageChannel) Listen(fn func([]byte)) func() {
	if fn == nil {
		return func() {}
	}
	cancel := c.st.Watch(func(ch storage.Change) {
		if ch.Key != SentinelKey || ch.Removed || ch.Value == "" {
			return
		}
		fn([]byte(ch.Value))
	})

	c.mu.Lock()
	c.unwatch = append(c.unwatch, cancel)
	c.mu.Unlock()
	return cancel
}

func (c *storageChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	clears := c.clears
	c.clears = nil
	unwatch := c.unwatch
	c.unwatch = nil
	c.mu.Unlock()

	for t := range clears {
		t.Stop()
	}
	for _, fn := range unwatch {
		fn()
	}
	return nil
}
