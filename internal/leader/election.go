package leader

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"tabsync/internal/clock"
	"tabsync/internal/metrics"
	"tabsync/internal/storage"
)

// Shared storage keys forming the leader record.
const (
	KeyLeaderTabID     = "leaderTabId"
	KeyLeaderHeartbeat = "leaderHeartbeatTimestamp"
)

// Election tracks leadership for one tab.
type Election struct {
	tabID   string
	store   storage.Storage
	cfg     Config
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Recorder

	mu        sync.Mutex
	isLeader  bool
	heartbeat clock.Timer
	check     clock.Timer
	unwatch   func()
	listeners map[uint64]func(bool)
	seq       uint64
	started   bool
	destroyed bool
}

// Option configures an Election.
type Option func(*Election)

// WithClock overrides the clock (tests use clock.Fake).
func WithClock(c clock.Clock) Option {
	return func(e *Election) { e.clk = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Election) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics records leadership transitions.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Election) { e.metrics = m }
}

// New constructs an Election for tabID over the shared store. Call Start to begin.
func New(tabID string, store storage.Storage, cfg Config, opts ...Option) (*Election, error) {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return nil, errors.New("leader: empty tab id")
	}
	if store == nil {
		return nil, errors.New("leader: nil storage")
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultConfig().StorageTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Election{
		tabID:     tabID,
		store:     store,
		cfg:       cfg,
		clk:       clock.Real(),
		log:       slog.Default(),
		listeners: make(map[uint64]func(bool)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = e.log.With("tab_id", tabID)
	return e, nil
}

// TabID returns the tab this election runs for.
func (e *Election) TabID() string { return e.tabID }

// Start subscribes to leader-record changes, arms the periodic check and runs a first election.
// It is idempotent.
func (e *Election) Start() {
	e.mu.Lock()
	if e.started || e.destroyed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.armCheckLocked()
	e.mu.Unlock()

	unwatch := e.store.Watch(e.onStorageChange)

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		unwatch()
		return
	}
	e.unwatch = unwatch
	e.mu.Unlock()

	e.TryBecomeLeader()
}

// IsLeader reports the current local view of leadership.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// OnLeaderChange registers fn. It is invoked immediately with the current status
// and then on every transition. The returned func unregisters it.
func (e *Election) OnLeaderChange(fn func(isLeader bool)) func() {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	e.seq++
	id := e.seq
	e.listeners[id] = fn
	current := e.isLeader
	e.mu.Unlock()

	fn(current)

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// TryBecomeLeader claims leadership when the record is absent, stale, or already
// this tab's; otherwise it steps down. It returns the resulting status.
//
// Storage failures count as "no leader recorded" so a broken store never leaves
// the origin leaderless.
func (e *Election) TryBecomeLeader() bool {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StorageTimeout)
	defer cancel()

	now := e.clk.Now()
	holder, beat, ok := e.readRecord(ctx)

	claimable := !ok || holder == e.tabID || now.Sub(beat) > e.cfg.LeaderTimeout
	if claimable && e.claim(ctx, now) {
		e.setLeader(true)
		return true
	}

	e.setLeader(false)
	return false
}

// Destroy stops all timers and listeners. If this tab still holds the record it
// resigns by clearing it, so a survivor can take over without waiting for the timeout.
func (e *Election) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.stopTimersLocked()
	unwatch := e.unwatch
	e.unwatch = nil
	e.listeners = make(map[uint64]func(bool))
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StorageTimeout)
	defer cancel()

	if e.recordedHolder(ctx) != e.tabID {
		return
	}
	_ = e.store.Remove(ctx, KeyLeaderHeartbeat)
	if e.recordedHolder(ctx) == e.tabID {
		_ = e.store.Remove(ctx, KeyLeaderTabID)
	}
	if wasLeader {
		e.log.Info("leader.resign")
	}
}

// readRecord returns ok=false when no usable leader is recorded.
// A holder without a parseable heartbeat is reported with a zero timestamp (stale).
func (e *Election) readRecord(ctx context.Context) (holder string, beat time.Time, ok bool) {
	holder, found, err := e.store.Get(ctx, KeyLeaderTabID)
	if err != nil {
		e.log.Debug("leader.read.fail", "err", err)
		return "", time.Time{}, false
	}
	if !found || strings.TrimSpace(holder) == "" {
		return "", time.Time{}, false
	}

	raw, found, err := e.store.Get(ctx, KeyLeaderHeartbeat)
	if err != nil {
		e.log.Debug("leader.read.fail", "err", err)
		return "", time.Time{}, false
	}
	if !found {
		return holder, time.Time{}, true
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return holder, time.Time{}, true
	}
	return holder, time.UnixMilli(ms), true
}

func (e *Election) recordedHolder(ctx context.Context) string {
	v, ok, err := e.store.Get(ctx, KeyLeaderTabID)
	if err != nil || !ok {
		return ""
	}
	return v
}

// claim writes the heartbeat before the id so observers never see a new holder
// paired with the previous holder's stale timestamp. The id is read back to
// detect losing a concurrent claim.
func (e *Election) claim(ctx context.Context, now time.Time) bool {
	if err := e.writeHeartbeat(ctx, now); err != nil {
		e.log.Debug("leader.write.fail", "key", KeyLeaderHeartbeat, "err", err)
	}
	if err := e.store.Set(ctx, KeyLeaderTabID, e.tabID); err != nil {
		e.log.Debug("leader.write.fail", "key", KeyLeaderTabID, "err", err)
	}

	holder, found, err := e.store.Get(ctx, KeyLeaderTabID)
	if err != nil {
		return true
	}
	return found && holder == e.tabID
}

func (e *Election) writeHeartbeat(ctx context.Context, now time.Time) error {
	return e.store.Set(ctx, KeyLeaderHeartbeat, strconv.FormatInt(now.UnixMilli(), 10))
}

func (e *Election) setLeader(v bool) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	changed := e.isLeader != v
	e.isLeader = v
	if v {
		e.armHeartbeatLocked()
	} else if e.heartbeat != nil {
		e.heartbeat.Stop()
		e.heartbeat = nil
	}
	var fns []func(bool)
	if changed {
		fns = make([]func(bool), 0, len(e.listeners))
		for _, fn := range e.listeners {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	if v {
		e.log.Info("leader.claim")
	} else {
		e.log.Info("leader.demote")
	}
	e.metrics.Leader(v)
	for _, fn := range fns {
		fn(v)
	}
}

func (e *Election) onHeartbeat() {
	e.mu.Lock()
	e.heartbeat = nil
	if e.destroyed || !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StorageTimeout)
	holder, found, err := e.store.Get(ctx, KeyLeaderTabID)
	if err != nil || (found && holder == e.tabID) {
		if werr := e.writeHeartbeat(ctx, e.clk.Now()); werr != nil {
			e.log.Debug("leader.heartbeat.fail", "err", werr)
		}
		cancel()
	} else {
		cancel()
		// Someone else overwrote the record (or it vanished): re-run the election.
		e.TryBecomeLeader()
	}

	e.mu.Lock()
	if e.isLeader && !e.destroyed {
		e.armHeartbeatLocked()
	}
	e.mu.Unlock()
}

func (e *Election) onCheck() {
	e.mu.Lock()
	e.check = nil
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	leader := e.isLeader
	e.mu.Unlock()

	if !leader {
		e.TryBecomeLeader()
	}

	e.mu.Lock()
	if !e.destroyed {
		e.armCheckLocked()
	}
	e.mu.Unlock()
}

func (e *Election) onStorageChange(ch storage.Change) {
	if ch.Key != KeyLeaderTabID && ch.Key != KeyLeaderHeartbeat {
		return
	}
	e.TryBecomeLeader()
}

func (e *Election) armHeartbeatLocked() {
	if e.heartbeat == nil {
		e.heartbeat = e.clk.AfterFunc(e.cfg.HeartbeatInterval, e.onHeartbeat)
	}
}

func (e *Election) armCheckLocked() {
	if e.check == nil {
		e.check = e.clk.AfterFunc(e.cfg.CheckInterval, e.onCheck)
	}
}

func (e *Election) stopTimersLocked() {
	if e.heartbeat != nil {
		e.heartbeat.Stop()
		e.heartbeat = nil
	}
	if e.check != nil {
		e.check.Stop()
		e.check = nil
	}
}
