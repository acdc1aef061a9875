// Package refresh schedules credential refreshes so that only the leader tab
// contacts the backend, retries a bounded number of times, and shares the
// result with every other tab over the bus.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/clock"
	"tabsync/internal/metrics"
	"tabsync/internal/tabbus"
	busv1 "tabsync/shared/contracts/tabbus/v1"
)

const refreshCallTimeout = 30 * time.Second

// Refresher performs the backend refresh call.
type Refresher interface {
	RefreshSession(ctx context.Context) (*authclient.Session, error)
}

// Leadership reports and announces leader status.
type Leadership interface {
	IsLeader() bool
	OnLeaderChange(fn func(isLeader bool)) (unsubscribe func())
}

// Bus is the subset of the tab bus the orchestrator uses.
type Bus interface {
	Broadcast(msgType string, payload any) error
	On(msgType string, fn tabbus.Handler) (unsubscribe func())
}

// Orchestrator owns the single refresh timer of one tab.
type Orchestrator struct {
	cfg        Config
	refresher  Refresher
	leadership Leadership
	bus        Bus
	clk        clock.Clock
	log        *slog.Logger
	metrics    *metrics.Recorder

	onRefreshed func(*authclient.Session)

	mu        sync.Mutex
	session   *authclient.Session
	timer     clock.Timer
	retry     clock.Timer
	inFlight  bool
	wasLeader bool
	unsubs    []func()
	started   bool
	destroyed bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock driving the refresh and retry timers.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clk = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithOnRefreshed is called with every session this tab refreshed successfully.
func WithOnRefreshed(fn func(*authclient.Session)) Option {
	return func(o *Orchestrator) { o.onRefreshed = fn }
}

// New constructs an Orchestrator. Call Start to subscribe to leadership and bus events.
func New(cfg Config, refresher Refresher, leadership Leadership, bus Bus, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if refresher == nil || leadership == nil || bus == nil {
		return nil, errors.New("refresh: missing dependency")
	}

	o := &Orchestrator{
		cfg:        cfg,
		refresher:  refresher,
		leadership: leadership,
		bus:        bus,
		clk:        clock.Real(),
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Start subscribes to leadership changes and TOKEN_REFRESH messages. It is idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started || o.destroyed {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	unsubBus := o.bus.On(busv1.TypeTokenRefresh, o.onTokenRefreshMessage)
	unsubLeader := o.leadership.OnLeaderChange(o.onLeaderChange)

	o.mu.Lock()
	o.unsubs = append(o.unsubs, unsubBus, unsubLeader)
	o.mu.Unlock()
}

// ScheduleRefresh replaces any pending timer with one for sess. A nil session
// only cancels. A refresh already due fires on the next tick, never with a negative delay.
func (o *Orchestrator) ScheduleRefresh(sess *authclient.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.session = sess.Clone()
	if sess == nil || o.destroyed {
		return
	}

	delay := sess.ExpiresAt.Add(-o.cfg.RefreshLeadTime).Sub(o.clk.Now())
	if delay < 0 {
		delay = 0
	}
	o.timer = o.clk.AfterFunc(delay, o.onTimer)
	o.log.Debug("refresh.schedule", "in", delay, "expires_at", sess.ExpiresAt)
}

// ForceRefresh runs a refresh now if this tab leads and a session is known.
func (o *Orchestrator) ForceRefresh() {
	o.mu.Lock()
	known := o.session != nil
	o.mu.Unlock()

	if !known {
		o.log.Debug("refresh.skip", "reason", "no_session")
		return
	}
	o.performRefresh()
}

// Destroy cancels every timer and subscription.
func (o *Orchestrator) Destroy() {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return
	}
	o.destroyed = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.retry != nil {
		o.retry.Stop()
		o.retry = nil
	}
	unsubs := o.unsubs
	o.unsubs = nil
	o.session = nil
	o.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
}

func (o *Orchestrator) onTimer() {
	o.mu.Lock()
	o.timer = nil
	o.mu.Unlock()
	o.performRefresh()
}

// performRefresh starts an attempt chain unless one is running or this tab follows.
func (o *Orchestrator) performRefresh() {
	o.mu.Lock()
	if o.destroyed || o.inFlight {
		o.mu.Unlock()
		return
	}
	if !o.leadership.IsLeader() {
		o.mu.Unlock()
		o.log.Debug("refresh.skip", "reason", "not_leader")
		o.metrics.Refresh("skipped")
		return
	}
	o.inFlight = true
	o.mu.Unlock()

	o.attempt(1)
}

func (o *Orchestrator) attempt(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshCallTimeout)
	sess, err := o.refresher.RefreshSession(ctx)
	cancel()

	if err == nil && sess == nil {
		err = authclient.ErrNoSession
	}
	if err == nil {
		o.succeed(sess, n)
		return
	}

	o.metrics.Refresh("failure")
	o.log.Info("refresh.attempt.fail", "attempt", n, "max", o.cfg.MaxRetries, "err", err)

	o.mu.Lock()
	defer o.mu.Unlock()

	if n >= o.cfg.MaxRetries {
		// Left to expire naturally: no broadcast, no state change.
		o.inFlight = false
		o.metrics.Refresh("exhausted")
		o.log.Warn("refresh.exhausted", "attempts", n, "err", err)
		return
	}
	if o.destroyed {
		o.inFlight = false
		return
	}
	o.retry = o.clk.AfterFunc(o.cfg.RetryDelay, func() { o.retryAttempt(n + 1) })
}

func (o *Orchestrator) retryAttempt(n int) {
	o.mu.Lock()
	o.retry = nil
	if o.destroyed {
		o.inFlight = false
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	if !o.leadership.IsLeader() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
		o.log.Info("refresh.abandon", "reason", "lost_leadership", "attempt", n)
		return
	}
	o.attempt(n)
}

func (o *Orchestrator) succeed(sess *authclient.Session, attempts int) {
	o.mu.Lock()
	o.inFlight = false
	destroyed := o.destroyed
	o.mu.Unlock()
	if destroyed {
		return
	}

	o.metrics.Refresh("success")
	o.log.Info("refresh.success", "attempts", attempts, "expires_at", sess.ExpiresAt)

	if err := o.bus.Broadcast(busv1.TypeTokenRefresh, sess); err != nil {
		o.log.Info("refresh.broadcast.fail", "err", err)
	}
	if o.onRefreshed != nil {
		o.onRefreshed(sess.Clone())
	}
	o.ScheduleRefresh(sess)
}

func (o *Orchestrator) onLeaderChange(isLeader bool) {
	o.mu.Lock()
	became := isLeader && !o.wasLeader
	o.wasLeader = isLeader
	o.mu.Unlock()

	if became {
		o.log.Debug("refresh.leader.acquired")
		o.ForceRefresh()
	}
}

// onTokenRefreshMessage re-arms the timer from another tab's refresh without re-broadcasting.
func (o *Orchestrator) onTokenRefreshMessage(msg busv1.Message) {
	if msg.IsNullPayload() {
		return
	}
	var sess authclient.Session
	if err := json.Unmarshal(msg.Payload, &sess); err != nil {
		o.log.Info("refresh.message.invalid", "err", err)
		return
	}

	o.mu.Lock()
	cur := o.session
	o.mu.Unlock()
	if sess.OlderThan(cur) {
		o.log.Debug("refresh.message.stale", "expires_at", sess.ExpiresAt, "current_expires_at", cur.ExpiresAt)
		return
	}
	o.ScheduleRefresh(&sess)
}
