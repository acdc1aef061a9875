package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/clock"
	"tabsync/internal/identity"
	"tabsync/internal/leader"
	"tabsync/internal/metrics"
	"tabsync/internal/refresh"
	"tabsync/internal/storage"
	"tabsync/internal/tabbus"
	busv1 "tabsync/shared/contracts/tabbus/v1"
)

const backendCallTimeout = 10 * time.Second

// VisibilitySource reports when the tab is shown or hidden.
type VisibilitySource interface {
	OnVisibilityChange(fn func(visible bool)) (unsubscribe func())
}

// Options are the explicit construction parameters of a Manager.
type Options struct {
	Config refresh.Config
	Client authclient.Client

	// Storage is this tab's handle on the area shared by all tabs of the origin.
	Storage storage.Storage
	// TabStorage is private to the tab and holds its identity. Nil gives an ephemeral identity.
	TabStorage storage.Storage
	// Channel is the native bus primitive. Nil falls back to the storage sentinel.
	Channel tabbus.Channel

	Visibility VisibilitySource
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// Manager is one tab's session facade.
type Manager struct {
	cfg        refresh.Config
	client     authclient.Client
	clk        clock.Clock
	log        *slog.Logger
	metrics    *metrics.Recorder
	visibility VisibilitySource

	tabID    string
	election *leader.Election
	bus      *tabbus.Bus
	orch     *refresh.Orchestrator
	resync   singleflight.Group

	mu                sync.Mutex
	state             State
	listeners         map[uint64]func(State)
	seq               uint64
	intentionalLogout bool
	debounce          clock.Timer
	announce          clock.Timer
	unsubs            []func()
	initialized       bool
	destroyed         bool
}

// New builds an independent Manager. Call Initialize to start it.
func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, ErrMissingClient
	}
	if opts.Storage == nil {
		return nil, ErrMissingStorage
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	clk := clock.OrReal(opts.Clock)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	tabStore := opts.TabStorage
	if tabStore == nil {
		tabStore = storage.NewMemory().Handle()
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
	tabID, err := identity.TabID(ctx, tabStore, clk.Now())
	cancel()
	if tabID == "" {
		return nil, err
	}
	if err != nil {
		log.Warn("session.tab_id.ephemeral", "err", err)
	}
	log = log.With("tab_id", tabID)

	m := &Manager{
		cfg:        opts.Config,
		client:     opts.Client,
		clk:        clk,
		log:        log,
		metrics:    opts.Metrics,
		visibility: opts.Visibility,
		tabID:      tabID,
		state:      State{Status: StatusLoading},
		listeners:  make(map[uint64]func(State)),
	}

	m.election, err = leader.New(tabID, opts.Storage, opts.Config.Leader(),
		leader.WithClock(clk),
		leader.WithLogger(log),
		leader.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("session: leader: %w", err)
	}

	m.bus, err = tabbus.New(tabID, tabbus.Select(opts.Channel, opts.Storage, clk),
		tabbus.WithClock(clk),
		tabbus.WithLogger(log),
		tabbus.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("session: bus: %w", err)
	}

	m.orch, err = refresh.New(opts.Config, opts.Client, m.election, m.bus,
		refresh.WithClock(clk),
		refresh.WithLogger(log),
		refresh.WithMetrics(opts.Metrics),
		refresh.WithOnRefreshed(m.onRefreshed),
	)
	if err != nil {
		m.bus.Destroy()
		return nil, fmt.Errorf("session: refresh: %w", err)
	}
	return m, nil
}

// Initialize starts coordination, performs the first backend session read and
// subscribes to backend events. Calling it again is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	unsubs := []func(){
		m.bus.On(busv1.TypeSessionUpdate, m.onSessionUpdate),
		m.bus.On(busv1.TypeLogin, m.onSessionMessage),
		m.bus.On(busv1.TypeTokenRefresh, m.onSessionMessage),
		m.bus.On(busv1.TypeLogout, m.onLogout),
	}
	m.election.Start()
	m.orch.Start()

	sess, err := m.client.GetSession(ctx)
	switch {
	case err == nil && sess != nil:
		m.adoptSession(sess)
	default:
		if err != nil {
			m.log.Info("session.init.read.fail", "err", err)
		}
		m.transition(func(s *State) {
			// A bus message may have settled the state while the read was in flight.
			if s.Status == StatusLoading {
				s.Status = StatusUnauthenticated
				s.Err = err
			}
		})
	}

	unsubs = append(unsubs, m.client.OnAuthStateChange(m.onAuthEvent))
	if m.visibility != nil {
		unsubs = append(unsubs, m.visibility.OnVisibilityChange(m.HandleVisibilityChange))
	}

	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsubs...)
	m.armAnnounceLocked()
	m.mu.Unlock()

	m.log.Info("session.init", "status", m.State().Status)
	return nil
}

// ---- queries ----

// TabID returns this tab's identity.
func (m *Manager) TabID() string { return m.tabID }

// IsLeader reports whether this tab currently performs refreshes.
func (m *Manager) IsLeader() bool { return m.election.IsLeader() }

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// Session returns the current session, or nil.
func (m *Manager) Session() *authclient.Session { return m.State().Session }

// User returns the current user, or nil.
func (m *Manager) User() *authclient.User { return m.State().User }

// IsAuthenticated reports whether the tab holds a session.
func (m *Manager) IsAuthenticated() bool { return m.State().Status == StatusAuthenticated }

// Subscribe calls fn with the current state now and after every change.
// The returned func unsubscribes.
func (m *Manager) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return func() {}
	}
	m.seq++
	id := m.seq
	m.listeners[id] = fn
	cur := m.state.clone()
	m.mu.Unlock()

	fn(cur)

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// ---- commands ----

// SignIn signs in with email and password.
func (m *Manager) SignIn(ctx context.Context, creds authclient.Credentials) (*authclient.Session, error) {
	return m.signInWith("SignIn", func() (*authclient.Session, error) {
		return m.client.SignInWithPassword(ctx, creds)
	})
}

// SignUp registers and signs in.
func (m *Manager) SignUp(ctx context.Context, creds authclient.Credentials) (*authclient.Session, error) {
	return m.signInWith("SignUp", func() (*authclient.Session, error) {
		return m.client.SignUp(ctx, creds)
	})
}

// SignInWithOAuth starts a provider sign-in. The session arrives as a SIGNED_IN event.
func (m *Manager) SignInWithOAuth(ctx context.Context, provider string) error {
	if err := m.alive(); err != nil {
		return err
	}
	if err := m.client.SignInWithOAuth(ctx, provider); err != nil {
		m.commandFailed(err)
		return CommandError{Op: "SignInWithOAuth", Err: err}
	}
	return nil
}

// SignOut signs this tab out. The backend's SIGNED_OUT event is then broadcast
// as LOGOUT because this tab asked for it.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.alive(); err != nil {
		return err
	}

	m.mu.Lock()
	m.intentionalLogout = true
	m.mu.Unlock()

	err := m.client.SignOut(ctx)
	if err != nil {
		m.mu.Lock()
		m.intentionalLogout = false
		m.mu.Unlock()
	}

	m.signedOut(nil)
	if err != nil {
		return CommandError{Op: "SignOut", Err: err}
	}
	return nil
}

// SignOutAllTabs is SignOut plus an explicit LOGOUT broadcast, whether or not
// the backend emits SIGNED_OUT.
func (m *Manager) SignOutAllTabs(ctx context.Context) error {
	err := m.SignOut(ctx)
	if errors.Is(err, ErrDestroyed) {
		return err
	}
	m.broadcast(busv1.TypeLogout, nil)
	return err
}

// HandleVisibilityChange schedules a debounced resync when the tab becomes visible.
func (m *Manager) HandleVisibilityChange(visible bool) {
	if !visible {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = m.clk.AfterFunc(m.cfg.ResyncDebounce, m.onDebounce)
}

// Resync re-runs the election and re-reads the backend session, adopting it
// only when it is valid and differs. Failed or empty reads leave state untouched.
// Overlapping calls share one read.
func (m *Manager) Resync() {
	if m.alive() != nil {
		return
	}
	_, _, _ = m.resync.Do("resync", func() (any, error) {
		m.election.TryBecomeLeader()

		ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
		defer cancel()

		sess, err := m.client.GetSession(ctx)
		switch {
		case err != nil:
			m.log.Info("session.resync.fail", "err", err)
		case sess == nil:
			m.log.Debug("session.resync.empty")
		default:
			if m.adoptSession(sess) {
				m.log.Info("session.resync.adopted")
			}
		}
		return nil, nil
	})
}

// Destroy tears down every subscription and component. A destroyed Manager
// stops being the shared instance.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	for _, t := range []clock.Timer{m.debounce, m.announce} {
		if t != nil {
			t.Stop()
		}
	}
	m.debounce, m.announce = nil, nil
	unsubs := m.unsubs
	m.unsubs = nil
	m.listeners = make(map[uint64]func(State))
	m.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	m.orch.Destroy()
	m.bus.Destroy()
	m.election.Destroy()
	clearShared(m)
	m.log.Info("session.destroy")
}

// ---- backend events ----

func (m *Manager) onAuthEvent(ev authclient.Event, sess *authclient.Session) {
	switch ev {
	case authclient.EventSignedIn:
		m.mu.Lock()
		m.intentionalLogout = false
		m.mu.Unlock()
		if sess == nil {
			return
		}
		m.adoptSession(sess)
		m.broadcast(busv1.TypeLogin, sess)

	case authclient.EventTokenRefreshed:
		if sess == nil {
			return
		}
		m.adoptSession(sess)
		m.broadcast(busv1.TypeTokenRefresh, sess)

	case authclient.EventUserUpdated:
		if sess == nil {
			return
		}
		next, _ := m.transition(func(s *State) {
			u := sess.User.Clone()
			s.User = &u
			if s.Session != nil {
				s.Session.User = u.Clone()
			}
		})
		payload := next.Session
		if payload == nil {
			payload = sess
		}
		m.broadcast(busv1.TypeSessionUpdate, payload)

	case authclient.EventSignedOut:
		m.mu.Lock()
		intentional := m.intentionalLogout
		m.intentionalLogout = false
		m.mu.Unlock()

		m.signedOut(nil)
		if intentional {
			m.broadcast(busv1.TypeLogout, nil)
			return
		}
		m.log.Info("session.signed_out.local")

	default:
		m.log.Debug("session.event.ignored", "event", string(ev))
	}
}

func (m *Manager) onRefreshed(sess *authclient.Session) {
	m.adoptSession(sess)
}

// ---- bus messages ----

// onSessionUpdate ignores null sessions: only an explicit LOGOUT signs a tab out.
func (m *Manager) onSessionUpdate(msg busv1.Message) {
	if msg.IsNullPayload() {
		m.log.Debug("session.update.null_ignored", "origin", msg.OriginTabID)
		return
	}
	m.onSessionMessage(msg)
}

func (m *Manager) onSessionMessage(msg busv1.Message) {
	sess, err := decodeSession(msg)
	if err != nil {
		m.log.Info("session.message.invalid", "type", msg.Type, "origin", msg.OriginTabID, "err", err)
		return
	}
	m.adopt(sess, true)
}

func (m *Manager) onLogout(msg busv1.Message) {
	m.log.Info("session.logout.remote", "origin", msg.OriginTabID)
	m.signedOut(nil)
}

func decodeSession(msg busv1.Message) (*authclient.Session, error) {
	if msg.IsNullPayload() {
		return nil, errors.New("null session")
	}
	var sess authclient.Session
	if err := json.Unmarshal(msg.Payload, &sess); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sess.AccessToken) == "" {
		return nil, errors.New("missing access token")
	}
	return &sess, nil
}

// ---- state transitions ----

// transition applies fn to a copy of the state and publishes it when it changed.
func (m *Manager) transition(fn func(*State)) (State, bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return State{}, false
	}
	prev := m.state
	next := prev.clone()
	fn(&next)
	if next.equal(prev) {
		m.mu.Unlock()
		return prev.clone(), false
	}
	m.state = next
	fns := make([]func(State), 0, len(m.listeners))
	for _, l := range m.listeners {
		fns = append(fns, l)
	}
	m.mu.Unlock()

	if prev.Status != next.Status {
		m.metrics.Session(string(next.Status))
		m.log.Info("session.transition", "from", string(prev.Status), "to", string(next.Status))
	}
	for _, l := range fns {
		l(next.clone())
	}
	return next.clone(), true
}

// adoptSession moves to authenticated with sess unless it is already the current session.
func (m *Manager) adoptSession(sess *authclient.Session) bool {
	return m.adopt(sess, false)
}

// adopt is adoptSession with an ordering guard for sessions relayed by other
// tabs: an older credential of the current user is ignored.
func (m *Manager) adopt(sess *authclient.Session, remote bool) bool {
	var stale *authclient.Session
	_, changed := m.transition(func(s *State) {
		if s.Status == StatusAuthenticated && s.Session.Equal(sess) {
			return
		}
		if remote && s.Status == StatusAuthenticated && sess.OlderThan(s.Session) {
			stale = s.Session
			return
		}
		s.Status = StatusAuthenticated
		s.Session = sess.Clone()
		u := sess.User.Clone()
		s.User = &u
		s.Err = nil
		s.LastRefreshedAt = m.clk.Now()
	})
	if stale != nil {
		m.log.Info("session.message.stale", "expires_at", sess.ExpiresAt, "current_expires_at", stale.ExpiresAt)
	}
	if changed {
		m.orch.ScheduleRefresh(sess)
	}
	return changed
}

func (m *Manager) signedOut(err error) {
	m.transition(func(s *State) {
		s.Status = StatusUnauthenticated
		s.Session = nil
		s.User = nil
		s.Err = err
	})
	m.orch.ScheduleRefresh(nil)
}

// commandFailed surfaces a backend error. An authenticated tab keeps its session.
func (m *Manager) commandFailed(err error) {
	m.transition(func(s *State) {
		s.Err = err
		if s.Status != StatusAuthenticated {
			s.Status = StatusUnauthenticated
		}
	})
}

func (m *Manager) signInWith(op string, call func() (*authclient.Session, error)) (*authclient.Session, error) {
	if err := m.alive(); err != nil {
		return nil, err
	}
	sess, err := call()
	if err == nil && sess == nil {
		err = authclient.ErrNoSession
	}
	if err != nil {
		m.commandFailed(err)
		return nil, CommandError{Op: op, Err: err}
	}

	m.mu.Lock()
	m.intentionalLogout = false
	m.mu.Unlock()

	// Broadcasting is left to the backend's SIGNED_IN event.
	m.adoptSession(sess)
	return sess.Clone(), nil
}

func (m *Manager) broadcast(msgType string, payload any) {
	if err := m.bus.Broadcast(msgType, payload); err != nil {
		m.log.Info("session.broadcast.fail", "type", msgType, "err", err)
	}
}

func (m *Manager) alive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	return nil
}

// ---- timers ----

func (m *Manager) onDebounce() {
	m.mu.Lock()
	m.debounce = nil
	m.mu.Unlock()
	m.Resync()
}

func (m *Manager) armAnnounceLocked() {
	if m.cfg.AnnounceInterval <= 0 || m.destroyed || m.announce != nil {
		return
	}
	m.announce = m.clk.AfterFunc(m.cfg.AnnounceInterval, m.onAnnounce)
}

// onAnnounce re-broadcasts the leader's session so tabs that missed a refresh catch up.
func (m *Manager) onAnnounce() {
	m.mu.Lock()
	m.announce = nil
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	var sess *authclient.Session
	if m.state.Status == StatusAuthenticated {
		sess = m.state.Session.Clone()
	}
	m.mu.Unlock()

	if sess != nil && m.election.IsLeader() {
		m.broadcast(busv1.TypeSessionUpdate, sess)
	}

	m.mu.Lock()
	m.armAnnounceLocked()
	m.mu.Unlock()
}
