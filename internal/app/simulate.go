package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/auth/memauth"
	"tabsync/internal/auth/session"
	"tabsync/internal/clock"
	"tabsync/internal/relay"
	"tabsync/internal/storage"
	"tabsync/internal/tabbus"
)

const (
	simAccessTTL = 15 * time.Minute
	simEmail     = "demo@tabsync.local"
	simPassword  = "tabsync-demo-password"
)

// ErrSimulation is returned when a simulated run breaks a coordination guarantee.
var ErrSimulation = errors.New("simulation failed")

// SimulateOptions controls one simulated browser origin.
type SimulateOptions struct {
	Tabs int
	Out  io.Writer

	// RelayURL routes every tab's bus through a running relay instead of an in-process hub.
	RelayURL string
	// Settle is waited after each step so asynchronous backends can deliver. Zero picks a default.
	Settle time.Duration
}

// SimulationReport summarizes a run.
type SimulationReport struct {
	Tabs           int
	InitialLeader  string
	FailoverLeader string
	Refreshed      bool
	Consistent     bool
	LoggedOut      bool
}

type simTab struct {
	label string
	m     *session.Manager
	alive bool
}

type simulation struct {
	opts SimulateOptions
	out  io.Writer
	log  *slog.Logger
	clk  *clock.Fake
	tabs []*simTab
}

// Simulate runs N tabs against the dev auth backend on virtual time: election,
// sign-in propagation, leader refresh, failover and cross-tab logout.
func Simulate(ctx context.Context, cfg Config, opts SimulateOptions, log Logger) (SimulationReport, error) {
	if opts.Tabs < 2 {
		return SimulationReport{}, fmt.Errorf("%w: simulate needs at least two tabs", ErrConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Settle <= 0 && (cfg.Storage != StorageMemory || opts.RelayURL != "") {
		opts.Settle = 250 * time.Millisecond
	}

	area, err := OpenArea(ctx, cfg, log)
	if err != nil {
		return SimulationReport{}, err
	}
	defer func() { _ = area.Close() }()

	s := &simulation{opts: opts, out: opts.Out, log: log, clk: clock.NewFake(time.Now().Truncate(time.Millisecond))}
	defer s.destroyAll()

	srv := memauth.NewServer(
		memauth.WithClock(s.clk),
		memauth.WithLogger(log),
		memauth.WithAccessTTL(simAccessTTL),
	)
	hub := tabbus.NewLocalHub()

	for i := 0; i < opts.Tabs; i++ {
		t, err := s.openTab(ctx, cfg, i, area, srv, hub)
		if err != nil {
			return SimulationReport{}, err
		}
		s.tabs = append(s.tabs, t)
	}
	s.settle()

	rep := SimulationReport{Tabs: opts.Tabs, Consistent: true}

	first, err := s.leader()
	if err != nil {
		return rep, err
	}
	rep.InitialLeader = first.label
	s.printf("open", "%d tabs, leader=%s", opts.Tabs, first.label)

	signer := s.tabs[len(s.tabs)-1]
	if _, err := signer.m.SignUp(ctx, authclient.Credentials{Email: simEmail, Password: simPassword}); err != nil {
		return rep, err
	}
	s.settle()
	rep.Consistent = s.checkConsistent("signin", first) && rep.Consistent

	before := first.m.Session()
	s.clk.Advance(simAccessTTL - cfg.Refresh.RefreshLeadTime)
	s.settle()
	after := first.m.Session()
	rep.Refreshed = before != nil && after != nil && after.RefreshToken != before.RefreshToken
	s.printf("refresh", "leader=%s refreshed=%t expires_at=%s", first.label, rep.Refreshed, expiry(after))
	rep.Consistent = s.checkConsistent("refresh", first) && rep.Consistent

	first.m.Destroy()
	first.alive = false
	s.settle()
	next, err := s.leader()
	if err != nil {
		return rep, err
	}
	rep.FailoverLeader = next.label
	s.printf("failover", "closed=%s leader=%s", first.label, next.label)
	rep.Consistent = s.checkConsistent("failover", next) && rep.Consistent

	var leaver *simTab
	for _, t := range s.tabs {
		if t.alive && t != next {
			leaver = t
			break
		}
	}
	if leaver == nil {
		leaver = next
	}
	if err := leaver.m.SignOut(ctx); err != nil {
		return rep, err
	}
	s.settle()

	rep.LoggedOut = true
	for _, t := range s.tabs {
		if t.alive && t.m.IsAuthenticated() {
			rep.LoggedOut = false
		}
	}
	s.printf("logout", "by=%s all_signed_out=%t", leaver.label, rep.LoggedOut)

	switch {
	case !rep.Refreshed:
		return rep, fmt.Errorf("%w: leader did not refresh", ErrSimulation)
	case !rep.Consistent:
		return rep, fmt.Errorf("%w: tabs diverged", ErrSimulation)
	case !rep.LoggedOut:
		return rep, fmt.Errorf("%w: logout did not propagate", ErrSimulation)
	}
	return rep, nil
}

func (s *simulation) openTab(ctx context.Context, cfg Config, i int, area *Area, srv *memauth.Server, hub *tabbus.LocalHub) (*simTab, error) {
	label := fmt.Sprintf("tab-%d", i+1)

	shared, err := area.Handle()
	if err != nil {
		return nil, err
	}
	clientStore, err := area.Handle()
	if err != nil {
		return nil, err
	}

	var ch tabbus.Channel
	if s.opts.RelayURL != "" {
		conn, err := relay.Dial(ctx, s.opts.RelayURL, cfg.Namespace, relay.DialOptions{Logger: s.log})
		if err != nil {
			return nil, err
		}
		ch = conn
	} else {
		ch = hub.Join(cfg.Namespace)
	}

	m, err := session.New(session.Options{
		Config:     cfg.Refresh,
		Client:     srv.NewClient(clientStore),
		Storage:    shared,
		TabStorage: storage.NewMemory().Handle(),
		Channel:    ch,
		Clock:      s.clk,
		Logger:     s.log.With("tab", label),
	})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := m.Initialize(ctx); err != nil {
		m.Destroy()
		return nil, err
	}
	return &simTab{label: label, m: m, alive: true}, nil
}

func (s *simulation) leader() (*simTab, error) {
	var found *simTab
	n := 0
	for _, t := range s.tabs {
		if t.alive && t.m.IsLeader() {
			found = t
			n++
		}
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: %d leaders", ErrSimulation, n)
	}
	return found, nil
}

// checkConsistent prints every live tab and reports whether they all hold ref's session.
func (s *simulation) checkConsistent(step string, ref *simTab) bool {
	want := ref.m.Session()
	ok := true
	for _, t := range s.tabs {
		if !t.alive {
			continue
		}
		st := t.m.State()
		same := st.Session.Equal(want)
		ok = ok && same
		s.printf(step, "%s status=%s leader=%t in_sync=%t", t.label, st.Status, t.m.IsLeader(), same)
	}
	return ok
}

func (s *simulation) settle() {
	if s.opts.Settle > 0 {
		time.Sleep(s.opts.Settle)
	}
}

func (s *simulation) printf(step, format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, "%-9s "+format+"\n", append([]any{step}, args...)...)
}

func (s *simulation) destroyAll() {
	for _, t := range s.tabs {
		if t.alive {
			t.m.Destroy()
			t.alive = false
		}
	}
}

func expiry(sess *authclient.Session) string {
	if sess == nil {
		return "-"
	}
	return sess.ExpiresAt.UTC().Format(time.RFC3339)
}
