package refresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/clock"
	"tabsync/internal/tabbus"
	busv1 "tabsync/shared/contracts/tabbus/v1"
)

type fakeLeadership struct {
	mu        sync.Mutex
	leader    bool
	listeners []func(bool)
}

func (f *fakeLeadership) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leader
}

func (f *fakeLeadership) OnLeaderChange(fn func(bool)) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	cur := f.leader
	f.mu.Unlock()
	fn(cur)
	return func() {}
}

func (f *fakeLeadership) set(v bool) {
	f.mu.Lock()
	changed := f.leader != v
	f.leader = v
	fns := append([]func(bool){}, f.listeners...)
	f.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(v)
		}
	}
}

type fakeRefresher struct {
	clk      clock.Clock
	calls    int
	failures int
	ttl      time.Duration
}

func (f *fakeRefresher) RefreshSession(context.Context) (*authclient.Session, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, authclient.ErrUnavailable
	}
	return &authclient.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    f.clk.Now().Add(f.ttl),
		User:         authclient.User{ID: "u1"},
	}, nil
}

type harness struct {
	clk       *clock.Fake
	lead      *fakeLeadership
	refresher *fakeRefresher
	orch      *Orchestrator
	peer      *tabbus.Bus
	self      *tabbus.Bus
	peerMsgs  []busv1.Message
	refreshed []*authclient.Session
}

func testCfg() Config {
	cfg := DefaultConfig()
	cfg.RefreshLeadTime = time.Minute
	cfg.MaxRetries = 3
	cfg.RetryDelay = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T, leader bool) *harness {
	t.Helper()

	h := &harness{
		clk:  clock.NewFake(time.UnixMilli(1_700_000_000_000)),
		lead: &fakeLeadership{leader: leader},
	}
	h.refresher = &fakeRefresher{clk: h.clk, ttl: time.Hour}

	hub := tabbus.NewLocalHub()
	var err error
	h.self, err = tabbus.New("tab-self", hub.Join("o"), tabbus.WithClock(h.clk))
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	h.peer, err = tabbus.New("tab-peer", hub.Join("o"), tabbus.WithClock(h.clk))
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	for _, typ := range []string{busv1.TypeTokenRefresh, busv1.TypeLogout} {
		h.peer.On(typ, func(m busv1.Message) { h.peerMsgs = append(h.peerMsgs, m) })
	}

	h.orch, err = New(testCfg(), h.refresher, h.lead, h.self,
		WithClock(h.clk),
		WithOnRefreshed(func(s *authclient.Session) { h.refreshed = append(h.refreshed, s) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		h.orch.Destroy()
		h.self.Destroy()
		h.peer.Destroy()
	})
	return h
}

func (h *harness) session(expiresIn time.Duration) *authclient.Session {
	return &authclient.Session{
		AccessToken:  "old",
		RefreshToken: "old-refresh",
		ExpiresAt:    h.clk.Now().Add(expiresIn),
		User:         authclient.User{ID: "u1"},
	}
}

func TestScheduleRefresh_FiresAtLeadTime(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.ScheduleRefresh(h.session(10 * time.Minute))

	h.clk.Advance(9*time.Minute - time.Millisecond)
	if h.refresher.calls != 0 {
		t.Fatalf("refreshed before expiry-lead")
	}
	h.clk.Advance(time.Millisecond)
	if h.refresher.calls != 1 {
		t.Fatalf("calls=%d want 1", h.refresher.calls)
	}
}

func TestScheduleRefresh_PastDueFiresImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.ScheduleRefresh(h.session(testCfg().RefreshLeadTime - time.Millisecond))

	h.clk.Advance(0)
	if h.refresher.calls != 1 {
		t.Fatalf("calls=%d want immediate refresh", h.refresher.calls)
	}
}

func TestScheduleRefresh_NilCancels(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.ScheduleRefresh(h.session(2 * time.Minute))
	h.orch.ScheduleRefresh(nil)

	h.clk.Advance(time.Hour)
	if h.refresher.calls != 0 {
		t.Fatalf("cancelled schedule still fired")
	}
}

func TestScheduleRefresh_SupersedesPreviousTimer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.ScheduleRefresh(h.session(2 * time.Minute))
	h.orch.ScheduleRefresh(h.session(30 * time.Minute))

	h.clk.Advance(2 * time.Minute)
	if h.refresher.calls != 0 {
		t.Fatalf("superseded timer fired")
	}
}

func TestPerformRefresh_FollowerSkips(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.orch.ScheduleRefresh(h.session(0))
	h.clk.Advance(0)

	if h.refresher.calls != 0 || len(h.peerMsgs) != 0 {
		t.Fatalf("follower refreshed: calls=%d msgs=%d", h.refresher.calls, len(h.peerMsgs))
	}
}

func TestPerformRefresh_SuccessBroadcastsAndReschedules(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.ScheduleRefresh(h.session(time.Minute))
	h.clk.Advance(0)

	if h.refresher.calls != 1 {
		t.Fatalf("calls=%d", h.refresher.calls)
	}
	if len(h.peerMsgs) != 1 || h.peerMsgs[0].Type != busv1.TypeTokenRefresh {
		t.Fatalf("peer messages=%+v", h.peerMsgs)
	}
	if len(h.refreshed) != 1 || h.refreshed[0].AccessToken != "access" {
		t.Fatalf("OnRefreshed not called with new session: %+v", h.refreshed)
	}

	// The new session expires in an hour; the next refresh is 59 minutes out.
	h.clk.Advance(59*time.Minute - time.Millisecond)
	if h.refresher.calls != 1 {
		t.Fatalf("rescheduled too early")
	}
	h.clk.Advance(time.Millisecond)
	if h.refresher.calls != 2 {
		t.Fatalf("calls=%d want 2 after reschedule", h.refresher.calls)
	}
}

func TestPerformRefresh_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.refresher.failures = 2
	h.orch.ScheduleRefresh(h.session(0))
	h.clk.Advance(0)
	if h.refresher.calls != 1 {
		t.Fatalf("calls=%d", h.refresher.calls)
	}

	h.clk.Advance(2 * time.Second)
	h.clk.Advance(2 * time.Second)
	if h.refresher.calls != 3 {
		t.Fatalf("calls=%d want 3", h.refresher.calls)
	}
	if len(h.peerMsgs) != 1 {
		t.Fatalf("expected one TOKEN_REFRESH, got %d", len(h.peerMsgs))
	}
}

func TestPerformRefresh_ExhaustedLeavesStateAlone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.refresher.failures = 100
	h.orch.ScheduleRefresh(h.session(0))

	h.clk.Advance(time.Minute)
	if h.refresher.calls != testCfg().MaxRetries {
		t.Fatalf("calls=%d want %d", h.refresher.calls, testCfg().MaxRetries)
	}
	if len(h.peerMsgs) != 0 {
		t.Fatalf("exhausted refresh broadcast %+v", h.peerMsgs)
	}
	if len(h.refreshed) != 0 {
		t.Fatalf("OnRefreshed called after failure")
	}
}

func TestPerformRefresh_ReentrancyGuard(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.refresher.failures = 1
	h.orch.ScheduleRefresh(h.session(0))
	h.clk.Advance(0)

	// A retry is pending: a forced refresh must not start a second chain.
	h.orch.ForceRefresh()
	if h.refresher.calls != 1 {
		t.Fatalf("overlapping refresh started: calls=%d", h.refresher.calls)
	}

	h.clk.Advance(2 * time.Second)
	if h.refresher.calls != 2 {
		t.Fatalf("calls=%d want 2", h.refresher.calls)
	}
}

func TestLeaderChange_TriggersForceRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.orch.Start()
	h.orch.ScheduleRefresh(h.session(30 * time.Minute))

	h.lead.set(true)
	if h.refresher.calls != 1 {
		t.Fatalf("new leader did not refresh: calls=%d", h.refresher.calls)
	}

	// Staying leader is not a new transition.
	h.lead.set(true)
	if h.refresher.calls != 1 {
		t.Fatalf("calls=%d", h.refresher.calls)
	}
}

func TestLeaderChange_NoSessionSkips(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.orch.Start()
	h.lead.set(true)
	if h.refresher.calls != 0 {
		t.Fatalf("refreshed without a known session")
	}
}

func TestTokenRefreshMessage_ReschedulesWithoutRebroadcast(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.Start()

	var selfSeen int
	h.self.On(busv1.TypeTokenRefresh, func(busv1.Message) { selfSeen++ })

	sess := h.session(10 * time.Minute)
	if err := h.peer.Broadcast(busv1.TypeTokenRefresh, sess); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if selfSeen != 1 {
		t.Fatalf("self did not receive peer refresh")
	}
	if len(h.peerMsgs) != 0 {
		t.Fatalf("orchestrator re-broadcast the refresh: %+v", h.peerMsgs)
	}

	h.clk.Advance(9 * time.Minute)
	if h.refresher.calls != 1 {
		t.Fatalf("timer not armed from message: calls=%d", h.refresher.calls)
	}
}

func TestTokenRefreshMessage_IgnoresOlderCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	h.orch.Start()
	h.orch.ScheduleRefresh(h.session(20 * time.Minute))

	late := h.session(10 * time.Minute)
	late.AccessToken = "rotated-out"
	if err := h.peer.Broadcast(busv1.TypeTokenRefresh, late); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	h.clk.Advance(9 * time.Minute)
	if h.refresher.calls != 0 {
		t.Fatalf("late message re-armed the timer: calls=%d", h.refresher.calls)
	}
	h.clk.Advance(10 * time.Minute)
	if h.refresher.calls != 1 {
		t.Fatalf("timer for the current session lost: calls=%d", h.refresher.calls)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	if _, err := New(cfg, &fakeRefresher{}, &fakeLeadership{}, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("err=%v want ErrConfig", err)
	}
}
