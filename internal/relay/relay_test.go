package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tabsync/internal/tabbus"
	busv1 "tabsync/shared/contracts/tabbus/v1"
)

func testServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	s, err := NewServer(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, ts.URL
}

func mustDial(t *testing.T, url, channel string) *Conn {
	t.Helper()
	return mustDialWith(t, url, channel, DialOptions{})
}

func mustDialWith(t *testing.T, url, channel string, opts DialOptions) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, channel, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitClients(t *testing.T, s *Server, channel string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Clients(channel) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel %q has %d clients, want %d", channel, s.Clients(channel), n)
}

func collect(c *Conn) <-chan []byte {
	out := make(chan []byte, 16)
	c.Listen(func(b []byte) { out <- b })
	return out
}

func expectNone(t *testing.T, ch <-chan []byte, d time.Duration) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected frame: %s", b)
	case <-time.After(d):
	}
}

func TestRelay_FanoutExcludesSenderAndOtherChannels(t *testing.T) {
	t.Parallel()

	s, url := testServer(t, DefaultConfig())
	a := mustDial(t, url, "origin-1")
	b := mustDial(t, url, "origin-1")
	other := mustDial(t, url, "origin-2")
	waitClients(t, s, "origin-1", 2)
	waitClients(t, s, "origin-2", 1)

	gotA, gotB, gotOther := collect(a), collect(b), collect(other)

	frame := []byte(`{"v":"v1","type":"LOGOUT","originTabId":"tab-a","timestamp":1700000000000}`)
	if err := a.Post(frame); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case got := <-gotB:
		if string(got) != string(frame) {
			t.Fatalf("frame mismatch: %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("peer did not receive frame")
	}
	expectNone(t, gotA, 200*time.Millisecond)
	expectNone(t, gotOther, 50*time.Millisecond)
}

func TestRelay_DropsInvalidFrames(t *testing.T) {
	t.Parallel()

	s, url := testServer(t, DefaultConfig())
	a := mustDial(t, url, "o")
	b := mustDial(t, url, "o")
	waitClients(t, s, "o", 2)
	gotB := collect(b)

	_ = a.Post([]byte(`{"hello":"world"}`))
	valid := []byte(`{"v":"v1","type":"LOGIN","originTabId":"tab-a","timestamp":1}`)
	_ = a.Post(valid)

	select {
	case got := <-gotB:
		if string(got) != string(valid) {
			t.Fatalf("invalid frame was relayed: %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("valid frame not relayed")
	}
}

func TestRelay_CarriesBusEndToEnd(t *testing.T) {
	t.Parallel()

	s, url := testServer(t, DefaultConfig())
	busA, err := tabbus.New("tab-a", mustDial(t, url, "o"))
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	defer busA.Destroy()
	busB, err := tabbus.New("tab-b", mustDial(t, url, "o"))
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	defer busB.Destroy()
	waitClients(t, s, "o", 2)

	got := make(chan busv1.Message, 1)
	busB.On(busv1.TypeLogout, func(m busv1.Message) { got <- m })

	if err := busA.Broadcast(busv1.TypeLogout, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	select {
	case m := <-got:
		if m.OriginTabID != "tab-a" {
			t.Fatalf("origin=%q", m.OriginTabID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("LOGOUT not delivered over relay")
	}
}

func TestRelay_RequiresChannel(t *testing.T) {
	t.Parallel()

	_, url := testServer(t, DefaultConfig())
	resp, err := http.Get(url + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.StatusCode)
	}
}

func TestRelay_OriginPolicy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.OriginRequired = true
	_, url := testServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Dial(ctx, url, "o", DialOptions{}); err == nil {
		t.Fatalf("expected rejection without origin")
	}
	if _, err := Dial(ctx, url, "o", DialOptions{Origin: "https://evil.example"}); err == nil {
		t.Fatalf("expected rejection for disallowed origin")
	}
	c, err := Dial(ctx, url, "o", DialOptions{Origin: "http://127.0.0.1:5173"})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = c.Close()
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(100, 0)
	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events should pass")
	}
	if rl.Allow(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third event within window should be limited")
	}
	if !rl.Allow(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after window should pass")
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://LocalHost:3000": "localhost",
		"https://app.example":   "app.example",
		"127.0.0.1:8080":        "127.0.0.1",
		"":                      "",
	}
	for in, want := range cases {
		if got := originHostOnly(in); got != want {
			t.Fatalf("originHostOnly(%q)=%q want %q", in, got, want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := DefaultConfig()
	cfg.RateWindow = 0
	if err := cfg.Validate(); err != ErrConfig {
		t.Fatalf("err=%v want ErrConfig", err)
	}
	cfg = DefaultConfig()
	cfg.PingInterval = cfg.ReadIdleTimeout
	if err := cfg.Validate(); err != ErrConfig {
		t.Fatalf("ping interval not below idle timeout: err=%v want ErrConfig", err)
	}
}

func waitConnected(t *testing.T, conns ...*Conn) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		up := 0
		for _, c := range conns {
			if c.Connected() {
				up++
			}
		}
		if up == len(conns) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("connections not re-established")
}

func TestRelay_ShutdownDisconnectsClients(t *testing.T) {
	t.Parallel()

	s, url := testServer(t, DefaultConfig())
	a := mustDialWith(t, url, "origin", DialOptions{NoReconnect: true})
	b := mustDialWith(t, url, "origin", DialOptions{NoReconnect: true})
	waitClients(t, s, "origin", 2)

	s.Shutdown()

	for _, c := range []*Conn{a, b} {
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("client still connected after Shutdown")
		}
	}
	waitClients(t, s, "origin", 0)

	frame := []byte(`{"v":"v1","type":"LOGOUT","originTabId":"tab-a","timestamp":1}`)
	if err := a.Post(frame); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Post after disconnect err=%v want ErrDisconnected", err)
	}
	_ = a.Close()
	if err := a.Post(frame); !errors.Is(err, tabbus.ErrClosed) {
		t.Fatalf("Post after Close err=%v want ErrClosed", err)
	}
}

func TestRelay_QuietClientsStayConnected(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ReadIdleTimeout = 300 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PingTimeout = 200 * time.Millisecond
	s, url := testServer(t, cfg)

	connA := mustDial(t, url, "o")
	connB := mustDial(t, url, "o")
	busA, err := tabbus.New("tab-a", connA)
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	defer busA.Destroy()
	busB, err := tabbus.New("tab-b", connB)
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	defer busB.Destroy()
	waitClients(t, s, "o", 2)

	got := make(chan busv1.Message, 1)
	busB.On(busv1.TypeLogout, func(m busv1.Message) { got <- m })

	time.Sleep(time.Second)

	if n := s.Clients("o"); n != 2 {
		t.Fatalf("clients after quiet period=%d want 2", n)
	}
	if connA.Reconnects() != 0 || connB.Reconnects() != 0 {
		t.Fatalf("quiet clients were dropped: reconnects a=%d b=%d", connA.Reconnects(), connB.Reconnects())
	}
	if err := busA.Broadcast(busv1.TypeLogout, nil); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatalf("LOGOUT lost after quiet period")
	}
}

func TestRelay_ClientReconnectsAfterDisconnect(t *testing.T) {
	t.Parallel()

	s, url := testServer(t, DefaultConfig())
	opts := DialOptions{ReconnectMin: 20 * time.Millisecond, ReconnectMax: 100 * time.Millisecond}
	connA := mustDialWith(t, url, "o", opts)
	connB := mustDialWith(t, url, "o", opts)
	busA, err := tabbus.New("tab-a", connA)
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	defer busA.Destroy()
	busB, err := tabbus.New("tab-b", connB)
	if err != nil {
		t.Fatalf("tabbus.New: %v", err)
	}
	defer busB.Destroy()
	waitClients(t, s, "o", 2)

	got := make(chan busv1.Message, 1)
	busB.On(busv1.TypeLogin, func(m busv1.Message) { got <- m })

	s.Shutdown()

	deadline := time.Now().Add(5 * time.Second)
	for connA.Reconnects() == 0 || connB.Reconnects() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("clients did not reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitConnected(t, connA, connB)
	waitClients(t, s, "o", 2)

	select {
	case <-connA.Done():
		t.Fatalf("Conn stopped instead of reconnecting")
	default:
	}
	if err := busA.Broadcast(busv1.TypeLogin, nil); err != nil {
		t.Fatalf("Broadcast after reconnect: %v", err)
	}
	select {
	case m := <-got:
		if m.OriginTabID != "tab-a" {
			t.Fatalf("origin=%q", m.OriginTabID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("LOGIN not delivered after reconnect")
	}
}
