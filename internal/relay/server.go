package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"tabsync/internal/identity/ids"
	"tabsync/internal/metrics"
	busv1 "tabsync/shared/contracts/tabbus/v1"
)

// Server is the websocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, frame size and rate
// limits, pings idle peers, and fans validated bus frames out to every other
// member of the requested channel.
type Server struct {
	log     *slog.Logger
	cfg     Config
	hub     *Hub
	metrics *metrics.Recorder

	// Derived for websocket.Accept, which requires host patterns for cross-origin requests.
	originPatterns []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics tracks connected clients and dropped frames.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer constructs a relay server.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize < minSendQueueSize {
		cfg.SendQueueSize = minSendQueueSize
	}

	s := &Server{log: slog.Default(), cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.hub = NewHub(s.log)
	s.originPatterns = deriveOriginPatterns(cfg.AllowedOrigins)
	return s, nil
}

// Clients returns the number of peers connected to channel.
func (s *Server) Clients(channel string) int { return s.hub.Clients(channel) }

// Shutdown disconnects every peer with StatusGoingAway. Hijacked connections
// are not covered by http.Server.Shutdown.
func (s *Server) Shutdown() {
	if n := s.hub.closeAll(); n > 0 {
		s.log.Info("relay.shutdown", "clients", n)
	}
}

// ServeHTTP upgrades GET /ws?channel=<name> and runs the relay loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	if channel == "" || len(channel) > maxChannelName {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}

	if err := s.enforceOrigin(r); err != nil {
		s.log.Info("relay.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var lastSeen atomic.Int64
	touch := func() { lastSeen.Store(time.Now().UnixNano()) }
	touch()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.originPatterns,
		OnPongReceived: func(context.Context, []byte) { touch() },
	})
	if err != nil {
		s.log.Error("relay.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != Subprotocol {
		s.log.Info("relay.reject.subprotocol", "got", sp, "want", Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	id, err := ids.NewULID(time.Now())
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id")
		return
	}
	c := newClient(id, s.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.hub.join(channel, c)
	s.metrics.RelayConnected(1)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			s.hub.leave(channel, id)
			s.metrics.RelayConnected(-1)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				shutdown(websocket.StatusGoingAway, "server shutdown")
				return
			case frame := <-c.send:
				if err := s.write(ctx, conn, frame); err != nil {
					s.log.Info("relay.write.fail", "client_id", id, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		s.pingLoop(ctx, conn, c, id, &lastSeen, shutdown)
	}()

	rl := NewRateLimiter(s.cfg.RateEvents, s.cfg.RateWindow)

	for {
		mt, frame, err := conn.Read(ctx)
		if err != nil {
			s.logReadErr(id, err)
			shutdown(websocket.StatusNormalClosure, "read done")
			break
		}
		touch()
		if !rl.Allow(time.Now()) {
			s.log.Info("relay.rate_limited", "client_id", id, "channel", channel)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}

		msg, err := busv1.Decode(frame)
		if err != nil {
			s.log.Info("relay.drop.invalid", "client_id", id, "err", err)
			continue
		}

		delivered, dropped := s.hub.broadcast(channel, id, frame)
		for i := 0; i < dropped; i++ {
			s.metrics.RelayDrop()
		}
		s.log.Debug("relay.fanout", "channel", channel, "type", msg.Type, "delivered", delivered, "dropped", dropped)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-pingDone:
	case <-time.After(closeGrace):
	}
}

func (s *Server) write(parent context.Context, conn *websocket.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// pingLoop pings the peer and disconnects it after repeated ping failures or
// once nothing, pongs included, arrived for ReadIdleTimeout.
func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, c *client, id string, lastSeen *atomic.Int64, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-t.C:
			if idle := time.Since(time.Unix(0, lastSeen.Load())); idle > s.cfg.ReadIdleTimeout {
				s.log.Info("relay.read.idle", "client_id", id, "idle_ms", idle.Milliseconds())
				shutdown(websocket.StatusGoingAway, "idle")
				return
			}

			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()

			if err != nil {
				failures++
				s.log.Info("relay.ping.fail", "client_id", id, "failures", failures, "err", err)
				if failures >= maxPingFailures {
					shutdown(websocket.StatusGoingAway, "ping failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Server) logReadErr(id string, err error) {
	switch {
	case websocket.CloseStatus(err) != -1:
		s.log.Debug("relay.peer.closed", "client_id", id, "close_status", websocket.CloseStatus(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.log.Debug("relay.read.canceled", "client_id", id)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		s.log.Debug("relay.conn.closed", "client_id", id)
	default:
		s.log.Info("relay.read.fail", "client_id", id, "err", err)
	}
}

// ---- origin policy ----

func (s *Server) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if s.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range s.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns keeps websocket.Accept's own origin check in agreement with the allowlist.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		// Accept matches patterns against the origin host including its port.
		seen[h] = struct{}{}
		seen[h+":*"] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
