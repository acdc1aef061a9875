package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tabsync/internal/tabbus"
)

// ErrDisconnected is returned by Post while the connection to the relay is down.
var ErrDisconnected = errors.New("relay: disconnected")

const (
	defaultReconnectMin = 100 * time.Millisecond
	defaultReconnectMax = 5 * time.Second
	redialTimeout       = 5 * time.Second
)

// DialOptions tunes a relay connection.
type DialOptions struct {
	// Origin is sent as the Origin header when set.
	Origin       string
	WriteTimeout time.Duration
	Logger       *slog.Logger
	HTTPClient   *http.Client

	// ReconnectMin and ReconnectMax bound the exponential redial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// NoReconnect ends the Conn on the first disconnect.
	NoReconnect bool
}

// Conn is a client connection to one relay channel. It implements tabbus.Channel.
//
// A lost connection is redialed with backoff until Close. Frames posted while
// disconnected fail with ErrDisconnected; frames sent by peers in that window
// are not replayed.
type Conn struct {
	url  string
	opts DialOptions
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	ws         *websocket.Conn
	listeners  map[uint64]func([]byte)
	seq        uint64
	reconnects int
	closed     bool
}

var _ tabbus.Channel = (*Conn)(nil)

// Dial connects to the relay at baseURL (http, https, ws or wss) and joins channel.
func Dial(ctx context.Context, baseURL, channel string, opts DialOptions) (*Conn, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("relay: empty channel")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("channel", channel)
	u.RawQuery = q.Encode()

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = max(defaultReconnectMax, opts.ReconnectMin)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:       u.String(),
		opts:      opts,
		log:       opts.Logger.With("channel", channel),
		ctx:       cctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		listeners: make(map[uint64]func([]byte)),
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.ws = ws
	go c.run(ws)
	return c, nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Origin != "" {
		header.Set("Origin", c.opts.Origin)
	}

	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient:   c.opts.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("relay: server did not accept subprotocol %q", Subprotocol)
	}
	return ws, nil
}

// Post sends one frame to the other members of the channel.
func (c *Conn) Post(frame []byte) error {
	c.mu.Lock()
	closed, ws := c.closed, c.ws
	c.mu.Unlock()
	if closed {
		return tabbus.ErrClosed
	}
	if ws == nil {
		return ErrDisconnected
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return nil
}

// Listen registers fn for inbound frames. fn runs on the connection's read goroutine.
func (c *Conn) Listen(fn func([]byte)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connected reports whether a relay connection is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Reconnects returns how many times the connection was re-established.
func (c *Conn) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Done is closed once the Conn stops for good: after Close, or after the first
// disconnect when NoReconnect is set.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close terminates the connection and stops reconnecting.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.listeners = make(map[uint64]func([]byte))
	c.mu.Unlock()

	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "bye")
	}
	c.cancel()
	<-c.done
	if err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (c *Conn) run(ws *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		closed := c.closed
		c.mu.Unlock()
		_ = ws.CloseNow()

		if closed || c.ctx.Err() != nil {
			return
		}
		c.log.Info("relay.client.disconnected", "close_status", websocket.CloseStatus(err), "err", err)
		if c.opts.NoReconnect {
			return
		}

		next, err := c.redial()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.CloseNow()
			return
		}
		c.ws = next
		c.reconnects++
		n := c.reconnects
		c.mu.Unlock()

		c.log.Info("relay.client.reconnected", "reconnects", n)
		ws = next
	}
}

// redial retries until a connection is up or the Conn is closed.
func (c *Conn) redial() (*websocket.Conn, error) {
	delay := c.opts.ReconnectMin
	for {
		t := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return nil, c.ctx.Err()
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, redialTimeout)
		ws, err := c.dial(ctx)
		cancel()
		if err == nil {
			return ws, nil
		}
		if c.ctx.Err() != nil {
			return nil, c.ctx.Err()
		}
		c.log.Debug("relay.client.redial.fail", "err", err, "retry_in_ms", delay.Milliseconds())
		delay = min(delay*2, c.opts.ReconnectMax)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, frame, err := ws.Read(c.ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		fns := make([]func([]byte), 0, len(c.listeners))
		for _, fn := range c.listeners {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(frame)
		}
	}
}
