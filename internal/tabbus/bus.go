package tabbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"tabsync/internal/clock"
	"tabsync/internal/identity/ids"
	"tabsync/internal/metrics"
	busv1 "tabsync/shared/contracts/tabbus/v1"
)

// Handler receives one message from another tab.
type Handler func(msg busv1.Message)

// Bus is one tab's endpoint on the cross-tab bus.
type Bus struct {
	tabID   string
	ch      Channel
	clk     clock.Clock
	log     *slog.Logger
	metrics *metrics.Recorder

	mu       sync.Mutex
	handlers map[string]map[uint64]Handler
	seq      uint64
	unlisten func()
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the clock used for message timestamps and ids.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clk = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// WithMetrics counts sent, received and dropped messages.
func WithMetrics(m *metrics.Recorder) Option {
	return func(b *Bus) { b.metrics = m }
}

// New attaches a Bus for tabID to ch and starts listening.
func New(tabID string, ch Channel, opts ...Option) (*Bus, error) {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return nil, errors.New("tabbus: empty tab id")
	}
	if ch == nil {
		return nil, errors.New("tabbus: nil channel")
	}

	b := &Bus{
		tabID:    tabID,
		ch:       ch,
		clk:      clock.Real(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlers: make(map[string]map[uint64]Handler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.log = b.log.With("tab_id", tabID)
	b.unlisten = ch.Listen(b.receive)
	return b, nil
}

// Broadcast wraps payload into a message originating from this tab and posts it.
// A nil payload is sent as JSON null.
func (b *Bus) Broadcast(msgType string, payload any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("tabbus: encode payload: %w", err)
	}

	now := b.clk.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return fmt.Errorf("tabbus: message id: %w", err)
	}
	msg := busv1.Message{
		V:           busv1.Version,
		ID:          id,
		Type:        msgType,
		Payload:     raw,
		OriginTabID: b.tabID,
		Timestamp:   now.UnixMilli(),
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("tabbus: %w", err)
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("tabbus: encode message: %w", err)
	}
	if err := b.ch.Post(frame); err != nil {
		b.log.Info("bus.send.fail", "type", msgType, "err", err)
		return fmt.Errorf("tabbus: post: %w", err)
	}

	b.log.Debug("bus.send", "type", msgType, "msg_id", id)
	b.metrics.Bus("sent", msgType)
	return nil
}

// On registers fn for msgType. Several handlers per type are allowed.
// The returned func unregisters fn.
func (b *Bus) On(msgType string, fn Handler) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.seq++
	id := b.seq
	if b.handlers[msgType] == nil {
		b.handlers[msgType] = make(map[uint64]Handler)
	}
	b.handlers[msgType][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[msgType], id)
	}
}

// Destroy detaches from the channel, closes it and clears all handlers.
func (b *Bus) Destroy() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.handlers = make(map[string]map[uint64]Handler)
	unlisten := b.unlisten
	b.unlisten = nil
	b.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	if err := b.ch.Close(); err != nil {
		b.log.Debug("bus.close.fail", "err", err)
	}
}

func (b *Bus) receive(frame []byte) {
	msg, err := busv1.Decode(frame)
	if err != nil {
		b.log.Info("bus.drop.invalid", "err", err)
		b.metrics.Bus("dropped", "invalid")
		return
	}
	if msg.OriginTabID == b.tabID {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	fns := make([]Handler, 0, len(b.handlers[msg.Type]))
	for _, fn := range b.handlers[msg.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	b.log.Debug("bus.recv", "type", msg.Type, "origin", msg.OriginTabID, "msg_id", msg.ID)
	b.metrics.Bus("received", msg.Type)
	for _, fn := range fns {
		fn(msg)
	}
}
