// Package tabbus delivers typed messages to every other tab of one origin.
//
// A Bus runs over a Channel. The native channel (LocalHub in-process, the
// relay across processes) is used when available; otherwise the bus falls back
// to a sentinel key in shared storage whose change events carry the frames.
package tabbus

import (
	"errors"
	"sync"
)

// ErrClosed is returned when posting on a closed channel.
var ErrClosed = errors.New("tabbus: channel closed")

// Channel is a best-effort broadcast primitive. Frames posted on one endpoint
// are delivered to every other endpoint of the same channel, never back to
// the posting endpoint.
type Channel interface {
	Post(frame []byte) error
	// Listen registers fn for frames from other endpoints. The returned func unregisters it.
	Listen(fn func(frame []byte)) (cancel func())
	Close() error
}

// LocalHub connects in-process endpoints by channel name.
// Delivery is synchronous on the posting goroutine.
type LocalHub struct {
	mu       sync.Mutex
	seq      uint64
	channels map[string]map[uint64]*localEndpoint
}

// NewLocalHub constructs an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{channels: make(map[string]map[uint64]*localEndpoint)}
}

// Join attaches a new endpoint to the named channel.
func (h *LocalHub) Join(name string) Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ep := &localEndpoint{hub: h, name: name, id: h.seq}
	if h.channels[name] == nil {
		h.channels[name] = make(map[uint64]*localEndpoint)
	}
	h.channels[name][ep.id] = ep
	return ep
}

func (h *LocalHub) peers(name string, except uint64) []*localEndpoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*localEndpoint, 0, len(h.channels[name]))
	for id, ep := range h.channels[name] {
		if id != except {
			out = append(out, ep)
		}
	}
	return out
}

func (h *LocalHub) leave(ep *localEndpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.channels[ep.name], ep.id)
	if len(h.channels[ep.name]) == 0 {
		delete(h.channels, ep.name)
	}
}

type localEndpoint struct {
	hub  *LocalHub
	name string
	id   uint64

	mu        sync.Mutex
	listeners listenerSet
	closed    bool
}

func (e *localEndpoint) Post(frame []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for _, peer := range e.hub.peers(e.name, e.id) {
		peer.deliver(frame)
	}
	return nil
}

func (e *localEndpoint) deliver(frame []byte) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fns := e.listeners.snapshot()
	e.mu.Unlock()

	for _, fn := range fns {
		// Each listener gets its own copy so handlers cannot alias each other.
		fn(append([]byte(nil), frame...))
	}
}

func (e *localEndpoint) Listen(fn func([]byte)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	id := e.listeners.add(fn)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		e.listeners.remove(id)
		e.mu.Unlock()
	}
}

func (e *localEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.listeners = listenerSet{}
	e.mu.Unlock()

	e.hub.leave(e)
	return nil
}

type listenerSet struct {
	seq uint64
	fns map[uint64]func([]byte)
}

func (l *listenerSet) add(fn func([]byte)) uint64 {
	if l.fns == nil {
		l.fns = make(map[uint64]func([]byte))
	}
	l.seq++
	l.fns[l.seq] = fn
	return l.seq
}

func (l *listenerSet) remove(id uint64) { delete(l.fns, id) }

func (l *listenerSet) snapshot() []func([]byte) {
	out := make([]func([]byte), 0, len(l.fns))
	for _, fn := range l.fns {
		out = append(out, fn)
	}
	return out
}
