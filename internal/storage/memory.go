package storage

import (
	"context"
	"sync"
)

// Memory is an in-process shared area. Each tab obtains its own handle via Handle.
//
// Change delivery is synchronous: the writing call returns after every other
// handle's watchers ran. Watchers are never invoked with the area lock held.
type Memory struct {
	mu      sync.Mutex
	data    map[string]string
	fail    error
	seq     uint64
	handles map[uint64]*MemoryHandle
}

// NewMemory constructs an empty shared area.
func NewMemory() *Memory {
	return &Memory{
		data:    make(map[string]string),
		handles: make(map[uint64]*MemoryHandle),
	}
}

// Handle attaches a new handle to the area.
func (m *Memory) Handle() *MemoryHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	h := &MemoryHandle{area: m, id: m.seq}
	m.handles[h.id] = h
	return h
}

// FailWith makes every subsequent operation return err (nil restores normal operation).
// It models disabled storage or an exhausted quota.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Peek reads a key directly, bypassing failure injection.
func (m *Memory) Peek(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) write(from uint64, key, value string, removed bool) error {
	m.mu.Lock()
	if m.fail != nil {
		err := m.fail
		m.mu.Unlock()
		return err
	}

	old, existed := m.data[key]
	if removed {
		if !existed {
			m.mu.Unlock()
			return nil
		}
		delete(m.data, key)
	} else {
		if existed && old == value {
			m.mu.Unlock()
			return nil
		}
		m.data[key] = value
	}

	targets := make([]*MemoryHandle, 0, len(m.handles))
	for id, h := range m.handles {
		if id != from {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()

	ch := Change{Key: key, Value: value, Removed: removed}
	if removed {
		ch.Value = ""
	}
	for _, h := range targets {
		h.deliver(ch)
	}
	return nil
}

// MemoryHandle is one tab's view of a Memory area.
type MemoryHandle struct {
	area *Memory
	id   uint64

	mu       sync.Mutex
	watchers watcherSet
	closed   bool
}

// Get implements Storage.
func (h *MemoryHandle) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	h.area.mu.Lock()
	defer h.area.mu.Unlock()
	if h.area.fail != nil {
		return "", false, h.area.fail
	}
	v, ok := h.area.data[key]
	return v, ok, nil
}

// Set implements Storage.
func (h *MemoryHandle) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.area.write(h.id, key, value, false)
}

// Remove implements Storage.
func (h *MemoryHandle) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.area.write(h.id, key, "", true)
}

// Watch implements Storage.
func (h *MemoryHandle) Watch(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	id := h.watchers.add(fn)
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		h.watchers.remove(id)
		h.mu.Unlock()
	}
}

// Close detaches the handle; it stops receiving changes.
func (h *MemoryHandle) Close() error {
	h.area.mu.Lock()
	delete(h.area.handles, h.id)
	h.area.mu.Unlock()

	h.mu.Lock()
	h.closed = true
	h.watchers = watcherSet{}
	h.mu.Unlock()
	return nil
}

func (h *MemoryHandle) deliver(ch Change) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	fns := h.watchers.snapshot()
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}
