// Package storage implements the key-value area shared by every tab of one
// origin, together with the change feed tabs use to observe each other.
//
// Change notifications follow browser storage-event semantics: a write is
// reported to every other handle on the same area, never to the handle that
// performed it, and only when the stored value actually changed.
package storage

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backing store cannot be reached or is disabled.
var ErrUnavailable = errors.New("storage unavailable")

// Change describes a mutation observed by a watching handle.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Storage is one tab's handle on a shared key-value area.
type Storage interface {
	// Get returns the value stored under key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Watch registers fn for changes made through other handles. The returned func unregisters it.
	Watch(fn func(Change)) (cancel func())
}

// watcherSet is the registration bookkeeping shared by every backend.
type watcherSet struct {
	seq uint64
	fns map[uint64]func(Change)
}

func (w *watcherSet) add(fn func(Change)) uint64 {
	if w.fns == nil {
		w.fns = make(map[uint64]func(Change))
	}
	w.seq++
	w.fns[w.seq] = fn
	return w.seq
}

func (w *watcherSet) remove(id uint64) {
	delete(w.fns, id)
}

func (w *watcherSet) snapshot() []func(Change) {
	out := make([]func(Change), 0, len(w.fns))
	for _, fn := range w.fns {
		out = append(out, fn)
	}
	return out
}
