package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDestroyed is returned by commands on a destroyed Manager.
	ErrDestroyed = errors.New("session manager destroyed")

	// ErrMissingClient is returned when Options carry no backend client.
	ErrMissingClient = errors.New("missing auth client")

	// ErrMissingStorage is returned when Options carry no shared storage.
	ErrMissingStorage = errors.New("missing shared storage")
)

// CommandError wraps a backend failure of a public command.
type CommandError struct {
	Op  string
	Err error
}

func (e CommandError) Error() string { return fmt.Sprintf("session.%s: %v", e.Op, e.Err) }

func (e CommandError) Unwrap() error { return e.Err }
