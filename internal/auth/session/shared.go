package session

import "sync"

var (
	sharedMu sync.Mutex
	shared   *Manager
)

// Shared returns the process-wide Manager, building it from opts on first use.
// Later calls ignore opts until the shared Manager is destroyed.
func Shared(opts Options) (*Manager, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	m, err := New(opts)
	if err != nil {
		return nil, err
	}
	shared = m
	return m, nil
}

func clearShared(m *Manager) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == m {
		shared = nil
	}
}
