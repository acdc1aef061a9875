// Package identity resolves the identity of the current tab.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tabsync/internal/identity/ids"
	"tabsync/internal/storage"
)

// TabIDKey is the per-tab storage key holding the tab identity.
const TabIDKey = "tabId"

// TabID returns the identity stored in the tab-private handle st, creating and
// persisting a new ULID on first access. The handle must not be shared with
// other tabs; reloads of the same tab reuse it.
//
// If the handle cannot persist the id, the freshly generated id is still returned
// together with the storage error so the caller can run with an ephemeral identity.
func TabID(ctx context.Context, st storage.Storage, now time.Time) (string, error) {
	if v, ok, err := st.Get(ctx, TabIDKey); err == nil && ok && strings.TrimSpace(v) != "" {
		return v, nil
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return "", fmt.Errorf("identity: new tab id: %w", err)
	}
	if err := st.Set(ctx, TabIDKey, id); err != nil {
		return id, fmt.Errorf("identity: persist tab id: %w", err)
	}
	return id, nil
}
