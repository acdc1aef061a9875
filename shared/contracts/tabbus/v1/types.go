// Package v1 defines the cross-tab bus message contract.
//
// It is shared by every bus transport (in-process, storage sentinel, relay)
// so all tabs agree on one wire shape.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every frame.
const Version = "v1"

// Message types (wire-stable).
const (
	// TypeSessionUpdate carries a session snapshot. A null payload is a hint only.
	TypeSessionUpdate = "SESSION_UPDATE"
	// TypeLogin announces a sign-in performed in the origin tab.
	TypeLogin = "LOGIN"
	// TypeLogout is the only message that signs other tabs out.
	TypeLogout = "LOGOUT"
	// TypeTokenRefresh carries a freshly refreshed session.
	TypeTokenRefresh = "TOKEN_REFRESH"
)

// Message is the canonical bus frame.
type Message struct {
	V           string          `json:"v"`
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	OriginTabID string          `json:"originTabId"`
	Timestamp   int64           `json:"timestamp"`
}

// Time returns the send timestamp.
func (m Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// IsNullPayload reports whether the payload is absent or JSON null.
func (m Message) IsNullPayload() bool {
	p := strings.TrimSpace(string(m.Payload))
	return p == "" || p == "null"
}

// Validate performs strict structural validation for a Message.
func (m Message) Validate() error {
	if strings.TrimSpace(m.V) == "" {
		return errors.New("missing field: v")
	}
	if m.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", m.V)
	}
	if strings.TrimSpace(m.OriginTabID) == "" {
		return errors.New("missing field: originTabId")
	}
	if m.Timestamp <= 0 {
		return errors.New("missing field: timestamp")
	}

	switch m.Type {
	case TypeSessionUpdate, TypeLogin, TypeLogout, TypeTokenRefresh:
		return nil
	case "":
		return errors.New("missing field: type")
	default:
		return fmt.Errorf("unknown type: %q", m.Type)
	}
}

// Decode parses and validates one frame.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
