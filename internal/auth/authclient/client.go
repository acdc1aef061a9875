// Package authclient defines the boundary to the authentication backend:
// the per-tab client the session manager drives and the event stream it emits.
package authclient

import (
	"context"
	"errors"
	"time"
)

// Event is a native auth-state change emitted by a backend client.
type Event string

const (
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Common backend errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrNoSession          = errors.New("no session")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrUnavailable        = errors.New("auth backend unavailable")
)

// User is the authenticated profile.
type User struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Session is the credential plus expiry metadata.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Equal reports whether two sessions carry the same credential and profile.
func (s *Session) Equal(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.AccessToken != o.AccessToken ||
		s.RefreshToken != o.RefreshToken ||
		!s.ExpiresAt.Equal(o.ExpiresAt) {
		return false
	}
	return s.User.Equal(o.User)
}

// OlderThan reports whether s is an earlier credential of the same user than
// cur, such as a rotated-out token arriving late. Sessions of different users
// are never ordered.
func (s *Session) OlderThan(cur *Session) bool {
	if s == nil || cur == nil || s.User.ID != cur.User.ID {
		return false
	}
	return s.ExpiresAt.Before(cur.ExpiresAt)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.User = s.User.Clone()
	return &c
}

// Equal reports profile equality.
func (u User) Equal(o User) bool {
	if u.ID != o.ID || u.Email != o.Email || len(u.Metadata) != len(o.Metadata) {
		return false
	}
	for k, v := range u.Metadata {
		if ov, ok := o.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (u User) Clone() User {
	if u.Metadata == nil {
		return u
	}
	md := make(map[string]string, len(u.Metadata))
	for k, v := range u.Metadata {
		md[k] = v
	}
	u.Metadata = md
	return u
}

// Credentials are email/password sign-in or sign-up inputs.
type Credentials struct {
	Email    string
	Password string
}

// Client is one tab's backend client.
//
// Events passed to OnAuthStateChange originate from this client instance only.
type Client interface {
	// GetSession returns the current session; a nil session with a nil error means signed out.
	GetSession(ctx context.Context) (*Session, error)
	OnAuthStateChange(fn func(Event, *Session)) (unsubscribe func())
	SignInWithPassword(ctx context.Context, creds Credentials) (*Session, error)
	SignUp(ctx context.Context, creds Credentials) (*Session, error)
	SignInWithOAuth(ctx context.Context, provider string) error
	SignOut(ctx context.Context) error
	RefreshSession(ctx context.Context) (*Session, error)
}
