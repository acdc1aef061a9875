package session

import (
	"time"

	"tabsync/internal/auth/authclient"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// State is a snapshot of one tab's session.
type State struct {
	Status          Status
	User            *authclient.User
	Session         *authclient.Session
	Err             error
	LastRefreshedAt time.Time
}

func (s State) clone() State {
	out := s
	out.Session = s.Session.Clone()
	if s.User != nil {
		u := s.User.Clone()
		out.User = &u
	}
	return out
}

func (s State) equal(o State) bool {
	if s.Status != o.Status || s.Err != o.Err || !s.LastRefreshedAt.Equal(o.LastRefreshedAt) {
		return false
	}
	if !s.Session.Equal(o.Session) {
		return false
	}
	if (s.User == nil) != (o.User == nil) {
		return false
	}
	return s.User == nil || s.User.Equal(*o.User)
}
