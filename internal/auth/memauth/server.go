// Package memauth is an in-process authentication backend for development,
// simulation and tests. It implements authclient.Client on top of a shared
// Server that owns users, refresh-token families and revocations.
//
// Access tokens are PASETO v4.public, refresh tokens are opaque and rotate on
// every refresh, and passwords are stored as Argon2id hashes.
package memauth

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/clock"
	"tabsync/internal/identity/ids"
)

const (
	defaultIssuer        = "tabsync-memauth"
	defaultAccessTTL     = time.Hour
	defaultReuseInterval = 10 * time.Second
	minPasswordLength    = 8
	maxPasswordLength    = 256
)

// ErrWeakPassword is returned by SignUp for passwords that fail the policy.
var ErrWeakPassword = errors.New("memauth: weak password")

type userRecord struct {
	user authclient.User
	hash string
}

type sessionRecord struct {
	id      string
	userID  string
	revoked bool
}

// rotation remembers the successor of a rotated refresh token so a concurrent
// refresh by another tab within the reuse interval gets the same result.
type rotation struct {
	sid  string
	next *authclient.Session
	at   time.Time
}

// Server is the shared backend.
type Server struct {
	clk           clock.Clock
	log           *slog.Logger
	tokens        *accessTokens
	params        PasswordParams
	reuseInterval time.Duration

	mu        sync.Mutex
	users     map[string]*userRecord // by lower-cased email
	sessions  map[string]*sessionRecord
	refresh   map[string]string // refresh-token hash -> session id
	rotated   map[string]rotation
	failNext  int
	failError error
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	clk           clock.Clock
	log           *slog.Logger
	issuer        string
	accessTTL     time.Duration
	params        PasswordParams
	reuseInterval time.Duration
}

// WithClock sets the clock used for token issuance.
func WithClock(c clock.Clock) Option { return func(o *serverOptions) { o.clk = c } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(o *serverOptions) { o.log = log } }

// WithAccessTTL sets the access-token lifetime.
func WithAccessTTL(d time.Duration) Option { return func(o *serverOptions) { o.accessTTL = d } }

// WithIssuer sets the PASETO issuer claim.
func WithIssuer(iss string) Option { return func(o *serverOptions) { o.issuer = iss } }

// WithPasswordParams overrides the Argon2id parameters.
func WithPasswordParams(p PasswordParams) Option { return func(o *serverOptions) { o.params = p } }

// WithReuseInterval sets how long a rotated refresh token stays redeemable.
func WithReuseInterval(d time.Duration) Option {
	return func(o *serverOptions) { o.reuseInterval = d }
}

// NewServer constructs an empty backend.
func NewServer(opts ...Option) *Server {
	o := serverOptions{
		issuer:        defaultIssuer,
		accessTTL:     defaultAccessTTL,
		params:        DefaultPasswordParams(),
		reuseInterval: defaultReuseInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.accessTTL <= 0 {
		o.accessTTL = defaultAccessTTL
	}

	return &Server{
		clk:           clock.OrReal(o.clk),
		log:           o.log,
		tokens:        newAccessTokens(o.issuer, o.accessTTL),
		params:        o.params,
		reuseInterval: o.reuseInterval,
		users:         make(map[string]*userRecord),
		sessions:      make(map[string]*sessionRecord),
		refresh:       make(map[string]string),
		rotated:       make(map[string]rotation),
	}
}

// FailNextRefreshes makes the next n refresh calls fail with authclient.ErrUnavailable.
func (s *Server) FailNextRefreshes(n int) {
	s.mu.Lock()
	s.failNext = n
	s.failError = authclient.ErrUnavailable
	s.mu.Unlock()
}

// Revoke invalidates every session of userID server-side.
func (s *Server) Revoke(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.sessions {
		if rec.userID == userID && !rec.revoked {
			rec.revoked = true
			n++
		}
	}
	s.log.Info("memauth.revoke", "user_id", userID, "sessions", n)
	return n
}

// UserByEmail returns the registered profile.
func (s *Server) UserByEmail(email string) (authclient.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[normalizeEmail(email)]
	if !ok {
		return authclient.User{}, false
	}
	return rec.user.Clone(), true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Server) signUp(creds authclient.Credentials) (*authclient.Session, error) {
	email := normalizeEmail(creds.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: email", authclient.ErrInvalidCredentials)
	}
	if err := checkPasswordPolicy(creds.Password); err != nil {
		return nil, err
	}

	hash, err := hashPassword(s.params, creds.Password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[email]; ok {
		return nil, authclient.ErrUserExists
	}
	uid, err := ids.NewULID(s.clk.Now())
	if err != nil {
		return nil, err
	}
	rec := &userRecord{user: authclient.User{ID: uid, Email: email}, hash: hash}
	s.users[email] = rec
	s.log.Info("memauth.signup", "user_id", uid)
	return s.openSessionLocked(rec.user)
}

func (s *Server) signInWithPassword(creds authclient.Credentials) (*authclient.Session, error) {
	email := normalizeEmail(creds.Email)

	s.mu.Lock()
	rec, ok := s.users[email]
	s.mu.Unlock()
	if !ok || rec.hash == "" {
		return nil, authclient.ErrInvalidCredentials
	}

	match, err := verifyPassword(s.params, rec.hash, creds.Password)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, authclient.ErrInvalidCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openSessionLocked(rec.user)
}

// signInWithOAuth signs in a provider-backed user, creating it on first use.
func (s *Server) signInWithOAuth(provider string) (*authclient.Session, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, errors.New("memauth: empty oauth provider")
	}
	email := "oauth-user@" + provider + ".oauth"

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[email]
	if !ok {
		uid, err := ids.NewULID(s.clk.Now())
		if err != nil {
			return nil, err
		}
		rec = &userRecord{user: authclient.User{
			ID:       uid,
			Email:    email,
			Metadata: map[string]string{"provider": provider},
		}}
		s.users[email] = rec
	}
	return s.openSessionLocked(rec.user)
}

func (s *Server) openSessionLocked(u authclient.User) (*authclient.Session, error) {
	now := s.clk.Now()
	sid, err := ids.NewULID(now)
	if err != nil {
		return nil, err
	}
	s.sessions[sid] = &sessionRecord{id: sid, userID: u.ID}
	return s.issueLocked(sid, u, now)
}

func (s *Server) issueLocked(sid string, u authclient.User, now time.Time) (*authclient.Session, error) {
	rt, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	access, exp := s.tokens.issue(u.ID, sid, now)
	s.refresh[hashRefreshToken(rt)] = sid

	return &authclient.Session{
		AccessToken:  access,
		RefreshToken: rt,
		ExpiresAt:    exp,
		User:         u.Clone(),
	}, nil
}

// rotate exchanges a refresh token for a new session.
func (s *Server) rotate(refreshToken string) (*authclient.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return nil, s.failError
	}

	now := s.clk.Now()
	h := hashRefreshToken(refreshToken)

	if r, ok := s.rotated[h]; ok {
		if now.Sub(r.at) <= s.reuseInterval {
			if rec := s.sessions[r.sid]; rec != nil && !rec.revoked {
				return r.next.Clone(), nil
			}
		}
		delete(s.rotated, h)
		return nil, authclient.ErrInvalidCredentials
	}

	sid, ok := s.refresh[h]
	if !ok {
		return nil, authclient.ErrInvalidCredentials
	}
	rec := s.sessions[sid]
	if rec == nil || rec.revoked {
		return nil, authclient.ErrSessionRevoked
	}
	user, ok := s.userByIDLocked(rec.userID)
	if !ok {
		return nil, authclient.ErrSessionRevoked
	}

	next, err := s.issueLocked(sid, user, now)
	if err != nil {
		return nil, err
	}
	delete(s.refresh, h)
	s.rotated[h] = rotation{sid: sid, next: next.Clone(), at: now}
	return next, nil
}

// endSession revokes the session behind an access token.
func (s *Server) endSession(accessToken string) {
	claims, err := s.tokens.parse(accessToken)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.sessions[claims.SessionID]; rec != nil {
		rec.revoked = true
	}
}

// check reports whether the session behind an access token is still live.
func (s *Server) check(accessToken string) error {
	claims, err := s.tokens.parse(accessToken)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.sessions[claims.SessionID]
	if rec == nil || rec.revoked {
		return authclient.ErrSessionRevoked
	}
	return nil
}

func (s *Server) updateUser(userID string, metadata map[string]string) (authclient.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.users {
		if rec.user.ID != userID {
			continue
		}
		if rec.user.Metadata == nil {
			rec.user.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			rec.user.Metadata[k] = v
		}
		return rec.user.Clone(), nil
	}
	return authclient.User{}, authclient.ErrNoSession
}

func (s *Server) userByIDLocked(id string) (authclient.User, bool) {
	for _, rec := range s.users {
		if rec.user.ID == id {
			return rec.user.Clone(), true
		}
	}
	return authclient.User{}, false
}
