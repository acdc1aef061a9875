package memauth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/storage"
)

// SessionKey is the storage key under which clients persist the current session.
const SessionKey = "tabsync.auth.session"

// Client is one tab's view of the backend. Clients whose stores share one
// storage area also share the persisted session, as tabs of one origin do.
type Client struct {
	srv   *Server
	store storage.Storage

	mu        sync.Mutex
	listeners map[uint64]func(authclient.Event, *authclient.Session)
	seq       uint64
}

var _ authclient.Client = (*Client)(nil)

// NewClient returns a client persisting its session in store.
// A nil store keeps the session private to the client.
func (s *Server) NewClient(store storage.Storage) *Client {
	if store == nil {
		store = storage.NewMemory().Handle()
	}
	return &Client{
		srv:       s,
		store:     store,
		listeners: make(map[uint64]func(authclient.Event, *authclient.Session)),
	}
}

func (c *Client) GetSession(ctx context.Context) (*authclient.Session, error) {
	sess, err := c.load(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	if err := c.srv.check(sess.AccessToken); err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Client) OnAuthStateChange(fn func(authclient.Event, *authclient.Session)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) SignInWithPassword(ctx context.Context, creds authclient.Credentials) (*authclient.Session, error) {
	sess, err := c.srv.signInWithPassword(creds)
	if err != nil {
		return nil, err
	}
	return c.signedIn(ctx, sess)
}

func (c *Client) SignUp(ctx context.Context, creds authclient.Credentials) (*authclient.Session, error) {
	sess, err := c.srv.signUp(creds)
	if err != nil {
		return nil, err
	}
	return c.signedIn(ctx, sess)
}

// SignInWithOAuth completes the provider flow immediately; the session is
// delivered through the SIGNED_IN event.
func (c *Client) SignInWithOAuth(ctx context.Context, provider string) error {
	sess, err := c.srv.signInWithOAuth(provider)
	if err != nil {
		return err
	}
	_, err = c.signedIn(ctx, sess)
	return err
}

func (c *Client) SignOut(ctx context.Context) error {
	sess, err := c.load(ctx)
	if err == nil && sess != nil {
		c.srv.endSession(sess.AccessToken)
	}
	if err := c.store.Remove(ctx, SessionKey); err != nil {
		return fmt.Errorf("memauth: clear session: %w", err)
	}
	c.Emit(authclient.EventSignedOut, nil)
	return nil
}

func (c *Client) RefreshSession(ctx context.Context) (*authclient.Session, error) {
	cur, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, authclient.ErrNoSession
	}

	next, err := c.srv.rotate(cur.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := c.save(ctx, next); err != nil {
		return nil, err
	}
	c.Emit(authclient.EventTokenRefreshed, next)
	return next, nil
}

// UpdateUser merges metadata into the signed-in user's profile.
func (c *Client) UpdateUser(ctx context.Context, metadata map[string]string) (*authclient.Session, error) {
	cur, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, authclient.ErrNoSession
	}

	u, err := c.srv.updateUser(cur.User.ID, metadata)
	if err != nil {
		return nil, err
	}
	cur.User = u
	if err := c.save(ctx, cur); err != nil {
		return nil, err
	}
	c.Emit(authclient.EventUserUpdated, cur)
	return cur, nil
}

// Emit delivers an event to this client's listeners, as the backend does for
// housekeeping events such as a SIGNED_OUT fired while a tab closes.
func (c *Client) Emit(ev authclient.Event, sess *authclient.Session) {
	c.mu.Lock()
	fns := make([]func(authclient.Event, *authclient.Session), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ev, sess.Clone())
	}
}

func (c *Client) signedIn(ctx context.Context, sess *authclient.Session) (*authclient.Session, error) {
	if err := c.save(ctx, sess); err != nil {
		return nil, err
	}
	c.Emit(authclient.EventSignedIn, sess)
	return sess.Clone(), nil
}

func (c *Client) load(ctx context.Context) (*authclient.Session, error) {
	raw, ok, err := c.store.Get(ctx, SessionKey)
	if err != nil {
		return nil, fmt.Errorf("memauth: load session: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var sess authclient.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("memauth: decode session: %w", err)
	}
	return &sess, nil
}

func (c *Client) save(ctx context.Context, sess *authclient.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, SessionKey, string(b)); err != nil {
		return fmt.Errorf("memauth: persist session: %w", err)
	}
	return nil
}
