package memauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tabsync/internal/auth/authclient"
	"tabsync/internal/clock"
	"tabsync/internal/storage"
)

func cheapParams() PasswordParams {
	return PasswordParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func newTestServer(clk clock.Clock) *Server {
	return NewServer(WithClock(clk), WithPasswordParams(cheapParams()), WithAccessTTL(time.Hour))
}

type eventLog struct {
	events []authclient.Event
}

func (l *eventLog) record(ev authclient.Event, _ *authclient.Session) { l.events = append(l.events, ev) }

var creds = authclient.Credentials{Email: "Ada@Example.com ", Password: "correct horse"}

func TestClient_SignUpSignInSignOut(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	srv := newTestServer(clk)
	c := srv.NewClient(nil)

	var log eventLog
	c.OnAuthStateChange(log.record)

	sess, err := c.SignUp(ctx, creds)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if sess.User.Email != "ada@example.com" || sess.AccessToken == "" || sess.RefreshToken == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.ExpiresAt.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("ExpiresAt=%v", sess.ExpiresAt)
	}

	if _, err := c.SignUp(ctx, creds); !errors.Is(err, authclient.ErrUserExists) {
		t.Fatalf("duplicate SignUp err=%v", err)
	}
	if _, err := c.SignInWithPassword(ctx, authclient.Credentials{Email: creds.Email, Password: "wrong password"}); !errors.Is(err, authclient.ErrInvalidCredentials) {
		t.Fatalf("wrong password err=%v", err)
	}
	if _, err := c.SignInWithPassword(ctx, creds); err != nil {
		t.Fatalf("SignInWithPassword: %v", err)
	}

	got, err := c.GetSession(ctx)
	if err != nil || got == nil {
		t.Fatalf("GetSession: %v %v", got, err)
	}

	if err := c.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	got, err = c.GetSession(ctx)
	if err != nil || got != nil {
		t.Fatalf("after SignOut: %v %v", got, err)
	}

	want := []authclient.Event{authclient.EventSignedIn, authclient.EventSignedIn, authclient.EventSignedOut}
	if len(log.events) != len(want) {
		t.Fatalf("events=%v want %v", log.events, want)
	}
	for i := range want {
		if log.events[i] != want[i] {
			t.Fatalf("events=%v want %v", log.events, want)
		}
	}
}

func TestClient_WeakPasswordRejected(t *testing.T) {
	t.Parallel()

	c := newTestServer(nil).NewClient(nil)
	_, err := c.SignUp(context.Background(), authclient.Credentials{Email: "a@b.c", Password: "short"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("err=%v want ErrWeakPassword", err)
	}
}

func TestClient_RefreshRotatesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	srv := newTestServer(clk)
	c := srv.NewClient(nil)

	first, err := c.SignUp(ctx, creds)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	var log eventLog
	c.OnAuthStateChange(log.record)

	clk.Advance(30 * time.Minute)
	next, err := c.RefreshSession(ctx)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if next.RefreshToken == first.RefreshToken || next.AccessToken == first.AccessToken {
		t.Fatalf("tokens not rotated")
	}
	if !next.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("expiry not extended")
	}
	if len(log.events) != 1 || log.events[0] != authclient.EventTokenRefreshed {
		t.Fatalf("events=%v", log.events)
	}

	// Within the reuse interval the old token yields the same successor.
	again, err := srv.rotate(first.RefreshToken)
	if err != nil || again.RefreshToken != next.RefreshToken {
		t.Fatalf("reuse within interval: %v %v", again, err)
	}

	clk.Advance(time.Minute)
	if _, err := srv.rotate(first.RefreshToken); !errors.Is(err, authclient.ErrInvalidCredentials) {
		t.Fatalf("stale refresh token err=%v", err)
	}
}

func TestClient_FailNextRefreshes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newTestServer(clock.NewFake(time.Unix(1_700_000_000, 0)))
	c := srv.NewClient(nil)
	if _, err := c.SignUp(ctx, creds); err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	srv.FailNextRefreshes(2)
	for i := 0; i < 2; i++ {
		if _, err := c.RefreshSession(ctx); !errors.Is(err, authclient.ErrUnavailable) {
			t.Fatalf("attempt %d err=%v", i, err)
		}
	}
	if _, err := c.RefreshSession(ctx); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
}

func TestClient_SharedStoreAndPrivateEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newTestServer(clock.NewFake(time.Unix(1_700_000_000, 0)))
	area := storage.NewMemory()
	a := srv.NewClient(area.Handle())
	b := srv.NewClient(area.Handle())

	var logA, logB eventLog
	a.OnAuthStateChange(logA.record)
	b.OnAuthStateChange(logB.record)

	sess, err := a.SignUp(ctx, creds)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	got, err := b.GetSession(ctx)
	if err != nil || !got.Equal(sess) {
		t.Fatalf("tab b should see persisted session: %v %v", got, err)
	}
	if len(logA.events) != 1 || len(logB.events) != 0 {
		t.Fatalf("events leaked across clients: a=%v b=%v", logA.events, logB.events)
	}
}

func TestServer_RevokeInvalidatesSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newTestServer(clock.NewFake(time.Unix(1_700_000_000, 0)))
	c := srv.NewClient(nil)
	sess, err := c.SignUp(ctx, creds)
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}

	if n := srv.Revoke(sess.User.ID); n != 1 {
		t.Fatalf("revoked %d sessions, want 1", n)
	}
	got, err := c.GetSession(ctx)
	if got != nil || !errors.Is(err, authclient.ErrSessionRevoked) {
		t.Fatalf("GetSession after revoke: %v %v", got, err)
	}
	if _, err := c.RefreshSession(ctx); !errors.Is(err, authclient.ErrSessionRevoked) {
		t.Fatalf("RefreshSession after revoke err=%v", err)
	}
}

func TestClient_OAuthAndUpdateUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := newTestServer(clock.NewFake(time.Unix(1_700_000_000, 0)))
	c := srv.NewClient(nil)

	var log eventLog
	c.OnAuthStateChange(log.record)

	if err := c.SignInWithOAuth(ctx, "GitHub"); err != nil {
		t.Fatalf("SignInWithOAuth: %v", err)
	}
	sess, err := c.GetSession(ctx)
	if err != nil || sess == nil || sess.User.Metadata["provider"] != "github" {
		t.Fatalf("oauth session: %+v %v", sess, err)
	}

	updated, err := c.UpdateUser(ctx, map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.User.Metadata["name"] != "Ada" || updated.User.Metadata["provider"] != "github" {
		t.Fatalf("metadata=%v", updated.User.Metadata)
	}
	if len(log.events) != 2 || log.events[1] != authclient.EventUserUpdated {
		t.Fatalf("events=%v", log.events)
	}
}

func TestPasswordHash_RoundTripAndMalformed(t *testing.T) {
	t.Parallel()

	p := cheapParams()
	enc, err := hashPassword(p, "s3cret-pass")
	if err != nil {
		t.Fatalf("hashPassword: %v", err)
	}
	if ok, err := verifyPassword(p, enc, "s3cret-pass"); err != nil || !ok {
		t.Fatalf("verify match: %v %v", ok, err)
	}
	if ok, err := verifyPassword(p, enc, "nope"); err != nil || ok {
		t.Fatalf("verify mismatch: %v %v", ok, err)
	}
	if _, err := verifyPassword(p, "$argon2i$v=19$m=1,t=1,p=1$x$y", "x"); !errors.Is(err, ErrInvalidHash) {
		t.Fatalf("malformed err=%v", err)
	}
}

func TestPasswordPolicy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pw   string
		weak bool
	}{
		{pw: "correct horse battery", weak: false},
		{pw: "short", weak: true},
		{pw: "aaaaaaaaaa", weak: true},
		{pw: "12345678901", weak: true},
		{pw: "123456789012", weak: false},
		{pw: "Password123", weak: true},
		{pw: "ñandú-ñandú", weak: false},
		{pw: strings.Repeat("xy", maxPasswordLength), weak: true},
	}
	for _, tc := range cases {
		err := checkPasswordPolicy(tc.pw)
		if tc.weak != errors.Is(err, ErrWeakPassword) {
			t.Fatalf("checkPasswordPolicy(%q) = %v, weak=%v", tc.pw, err, tc.weak)
		}
	}
}
