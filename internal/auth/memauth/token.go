package memauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// ErrInvalidToken is returned when an access token fails verification.
var ErrInvalidToken = errors.New("memauth: invalid token")

type accessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// accessTokens issues PASETO v4.public access tokens.
type accessTokens struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

func newAccessTokens(issuer string, ttl time.Duration) *accessTokens {
	secret := paseto.NewV4AsymmetricSecretKey()
	return &accessTokens{
		issuer: issuer,
		ttl:    ttl,
		secret: secret,
		public: secret.Public(),
	}
}

func (m *accessTokens) issue(userID, sessionID string, now time.Time) (string, time.Time) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)

	return tok.V4Sign(m.secret, nil), exp
}

// parse verifies signature and issuer. Expiry is not enforced: a stored
// session past its expiry is still reported so the caller can refresh it.
func (m *accessTokens) parse(token string) (accessClaims, error) {
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return accessClaims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return accessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return accessClaims{}, ErrInvalidToken
	}
	exp, _ := parsed.GetExpiration()
	return accessClaims{UserID: uid, SessionID: sid, ExpiresAt: exp}, nil
}

// newRefreshToken returns an opaque random token.
func newRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashRefreshToken is the server-side lookup key; raw refresh tokens are never stored.
func hashRefreshToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}
