// Package token mints and parses the JWT session credential handed out
// after a successful OTP verification.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry or
// shape checks.
var ErrInvalidToken = errors.New("invalid session token")

// Session is the claim set carried by the token.
type Session struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	UserID     int64  `json:"user_id"`
	LoginTime  int64  `json:"login_time"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens with a shared HMAC secret.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New returns a Manager. The secret must be non-empty.
func New(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("empty token secret")
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// TTL returns the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Mint signs a session token for the verified identity.
func (m *Manager) Mint(identifier, name string, userID int64) (string, error) {
	now := m.now()
	claims := Session{
		Identifier: identifier,
		Name:       name,
		UserID:     userID,
		LoginTime:  now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	out, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("error signing token: %w", err)
	}
	return out, nil
}

// Parse verifies the signature and expiry and returns the session.
func (m *Manager) Parse(raw string) (Session, error) {
	if raw == "" {
		return Session{}, ErrInvalidToken
	}

	var claims Session
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now))
	if err != nil {
		return Session{}, ErrInvalidToken
	}

	// The session is bounded by the login instant as well as the
	// standard expiry claim.
	if m.now().UnixMilli()-claims.LoginTime > m.ttl.Milliseconds() {
		return Session{}, ErrInvalidToken
	}

	return claims, nil
}
