package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSecret reports a TokenIssuer built without a signing secret.
var ErrNoSecret = errors.New("token secret is empty")

// claims is the bearer token payload. Subject carries the account id.
type claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens for API clients.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl means SessionTTL.
// PRE: secret is non-empty
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = SessionTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the session's account and role.
// POST: the token verifies with Parse until the returned expiry
func (ti *TokenIssuer) Issue(s Session) (string, time.Time, error) {
	now := ti.now()
	exp := now.Add(ti.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: s.Email,
		Role:  s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies raw and returns the session it encodes.
// Only HS256 is accepted.
func (ti *TokenIssuer) Parse(raw string) (Session, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return ti.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ti.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Session{}, fmt.Errorf("parse token: %w", err)
	}
	if c.Subject == "" || c.Role == "" {
		return Session{}, errors.New("parse token: subject and role are required")
	}
	var created time.Time
	if c.IssuedAt != nil {
		created = c.IssuedAt.Time
	}
	return Session{AccountID: c.Subject, Email: c.Email, Role: c.Role, CreatedAt: created}, nil
}
