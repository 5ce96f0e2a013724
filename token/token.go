// Package token issues and verifies the signed bearer tokens handed out at
// login. A token on its own proves only that a login happened; whether it
// may still act is decided by the session registry.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = 7 * 24 * time.Hour

var (
	// ErrExpiredToken is returned when a token's expiry has passed.
	ErrExpiredToken = errors.New("token expired")
	// ErrMalformedToken is returned when a token fails structural or signature checks.
	ErrMalformedToken = errors.New("malformed token")
)

// Identity is what a verified token asserts about its bearer.
type Identity struct {
	UserID   string
	Role     string
	Username string
	// ID is the token's unique jti.
	ID        string
	ExpiresAt time.Time
}

type claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssuer sets the iss claim written and required.
func WithIssuer(iss string) Option {
	return func(i *Issuer) {
		i.issuer = iss
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock sets the time source used for both issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer returns an Issuer for secret. The secret must not be empty.
func NewIssuer(secret []byte, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		issuer: "gamified-ims",
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the lifetime of issued tokens.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a token for the given user.
func (i *Issuer) Issue(userID, role, username string) (string, error) {
	now := i.now().UTC()
	c := claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer and expiry of raw and returns the
// identity it carries.
func (i *Issuer) Verify(raw string) (Identity, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(raw, &c,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, ErrExpiredToken
	case err != nil:
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case !tok.Valid || c.UserID == "" || c.UserID != c.Subject:
		return Identity{}, ErrMalformedToken
	}
	return Identity{
		UserID:    c.UserID,
		Role:      c.Role,
		Username:  c.Username,
		ID:        c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
