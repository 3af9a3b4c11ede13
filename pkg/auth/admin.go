// Package auth issues and verifies the short-lived admin tokens that
// authorize privileged control operations such as a governance reset.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	Issuer     = "vibebridge"
	ScopeReset = "governance:reset"

	minSecretLen = 32
)

var (
	ErrNoSecret     = errors.New("auth: admin secret not configured")
	ErrWeakSecret   = fmt.Errorf("auth: admin secret shorter than %d bytes", minSecretLen)
	ErrMissingScope = errors.New("auth: token lacks required scope")
)

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// AdminAuthority signs and verifies HS256 admin tokens.
type AdminAuthority struct {
	secret []byte
	clock  func() time.Time
}

// NewAdminAuthority returns an authority keyed by secret. An empty secret
// disables admin operations entirely.
func NewAdminAuthority(secret string) (*AdminAuthority, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &AdminAuthority{secret: []byte(secret), clock: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (a *AdminAuthority) WithClock(clock func() time.Time) *AdminAuthority {
	a.clock = clock
	return a
}

// Issue creates a token for actor carrying scopes, valid for ttl.
func (a *AdminAuthority) Issue(actor string, ttl time.Duration, scopes ...string) (string, error) {
	if actor == "" {
		return "", errors.New("auth: actor required")
	}
	now := a.clock().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actor,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses token and checks signature, issuer, expiry and that it
// carries scope. It returns the claims on success.
func (a *AdminAuthority) Verify(token, scope string) (*AdminClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: verify admin token: %w", err)
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if !slices.Contains(claims.Scopes, scope) {
		return nil, fmt.Errorf("%w: %s", ErrMissingScope, scope)
	}
	return claims, nil
}
