package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestAdminAuthority_IssueVerify(t *testing.T) {
	a, err := NewAdminAuthority(testSecret)
	require.NoError(t, err)

	tok, err := a.Issue("ops@studio", time.Minute, ScopeReset)
	require.NoError(t, err)

	claims, err := a.Verify(tok, ScopeReset)
	require.NoError(t, err)
	assert.Equal(t, "ops@studio", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestAdminAuthority_Rejections(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := NewAdminAuthority(testSecret)
	require.NoError(t, err)
	a.WithClock(func() time.Time { return now })

	noScope, err := a.Issue("ops", time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(noScope, ScopeReset)
	assert.ErrorIs(t, err, ErrMissingScope)

	tok, err := a.Issue("ops", time.Minute, ScopeReset)
	require.NoError(t, err)
	later, err := NewAdminAuthority(testSecret)
	require.NoError(t, err)
	later.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	_, err = later.Verify(tok, ScopeReset)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	other, err := NewAdminAuthority("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	other.WithClock(func() time.Time { return now })
	_, err = other.Verify(tok, ScopeReset)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	_, err = a.Verify("not.a.jwt", ScopeReset)
	assert.Error(t, err)

	_, err = a.Issue("", time.Minute, ScopeReset)
	assert.Error(t, err)
}

func TestNewAdminAuthority_Secrets(t *testing.T) {
	_, err := NewAdminAuthority("")
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = NewAdminAuthority("short")
	assert.ErrorIs(t, err, ErrWeakSecret)
}
