package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewSessionVerifier("0123456789abcdef")
	raw, err := v.Issue(Session{UserID: "u1", SessionID: "s1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	s, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "s1", s.SessionID)
}

func TestVerifyRejects(t *testing.T) {
	v := NewSessionVerifier("0123456789abcdef")

	expired, err := v.Issue(Session{UserID: "u1", ExpiresAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	foreign, err := NewSessionVerifier("another-secret-entirely").Issue(Session{UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	noUser, err := v.Issue(Session{ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("0123456789abcdef"))
	require.NoError(t, err)

	for name, raw := range map[string]string{
		"empty":      "",
		"garbage":    "not.a.jwt",
		"expired":    expired,
		"bad secret": foreign,
		"no user":    noUser,
		"no expiry":  noExpiry,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(raw)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}
