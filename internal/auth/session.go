// Package auth verifies the signed session credentials clients present to
// the gateway and the REST API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// Session is the identity carried by a verified credential.
type Session struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

type sessionClaims struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

// SessionVerifier checks HS256 session tokens issued by the account platform.
type SessionVerifier struct {
	secret []byte
	leeway time.Duration
}

// NewSessionVerifier creates a verifier for tokens signed with secret.
func NewSessionVerifier(secret string) *SessionVerifier {
	return &SessionVerifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// Verify parses raw and returns its session. Every failure wraps
// domain.ErrUnauthorized.
func (v *SessionVerifier) Verify(raw string) (Session, error) {
	if raw == "" {
		return Session{}, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	parsed, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway), jwt.WithExpirationRequired())
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return Session{}, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	if claims.UserID == "" {
		return Session{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, errors.New("user_id claim is required"))
	}

	return Session{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
	}, nil
}

// Issue signs a session token. The engine only verifies tokens; Issue backs
// local tooling and tests.
func (v *SessionVerifier) Issue(s Session) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionClaims{
		UserID:    s.UserID,
		SessionID: s.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	})
	return token.SignedString(v.secret)
}
