package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/alanyoungcy/optionsengine/internal/auth"
)

// TokenVerifier validates a bearer credential.
type TokenVerifier interface {
	Verify(raw string) (auth.Session, error)
}

type ownerKey struct{}

// Auth returns middleware that requires a session token in the Authorization
// header (Bearer scheme) and stores the owner id in the request context.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			sess, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid authentication token")
				return
			}

			ctx := context.WithValue(r.Context(), ownerKey{}, sess.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OwnerID returns the authenticated owner stored by Auth.
func OwnerID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey{}).(string)
	return id, ok && id != ""
}

// WithOwnerID returns a context carrying owner as the authenticated owner.
func WithOwnerID(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// extractToken reads a Bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":"unauthorized"}`))
}
