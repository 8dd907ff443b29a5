package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/basket/go-fleet/internal/audit"
)

// authContextKey is the context key type for the authenticated key id.
type authContextKey struct{}

// AuthMiddleware validates bearer tokens on everything except the open
// health and metrics endpoints. An empty token disables it.
type AuthMiddleware struct {
	token   string
	enabled bool
	audit   *audit.Log
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	token = strings.TrimSpace(token)
	return &AuthMiddleware{token: token, enabled: token != ""}
}

// WithAudit records rejected credentials to l.
func (am *AuthMiddleware) WithAudit(l *audit.Log) *AuthMiddleware {
	am.audit = l
	return am
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			am.audit.Record(r.Context(), "auth", audit.DecisionDeny, r.RemoteAddr, r.URL.Path, "invalid API key")
			writeError(w, http.StatusForbidden, "forbidden", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, keyID(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isOpenPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, token
// query param. The query form exists for browser websockets, which cannot set
// headers.
func ExtractAPIKey(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// keyID is a short non-reversible label for a key, safe to log and to use
// as a rate-limit bucket name.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key-" + hex.EncodeToString(sum[:6])
}

// KeyIDFromContext returns the authenticated key id, or "" when auth is off.
func KeyIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(authContextKey{}).(string); ok {
		return id
	}
	return ""
}
