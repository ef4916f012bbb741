package auth

import (
	"context"
	"net/http"
	"strings"
)

// Mode selects how the gateway gates requests. Grounded on SPEC_FULL.md's
// local/cloud auth-gate split: a local single-operator deployment never
// requires a key; a cloud multi-tenant deployment always does.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCloud Mode = "cloud"
)

type contextKey string

const apiKeyContextKey contextKey = "gateway.apiKey"

// FromContext retrieves the authenticated APIKey from the request context,
// if any.
func FromContext(ctx context.Context) (APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(APIKey)
	return key, ok
}

// Middleware gates HTTP requests by API key, following the teacher's
// AuthMiddleware shape: an exact-match set plus a prefix list of paths
// that skip auth entirely (health checks, the MCP discovery handshake),
// parsed once at construction from a trailing "*" convention.
type Middleware struct {
	store      *KeyStore
	mode       Mode
	skipExact  map[string]bool
	skipPrefix []string
}

// NewMiddleware builds auth middleware. skipPaths entries ending in "*"
// are treated as prefixes; everything else is matched exactly.
func NewMiddleware(store *KeyStore, mode Mode, skipPaths []string) *Middleware {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}
	return &Middleware{store: store, mode: mode, skipExact: skipExact, skipPrefix: skipPrefix}
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.mode == ModeLocal {
		return true
	}
	if m.skipExact[path] {
		return true
	}
	for _, p := range m.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Wrap applies the auth gate to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw := r.Header.Get("x-api-key")
		if !keyPattern.MatchString(raw) {
			writeUnauthorized(w)
			return
		}

		key, err := m.store.Validate(raw)
		if err != nil {
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeUnauthorized writes the exact rejection body the auth gate requires.
// It never sets CORS headers itself — those are applied by the outer CORS
// middleware regardless of the auth outcome.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"Unauthorized","message":"Valid API key required"}`))
}

// HasPermission reports whether key carries perm (or the wildcard "*").
func HasPermission(key APIKey, perm string) bool {
	for _, p := range key.Permissions {
		if p == "*" || p == perm {
			return true
		}
	}
	return false
}
