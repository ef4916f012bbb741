package auth

import (
	"net/http"
	"sync"
	"time"
)

// RateLimiter bounds how many requests one API key can make in a fixed
// window (the count resets once the window elapses), protecting the gateway from a single misbehaving or compromised
// key rather than from unauthenticated traffic (which the auth gate itself
// already rejects before a RateLimiter ever sees it).
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	window  time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per windowSize,
// per API key id.
func NewRateLimiter(limit int, windowSize time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		window:  windowSize,
	}
}

// Allow reports whether another request from keyID fits in the current
// window, counting it if so.
func (rl *RateLimiter) Allow(keyID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[keyID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(rl.window)}
		rl.windows[keyID] = w
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Remaining returns how many requests keyID has left in its current window.
func (rl *RateLimiter) Remaining(keyID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[keyID]
	if !ok || time.Now().After(w.resetAt) {
		return rl.limit
	}
	if rem := rl.limit - w.count; rem > 0 {
		return rem
	}
	return 0
}

// RateLimitMiddleware wraps next with per-key rate limiting. It must sit
// inside the auth gate (after Middleware.Wrap has populated the request
// context) — a request with no APIKey in context (an unauthenticated path,
// or local mode where auth is skipped entirely) passes through untouched.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if !rl.Allow(key.ID) {
				w.Header().Set("Retry-After", "60")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
