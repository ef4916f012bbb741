package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	if !rl.Allow("key1") {
		t.Fatal("first request should be allowed")
	}
	if !rl.Allow("key1") {
		t.Fatal("second request should be allowed")
	}
	if !rl.Allow("key1") {
		t.Fatal("third request should be allowed")
	}
	if rl.Allow("key1") {
		t.Fatal("fourth request should be denied")
	}
}

func TestRateLimiterDifferentKeys(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	rl.Allow("key1")
	rl.Allow("key1")

	if rl.Allow("key1") {
		t.Fatal("key1 should be exhausted")
	}
	if !rl.Allow("key2") {
		t.Fatal("key2 should be allowed")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)

	if !rl.Allow("key1") {
		t.Fatal("first should be allowed")
	}
	if rl.Allow("key1") {
		t.Fatal("second should be denied")
	}

	time.Sleep(60 * time.Millisecond)

	if !rl.Allow("key1") {
		t.Fatal("should be allowed after window reset")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)

	if rl.Remaining("key1") != 5 {
		t.Fatalf("expected 5, got %d", rl.Remaining("key1"))
	}

	rl.Allow("key1")
	rl.Allow("key1")

	if rl.Remaining("key1") != 3 {
		t.Fatalf("expected 3, got %d", rl.Remaining("key1"))
	}
}

func TestRateLimitMiddlewareSkipsUnauthenticatedRequests(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	RateLimitMiddleware(rl)(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the request with no APIKey in context to pass through, got %d", rec.Code)
	}
}

func TestRateLimitMiddlewareRejectsExhaustedKey(t *testing.T) {
	s := NewKeyStore()
	_, key, err := s.Create([]string{"*"}, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rl := NewRateLimiter(0, time.Minute)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/tools", nil)
	req = req.WithContext(context.WithValue(req.Context(), apiKeyContextKey, key))

	RateLimitMiddleware(rl)(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
