package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPRateLimiterAllow(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(2),
		Burst:           2,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	defer rl.Stop()

	if !rl.Allow("203.0.113.9") || !rl.Allow("203.0.113.9") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("203.0.113.9") {
		t.Fatal("third request should exceed the burst")
	}
	// Budgets are per IP.
	if !rl.Allow("203.0.113.10") {
		t.Fatal("a different IP has its own budget")
	}
}

func TestIPRateLimiterEvictsIdleVisitors(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           10,
		CleanupInterval: time.Hour,
		MaxAge:          0, // every visitor is already stale
	})
	defer rl.Stop()

	rl.Allow("203.0.113.9")

	rl.mu.Lock()
	before := len(rl.visitors)
	rl.mu.Unlock()
	if before != 1 {
		t.Fatalf("tracked = %d, want 1", before)
	}

	rl.cleanup()

	rl.mu.Lock()
	after := len(rl.visitors)
	rl.mu.Unlock()
	if after != 0 {
		t.Fatalf("tracked = %d after cleanup, want 0", after)
	}
}

func TestRateLimitMiddlewareRejectsWith429(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", nil)
	req.RemoteAddr = "203.0.113.9:40404"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.9:40404", "203.0.113.9"},
		{"[2001:db8::1]:40404", "2001:db8::1"},
		{"203.0.113.9", "203.0.113.9"}, // no port
	}

	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = c.remoteAddr
		if got := clientIP(r); got != c.want {
			t.Errorf("clientIP(%q) = %q, want %q", c.remoteAddr, got, c.want)
		}
	}
}
