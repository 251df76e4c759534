package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds per-IP request rates on the public surface.
type RateLimitConfig struct {
	// Rate is requests allowed per second per IP.
	Rate rate.Limit
	// Burst is the per-IP burst allowance.
	Burst int
	// CleanupInterval is how often idle IPs are evicted.
	CleanupInterval time.Duration
	// MaxAge is how long an idle IP's limiter is kept.
	MaxAge time.Duration
}

// WebhookRateLimitConfig sizes the limiter for carrier webhooks: every
// live call produces a burst of status, gather, and recording callbacks
// from a small set of carrier IPs.
func WebhookRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(50),
		Burst:           100,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// AcceptLinkRateLimitConfig throttles the accept-link page, the one
// endpoint an arbitrary browser can reach. Tokens are signed, so the
// limit guards against scripted guessing, not token forgery.
func AcceptLinkRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// visitor is one IP's limiter and the last time it was seen.
type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// IPRateLimiter applies a token-bucket limit per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      RateLimitConfig
	stopCh   chan struct{}
}

// NewIPRateLimiter creates the limiter and starts its eviction loop.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip fits within its budget.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.visitors[ip] = v
	}
	v.seen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// Stop ends the eviction loop.
func (rl *IPRateLimiter) Stop() {
	close(rl.stopCh)
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup evicts IPs not seen within MaxAge.
func (rl *IPRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	evicted := 0
	for ip, v := range rl.visitors {
		if v.seen.Before(cutoff) {
			delete(rl.visitors, ip)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "tracked", len(rl.visitors))
	}
}

// RateLimit rejects over-budget requests with 429 and a Retry-After
// header. The carrier redelivers webhooks on 429; browsers show the plain
// text.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			if !limiter.Allow(ip) {
				slog.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. The chi RealIP middleware runs
// first, so behind a proxy RemoteAddr already holds the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
