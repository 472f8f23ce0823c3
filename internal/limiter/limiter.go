// Package limiter throttles the snapshot exposition endpoint.
package limiter

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/cuza/mDNS-Mirror/internal/metrics"
)

// Config holds rate limiter configuration
type Config struct {
	RPS   int `envconfig:"EXPOSE_RPS" default:"0"`   // 0 means disabled
	Burst int `envconfig:"EXPOSE_BURST" default:"0"` // 0 means use RPS
}

// RateLimiter wraps the token bucket limiter
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

// Enabled reports whether requests are limited at all.
func (l *RateLimiter) Enabled() bool {
	return l.enabled
}

// Allow takes a token if one is available. A disabled limiter always allows.
func (l *RateLimiter) Allow() bool {
	if !l.enabled {
		return true
	}
	if !l.limiter.Allow() {
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
		return false
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return true
}

// Middleware rejects requests beyond the rate with 429 Too Many Requests.
// Peers retry on their next cycle, so requests are never queued.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !l.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
