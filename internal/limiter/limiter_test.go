package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRateLimiter(t *testing.T) {
	// Disabled
	l := NewRateLimiter(Config{RPS: 0})
	assert.False(t, l.Enabled())
	assert.True(t, l.Allow())

	// Enabled
	l = NewRateLimiter(Config{RPS: 10, Burst: 20})
	assert.True(t, l.Enabled())
	assert.Equal(t, float64(10), float64(l.limiter.Limit()))
	assert.Equal(t, 20, l.limiter.Burst())

	// Burst defaults to RPS
	l = NewRateLimiter(Config{RPS: 3})
	assert.Equal(t, 3, l.limiter.Burst())
}

func TestRateLimiter_Middleware(t *testing.T) {
	l := NewRateLimiter(Config{RPS: 1, Burst: 1})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1st request should pass
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// 2nd request immediately after is throttled
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRateLimiter_MiddlewareDisabled(t *testing.T) {
	l := NewRateLimiter(Config{})
	calls := 0
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))

	for i := 0; i < 100; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	assert.Equal(t, 100, calls)
}
