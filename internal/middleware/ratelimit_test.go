package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleet-server/internal/cache"
)

type countingCache struct {
	cache.Nop
	mu     sync.Mutex
	counts map[string]int64
}

func (c *countingCache) IncrWithTTL(key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func ok() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestRateLimitLogin(t *testing.T) {
	c := &countingCache{counts: map[string]int64{}}
	h := RateLimitLogin(c)(ok())

	for i := 0; i < loginLimit; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitGatewayBySecret(t *testing.T) {
	c := &countingCache{counts: map[string]int64{}}
	h := RateLimitGateway(c)(ok())

	var last int
	for i := 0; i <= gatewayKeyLimit; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/gateway/heartbeat", nil)
		req.Header.Set("X-Agent-Secret", "0123456789abcdef")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
	assert.Equal(t, int64(gatewayKeyLimit+1), c.counts["rl:gateway:key:0123456789ab"])
}

func TestNopCacheNeverLimits(t *testing.T) {
	h := RateLimitLogin(cache.Nop{})(ok())
	for i := 0; i < loginLimit*3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}
