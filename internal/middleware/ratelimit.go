package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"fleet-server/internal/cache"
)

const (
	loginLimit       = 5
	loginWindow      = time.Minute
	gatewayIPLimit   = 120
	gatewayIPWindow  = time.Minute
	gatewayKeyLimit  = 60
	gatewayKeyWindow = time.Minute
	secretPrefixLen  = 12
)

// limit counts the request under key and rejects it once limit is passed.
// Counter errors let the request through.
func limit(c cache.Client, key string, max int64, window time.Duration, w http.ResponseWriter) bool {
	count, err := c.IncrWithTTL(key, window)
	if err == nil && count > max {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

func RateLimitLogin(cacheClient cache.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limit(cacheClient, "rl:login:"+clientIP(r), loginLimit, loginWindow, w) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitGateway bounds agent gateway calls per client IP and per secret prefix.
func RateLimitGateway(cacheClient cache.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limit(cacheClient, "rl:gateway:ip:"+clientIP(r), gatewayIPLimit, gatewayIPWindow, w) {
				return
			}
			if secret := strings.TrimSpace(r.Header.Get("X-Agent-Secret")); secret != "" {
				prefix := secret
				if len(prefix) > secretPrefixLen {
					prefix = prefix[:secretPrefixLen]
				}
				if !limit(cacheClient, "rl:gateway:key:"+prefix, gatewayKeyLimit, gatewayKeyWindow, w) {
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
