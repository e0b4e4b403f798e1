package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/logger"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/metrics"
)

type windowCounter struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter bounds request frequency per key with a fixed window:
// each key gets max requests per window, and the counter resets to 1 on the
// first request after the window elapses. Burst-at-boundary is an accepted
// imprecision. Counters are process-local and lost on restart.
type FixedWindowLimiter struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

func NewFixedWindowLimiter(max int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		max:      max,
		window:   window,
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

// Allow reports whether a request for key fits in the current window.
func (l *FixedWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	c, ok := l.counters[key]
	if !ok || now.Sub(c.windowStart) >= l.window {
		l.counters[key] = &windowCounter{count: 1, windowStart: now}
		return true
	}
	if c.count < l.max {
		c.count++
		return true
	}
	return false
}

// RetryAfter returns the seconds remaining in key's current window, for the
// Retry-After header. Returns the full window when the key has no counter.
func (l *FixedWindowLimiter) RetryAfter(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[key]
	if !ok {
		return int(l.window.Seconds())
	}
	remaining := l.window - l.now().Sub(c.windowStart)
	if remaining < time.Second {
		return 1
	}
	return int(remaining.Seconds())
}

// RateLimitMiddleware returns a middleware enforcing a fixed-window limit per
// client IP. Trips are audited and counted; the response mirrors the standard
// too-many-requests shape with a Retry-After header.
func RateLimitMiddleware(l *FixedWindowLimiter, auditLog *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow("ip:" + ip) {
			retryAfter := l.RetryAfter("ip:" + ip)
			c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
			metrics.RateLimitRejected.WithLabelValues("memory").Inc()
			auditLog.Record(audit.WithRequest(c.Request.Context(), audit.RequestMeta{
				IP:        ip,
				Path:      c.Request.URL.Path,
				Method:    c.Request.Method,
				UserAgent: c.Request.UserAgent(),
			}), audit.EventRateLimitExceeded, map[string]interface{}{"limiter": "memory"})
			logger.Warnf("rate limit exceeded for %s %s from %s", c.Request.Method, c.Request.URL.Path, ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many authentication requests from this IP, please try again later.",
				"retryAfter": retryAfter,
			})
			return
		}
		metrics.RateLimitAllowed.WithLabelValues("memory").Inc()
		c.Next()
	}
}
