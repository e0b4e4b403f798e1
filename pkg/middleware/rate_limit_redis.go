package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/aitoolbox/aitoolbox/backend/go-services/internal/audit"
	"github.com/aitoolbox/aitoolbox/backend/go-services/pkg/metrics"
)

// RedisRateLimitMiddleware is the fixed-window limiter backed by Redis, for
// deployments with multiple backend instances where a process-local counter
// would multiply the effective ceiling. Keying and semantics match the
// in-memory limiter: INCR on a per-window bucket per client IP, compared
// against the ceiling.
func RedisRateLimitMiddleware(client *redis.Client, max int, window time.Duration, auditLog *audit.Logger) gin.HandlerFunc {
	windowSeconds := int(window.Seconds())
	if windowSeconds <= 0 {
		windowSeconds = 1
	}
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		bucket := time.Now().Unix() / int64(windowSeconds)
		key := fmt.Sprintf("rl:ip:%s:%d", ip, bucket)

		cnt, err := client.Incr(c.Request.Context(), key).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Rate limit check failed"})
			return
		}
		if cnt == 1 {
			_ = client.Expire(c.Request.Context(), key, time.Duration(windowSeconds+1)*time.Second).Err()
		}
		if int(cnt) > max {
			c.Header("Retry-After", fmt.Sprintf("%d", windowSeconds))
			metrics.RateLimitRejected.WithLabelValues("redis").Inc()
			auditLog.Record(audit.WithRequest(c.Request.Context(), audit.RequestMeta{
				IP:        ip,
				Path:      c.Request.URL.Path,
				Method:    c.Request.Method,
				UserAgent: c.Request.UserAgent(),
			}), audit.EventRateLimitExceeded, map[string]interface{}{"limiter": "redis"})
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Too many authentication requests from this IP, please try again later.",
				"retryAfter": windowSeconds,
			})
			return
		}
		metrics.RateLimitAllowed.WithLabelValues("redis").Inc()
		c.Next()
	}
}
