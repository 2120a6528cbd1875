package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall/pkg/logger"
	"peercall/pkg/response"
)

// RateLimiter implements fixed-window Redis rate limiting. The relay uses it
// on the WebSocket upgrade so a reconnecting client cannot storm the hub.
type RateLimiter struct {
	redisClient *redis.Client
	requests    int
	window      time.Duration
}

// NewRateLimiter creates a new rate limiter
// requests: maximum number of requests allowed
// window: time window for the rate limit (e.g., 1 minute)
func NewRateLimiter(redisClient *redis.Client, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if peerID, ok := PeerIDFromContext(c); ok {
			identifier = "peer:" + peerID
		}

		allowed, remaining, err := rl.checkRateLimit(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open: Redis being down must not block signaling
			logger.Warn("Rate limit check failed", zap.String("identifier", identifier), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			response.Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			c.Abort()
			return
		}

		c.Next()
	}
}

// checkRateLimit counts the request in the current window
func (rl *RateLimiter) checkRateLimit(ctx context.Context, identifier string) (bool, int, error) {
	key := fmt.Sprintf("ratelimit:%s", identifier)

	count, err := rl.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to increment rate limit: %w", err)
	}
	if count == 1 {
		if err := rl.redisClient.Expire(ctx, key, rl.window).Err(); err != nil {
			return false, 0, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	remaining := rl.requests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return int(count) <= rl.requests, remaining, nil
}
