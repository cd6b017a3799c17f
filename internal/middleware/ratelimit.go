package middleware

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reelcraft/api/pkg/response"
)

// RateLimiter is a fixed-window counter per caller stored in Redis.
type RateLimiter struct {
	redis redis.UniversalClient
	log   *slog.Logger
}

func NewRateLimiter(redisClient redis.UniversalClient) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: slog.With("component", "ratelimit")}
}

func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		callerID := GetCallerID(c)
		if callerID == "" || rl == nil || rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, callerID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			rl.log.Warn("rate limit counter unavailable", "key", key, "error", err)
			return c.Next()
		}
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

// StartLimit caps render starts per caller per minute.
func (rl *RateLimiter) StartLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("render-start", maxPerMin, time.Minute)
}
