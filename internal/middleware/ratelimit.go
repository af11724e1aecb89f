package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// RateLimit caps unsafe requests per client IP in fixed one-minute windows
// counted in Redis. It fails open when Redis is absent or erroring.
func RateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 120
	}
	return func(c *fiber.Ctx) error {
		if cache == nil || isSafeMethod(c.Method()) {
			return c.Next()
		}
		window := time.Now().UTC().Truncate(time.Minute)
		key := "rl:mutation:" + c.IP() + ":" + strconv.FormatInt(window.Unix(), 10)

		cnt, err := cache.Incr(c.UserContext(), key).Result()
		if err != nil {
			logger.Warn("rate limit counter unavailable", slog.Any("error", err))
			return c.Next()
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), key, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			retry := time.Until(window.Add(time.Minute)).Seconds()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry)+1))
			return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
		}
		return c.Next()
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return true
	}
	return false
}
