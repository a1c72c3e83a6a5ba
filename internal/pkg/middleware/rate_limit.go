package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/corates/stripehook/internal/pkg/cache"
	"github.com/corates/stripehook/internal/pkg/env"
)

// RateLimitConfig is the admission gate in front of the webhook route.
type RateLimitConfig struct {
	Max        int
	Expiration time.Duration
	Storage    fiber.Storage // nil keeps counters in process memory
}

// LoadRateLimitConfig reads WEBHOOK_RATE_LIMIT_MAX and WEBHOOK_RATE_LIMIT_WINDOW.
func LoadRateLimitConfig() RateLimitConfig {
	cfg := RateLimitConfig{Max: 120, Expiration: time.Minute}
	if v, err := strconv.Atoi(env.GetEnv("WEBHOOK_RATE_LIMIT_MAX", "")); err == nil && v > 0 {
		cfg.Max = v
	}
	if d, err := time.ParseDuration(env.GetEnv("WEBHOOK_RATE_LIMIT_WINDOW", "")); err == nil && d > 0 {
		cfg.Expiration = d
	}
	return cfg
}

// NewRedisLimiterStorage shares limiter counters between instances. Database 2
// keeps them apart from the outcome counters in database 0.
func NewRedisLimiterStorage() fiber.Storage {
	host, port, password := cache.Endpoint()
	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 2,
		Reset:    false,
	})
}

// WebhookRateLimiter only passes or rejects. Rejected senders get 429 and
// redeliver later; nothing downstream depends on it.
func WebhookRateLimiter(cfg RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    cfg.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhook:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"received": false, "error": "rate_limited"})
		},
	})
}
