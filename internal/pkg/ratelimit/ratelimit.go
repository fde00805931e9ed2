// Package ratelimit builds the fiber limiter used in front of the admin API.
package ratelimit

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ciliosclick/ciliosclick/internal/pkg/cache"
	"github.com/ciliosclick/ciliosclick/internal/pkg/env"
)

// limiterDatabase keeps limiter counters away from the job queue keys
const limiterDatabase = 2

// Config holds limiter settings
type Config struct {
	Max        int
	Expiration time.Duration
	UseRedis   bool
}

// LoadConfig loads limiter configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Max:        env.GetEnvInt("ADMIN_RATE_LIMIT", 30),
		Expiration: env.GetEnvDuration("ADMIN_RATE_WINDOW", time.Minute),
		UseRedis:   env.GetEnvBool("ADMIN_RATE_LIMIT_REDIS", true),
	}
}

// NewStorage returns Redis-backed limiter storage so limits hold across
// replicas.
func NewStorage() fiber.Storage {
	host, port := cache.HostPort()
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		Database: limiterDatabase,
		Reset:    false,
	})
}

// New builds the limiter middleware. storage may be nil for in-memory limits.
func New(cfg *Config, storage fiber.Storage) fiber.Handler {
	lc := limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		LimitReached: func(c *fiber.Ctx) error {
			log.Warnf("[Admin] Rate limit reached for %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	}
	if storage != nil {
		lc.Storage = storage
	}
	return limiter.New(lc)
}
