package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter defines the interface for rate limiting
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config holds rate limiting configuration
type Config struct {
	// Requests per window per caller
	RequestsPerMinute int
	Enabled           bool
}

// DefaultConfig returns a default rate limiting configuration
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Enabled:           true,
	}
}

// RedisClient defines the Redis operations the limiter needs
type RedisClient interface {
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisRateLimiter implements fixed-window rate limiting on Redis. The
// trigger intake endpoint is the main consumer: a runaway billing-system
// retry loop must not flood the campaign matcher.
type RedisRateLimiter struct {
	redis  RedisClient
	limit  int64
	logger *zap.Logger
}

// NewRedisRateLimiter creates a new Redis-based rate limiter
func NewRedisRateLimiter(redisClient RedisClient, limit int, logger *zap.Logger) *RedisRateLimiter {
	if limit <= 0 {
		limit = DefaultConfig().RequestsPerMinute
	}
	return &RedisRateLimiter{
		redis:  redisClient,
		limit:  int64(limit),
		logger: logger,
	}
}

// Allow checks whether the caller identified by key is within its
// per-minute budget
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := r.redis.Incr(ctx, "ratelimit:"+key).Result()
	if err != nil {
		r.logger.Error("Failed to increment rate limit counter",
			zap.Error(err),
			zap.String("key", key))
		return false, fmt.Errorf("rate limit error: %w", err)
	}

	// the window starts with the first request
	if count == 1 {
		if err := r.redis.Expire(ctx, "ratelimit:"+key, time.Minute).Err(); err != nil {
			r.logger.Error("Failed to set rate limit expiration",
				zap.Error(err),
				zap.String("key", key))
		}
	}

	return count <= r.limit, nil
}
