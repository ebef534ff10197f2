package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newLimiter(t *testing.T, limit int) (*RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRateLimiter(client, limit, zap.NewNop()), mr
}

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := newLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "caller-1")
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "caller-1")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestCallersAreIndependent(t *testing.T) {
	limiter, _ := newLimiter(t, 1)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "caller-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "caller-1")
	require.NoError(t, err)
	require.False(t, allowed)

	allowed, err = limiter.Allow(ctx, "caller-2")
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestWindowExpiryResetsBudget(t *testing.T) {
	limiter, mr := newLimiter(t, 1)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "caller-1")
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "caller-1")
	require.NoError(t, err)
	require.False(t, allowed)

	mr.FastForward(61 * time.Second)

	allowed, err = limiter.Allow(ctx, "caller-1")
	require.NoError(t, err)
	require.True(t, allowed)
}
