package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, bucket BucketConfig) *RedisLuaLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLuaLimiter(rdb, bucket)
}

func TestAllowUnderCapacity(t *testing.T) {
	l := newTestLimiter(t, NewBucketConfigFromPerMinute(10))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		allowed, _, err := l.Allow(ctx, "1.2.3.4", 1)
		require.NoError(t, err)
		require.True(t, allowed, "request %d should pass", i+1)
	}
}

func TestBlocksWhenExhausted(t *testing.T) {
	l := newTestLimiter(t, NewBucketConfigFromPerMinute(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "1.2.3.4", 1)
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, retryAfter, err := l.Allow(ctx, "1.2.3.4", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
}

func TestBucketsAreKeyedPerClient(t *testing.T) {
	l := newTestLimiter(t, NewBucketConfigFromPerMinute(1))
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "1.2.3.4", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, _ = l.Allow(ctx, "1.2.3.4", 1)
	require.False(t, allowed)

	// A different client has its own budget.
	allowed, _, err = l.Allow(ctx, "5.6.7.8", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestAllowFailsOpenWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLuaLimiter(rdb, NewBucketConfigFromPerMinute(10))
	mr.Close()

	allowed, _, err := l.Allow(context.Background(), "1.2.3.4", 1)
	require.Error(t, err)
	require.True(t, allowed)
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *RedisLuaLimiter
	allowed, retryAfter, err := l.Allow(context.Background(), "x", 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Zero(t, retryAfter)
}

func TestZeroBudgetDisablesLimiting(t *testing.T) {
	l := newTestLimiter(t, NewBucketConfigFromPerMinute(0))
	allowed, _, err := l.Allow(context.Background(), "x", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}
