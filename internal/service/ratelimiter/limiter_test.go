package ratelimiter

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, defaultBucket BucketConfig) *RedisLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return New(rdb, nil, defaultBucket)
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(60)
	assert.Equal(t, int64(60), cfg.Capacity)
	assert.InDelta(t, 1.0, cfg.RefillPerSec, 1e-9)

	assert.Equal(t, BucketConfig{}, PerMinute(0))
	assert.Equal(t, BucketConfig{}, PerMinute(-5))
}

func TestBucketKey(t *testing.T) {
	assert.Equal(t, "gemini:gemini-2.5-flash", BucketKey("gemini", "gemini-2.5-flash"))
	assert.Equal(t, "voyage:voyage-3", BucketKey("voyage", "voyage-3"))
	assert.Equal(t, "llm", BucketKey("llm", ""))
}

func TestAllowDrainsBucketThenDenies(t *testing.T) {
	l := newTestLimiter(t, BucketConfig{})
	l.SetBucket("gemini:gemini-2.5-flash", BucketConfig{Capacity: 3, RefillPerSec: 0.000001})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, wait, err := l.Allow(ctx, "gemini:gemini-2.5-flash", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d should be within capacity", i)
		assert.Zero(t, wait)
	}

	allowed, wait, err := l.Allow(ctx, "gemini:gemini-2.5-flash", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
}

func TestAllowRefillsOverTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newTestLimiter(t, BucketConfig{}).WithClock(func() time.Time { return now })
	l.SetBucket("voyage:voyage-3", BucketConfig{Capacity: 1, RefillPerSec: 1})

	ctx := context.Background()
	allowed, _, err := l.Allow(ctx, "voyage:voyage-3", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, wait, err := l.Allow(ctx, "voyage:voyage-3", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.05)

	now = now.Add(2 * time.Second)
	allowed, _, err = l.Allow(ctx, "voyage:voyage-3", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "one token should have refilled")
}

func TestAllowUnknownBucketUsesDefault(t *testing.T) {
	l := newTestLimiter(t, BucketConfig{Capacity: 1, RefillPerSec: 0.000001})

	ctx := context.Background()
	allowed, _, err := l.Allow(ctx, "anthropic:claude-sonnet-4-20250514", 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = l.Allow(ctx, "anthropic:claude-sonnet-4-20250514", 1)
	require.NoError(t, err)
	assert.False(t, allowed, "default bucket capacity applies to unregistered keys")
}

func TestBucketsAreIndependentPerModel(t *testing.T) {
	l := newTestLimiter(t, BucketConfig{Capacity: 1, RefillPerSec: 0.000001})

	ctx := context.Background()
	allowed, _, err := l.Allow(ctx, BucketKey("gemini", "gemini-2.5-pro"), 1)
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, err = l.Allow(ctx, BucketKey("gemini", "gemini-2.5-pro"), 1)
	require.NoError(t, err)
	require.False(t, allowed)

	// Draining one model's bucket leaves the others untouched.
	allowed, _, err = l.Allow(ctx, BucketKey("gemini", "gemini-2.5-flash"), 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllowFailsOpenWithoutConfig(t *testing.T) {
	l := newTestLimiter(t, BucketConfig{})

	allowed, wait, err := l.Allow(context.Background(), "gemini:gemini-2.5-flash", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)
}

func TestAllowFailsOpenOnNilLimiter(t *testing.T) {
	var l *RedisLimiter
	allowed, wait, err := l.Allow(context.Background(), "any", 1)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)

	l.SetBucket("any", BucketConfig{Capacity: 1, RefillPerSec: 1})
}

func TestAllowFailsOpenOnRedisError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l := New(rdb, nil, BucketConfig{Capacity: 1, RefillPerSec: 1})
	mr.Close()

	allowed, _, err := l.Allow(context.Background(), "gemini:gemini-2.5-flash", 1)
	require.Error(t, err)
	assert.True(t, allowed, "redis outage must not block provider calls")
}

func TestWarmNoopWithoutPool(t *testing.T) {
	l := newTestLimiter(t, BucketConfig{})
	assert.NoError(t, l.Warm(context.Background()))

	var nilLimiter *RedisLimiter
	assert.NoError(t, nilLimiter.Warm(context.Background()))
}

func TestPersistBucketNilPoolSafe(t *testing.T) {
	l := newTestLimiter(t, BucketConfig{})
	assert.NotPanics(t, func() {
		l.persistBucket(context.Background(), "gemini:gemini-2.5-flash",
			BucketConfig{Capacity: 1, RefillPerSec: 1}, 0.5, 123.45)
	})
}
