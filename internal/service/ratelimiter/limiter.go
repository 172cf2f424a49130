// Package ratelimiter throttles calls to the AI providers. Buckets are
// keyed per provider:model so one hot model cannot starve the others.
// State lives in Redis (shared across server and worker); Postgres keeps
// a mirror so buckets survive a Redis restart. Every failure path fails
// open: a broken limiter must never stop the pipeline.
package ratelimiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Limiter is the port the AI chains consult before a provider call.
type Limiter interface {
	Allow(ctx context.Context, bucket string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	Capacity     int64
	RefillPerSec float64
}

// PerMinute builds a bucket that admits n calls per minute with a burst
// of the same size.
func PerMinute(n int) BucketConfig {
	if n <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{Capacity: int64(n), RefillPerSec: float64(n) / 60.0}
}

// BucketKey names the bucket for one provider/model pair, e.g.
// "gemini:gemini-2.5-flash". An empty model collapses to the provider.
func BucketKey(provider, model string) string {
	if model == "" {
		return provider
	}
	return provider + ":" + model
}

const redisKeyPrefix = "ratelimit:"

// RedisLimiter is a continuously refilled token bucket evaluated inside
// Redis, so concurrent workers share one view of the remaining budget.
type RedisLimiter struct {
	rdb           *redis.Client
	pool          *pgxpool.Pool
	script        *redis.Script
	defaultBucket BucketConfig
	now           func() time.Time

	mu      sync.RWMutex
	buckets map[string]BucketConfig
}

// New constructs a RedisLimiter. Buckets without an explicit SetBucket
// call use defaultBucket, which is how per-model keys get covered
// without enumerating every model up front. A nil Redis client yields a
// nil limiter, which allows everything.
func New(rdb *redis.Client, pool *pgxpool.Pool, defaultBucket BucketConfig) *RedisLimiter {
	if rdb == nil {
		return nil
	}
	return &RedisLimiter{
		rdb:           rdb,
		pool:          pool,
		script:        redis.NewScript(tokenBucketScript),
		defaultBucket: defaultBucket,
		now:           time.Now,
		buckets:       map[string]BucketConfig{},
	}
}

// WithClock overrides the time source (tests).
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// SetBucket overrides the configuration for one bucket key, e.g. to
// match a provider-advertised limit for a specific model. Safe for
// concurrent use.
func (l *RedisLimiter) SetBucket(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = cfg
}

func (l *RedisLimiter) bucketFor(key string) BucketConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cfg, ok := l.buckets[key]; ok {
		return cfg
	}
	return l.defaultBucket
}

// The bucket state is a Redis hash {tokens, stamp}; stamp is a float
// unix timestamp in seconds. The key expires once a full refill has
// elapsed, since an expired bucket and a fresh one are identical.
const tokenBucketScript = `
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local stamp = now
local state = redis.call("HMGET", bucket, "tokens", "stamp")
if state[1] then tokens = tonumber(state[1]) end
if state[2] then stamp = tonumber(state[2]) end

local elapsed = now - stamp
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * refill)
end

local granted = 0
local wait = 0
if tokens >= cost then
  tokens = tokens - cost
  granted = 1
else
  wait = (cost - tokens) / refill
end

redis.call("HMSET", bucket, "tokens", tokens, "stamp", now)
redis.call("PEXPIRE", bucket, math.ceil(capacity / refill * 1000))
return { granted, tokens, now, wait }
`

// Allow reports whether one call against the bucket may proceed, and
// when denied, how long until enough tokens accumulate. Redis errors
// and malformed script results allow the call.
func (l *RedisLimiter) Allow(ctx context.Context, bucket string, cost int64) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	cfg := l.bucketFor(bucket)
	if cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		return true, 0, nil
	}
	if cost <= 0 {
		cost = 1
	}

	nowSec := float64(l.now().UnixNano()) / 1e9
	res, err := l.script.Run(ctx, l.rdb,
		[]string{redisKeyPrefix + bucket},
		cfg.Capacity, cfg.RefillPerSec, nowSec, cost).Result()
	if err != nil {
		slog.Error("rate limiter script failed, allowing call",
			slog.String("bucket", bucket), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 4 {
		slog.Error("rate limiter returned malformed state", slog.String("bucket", bucket))
		return true, 0, nil
	}

	granted := asInt64(vals[0]) == 1
	tokens := asFloat64(vals[1])
	stamp := asFloat64(vals[2])
	wait := time.Duration(asFloat64(vals[3]) * float64(time.Second))

	if l.pool != nil {
		l.persistBucket(ctx, bucket, cfg, tokens, stamp)
	}
	return granted, wait, nil
}

// persistBucket mirrors the bucket state to rate_limit_buckets so Warm
// can rebuild Redis after a restart. Errors are logged, never returned.
func (l *RedisLimiter) persistBucket(ctx context.Context, bucket string, cfg BucketConfig, tokens, stampSec float64) {
	if l.pool == nil {
		return
	}
	sec := int64(stampSec)
	nsec := int64((stampSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		bucket, cfg.Capacity, cfg.RefillPerSec, tokens, time.Unix(sec, nsec))
	if err != nil {
		slog.Error("rate limit bucket mirror failed",
			slog.String("bucket", bucket), slog.Any("error", err))
	}
}

// Warm seeds Redis from the Postgres mirror on boot, so a Redis restart
// does not reset every provider budget to full burst.
func (l *RedisLimiter) Warm(ctx context.Context) error {
	if l == nil || l.pool == nil || l.rdb == nil {
		return nil
	}
	rows, err := l.pool.Query(ctx,
		`SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var bucket string
		var tokens, stampSec float64
		if err := rows.Scan(&bucket, &tokens, &stampSec); err != nil {
			return err
		}
		if err := l.rdb.HMSet(ctx, redisKeyPrefix+bucket,
			"tokens", tokens, "stamp", stampSec).Err(); err != nil {
			slog.Error("rate limit bucket warm failed",
				slog.String("bucket", bucket), slog.Any("error", err))
		}
	}
	return rows.Err()
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return math.NaN()
	}
}
