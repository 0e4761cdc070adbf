package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares per-credential token buckets between processes that
// draw from the same key pool.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	rate   float64
	burst  int
}

// NewRedisLimiter allows rpm calls per minute per credential across every
// process connected to addr.
func NewRedisLimiter(addr string, rpm, burst int) *RedisLimiter {
	if rpm <= 0 {
		rpm = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "curtia:limiter:",
		rate:   float64(rpm) / 60.0,
		burst:  burst,
	}
}

// Ping checks connectivity.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Allow takes one token for credentialID if available.
func (l *RedisLimiter) Allow(ctx context.Context, credentialID string) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.prefix + credentialID}, l.rate, l.burst, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// Wait polls the shared bucket until a token is granted.
func (l *RedisLimiter) Wait(ctx context.Context, credentialID string) error {
	interval := time.Duration(float64(time.Second) / l.rate / 4)
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	for {
		ok, err := l.Allow(ctx, credentialID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
