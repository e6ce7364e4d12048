package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// The scripts below run atomically inside Redis, which is what makes the
// distributed decisions race-free across gateway instances. Timestamps
// travel as integer microseconds formatted in Go; Lua never stringifies
// large numbers itself except through string.format("%.0f"), because
// plain tostring would switch to scientific notation and corrupt scores.

// slidingWindowScript prunes the trailing window, optimistically records
// the request, and removes it again when the count is over the limit. A
// denied request must leave no trace in the window.
//
// KEYS[1] window zset
// ARGV[1] now (microseconds)
// ARGV[2] window cutoff (microseconds)
// ARGV[3] limit
// ARGV[4] member
// ARGV[5] ttl (milliseconds)
// ARGV[6] window length (microseconds)
//
// Returns {allowed, remaining, reset (microseconds, string)}.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
local count = redis.call("ZCARD", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[5])

local limit = tonumber(ARGV[3])
if count > limit then
	redis.call("ZREM", KEYS[1], ARGV[4])
	local reset = tonumber(ARGV[1]) + tonumber(ARGV[6])
	local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
	if oldest[2] then
		reset = tonumber(oldest[2]) + tonumber(ARGV[6])
	end
	return {0, 0, string.format("%.0f", reset)}
end

return {1, limit - count, ARGV[1]}
`)

// tokenBucketScript refills and decrements the bucket in one step. State
// lives in a hash holding the token count and the last refill time.
//
// KEYS[1] bucket hash
// ARGV[1] now (microseconds)
// ARGV[2] burst capacity
// ARGV[3] refill rate (tokens per second)
// ARGV[4] ttl (milliseconds)
//
// Returns {allowed, tokens (string), retry after (seconds, string)}.
var tokenBucketScript = redis.NewScript(`
local state = redis.call("HMGET", KEYS[1], "tokens", "last")
local tokens = tonumber(state[1])
local last = tonumber(state[2])

local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])

if tokens == nil or last == nil then
	tokens = burst
	last = now
end

local elapsed = (now - last) / 1000000
if elapsed < 0 then
	elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > burst then
	tokens = burst
end

local allowed = 0
local retry = "0"
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
else
	retry = string.format("%.17g", (1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", string.format("%.17g", tokens), "last", string.format("%.0f", now))
redis.call("PEXPIRE", KEYS[1], ARGV[4])

return {allowed, string.format("%.17g", tokens), retry}
`)

// fixedWindowScript counts a request in the current calendar window. The
// window start is baked into the key by the caller; the count always
// increments, even over the limit, matching the local counter.
//
// KEYS[1] window counter
// ARGV[1] ttl (milliseconds)
//
// Returns the count after increment.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RedisLimiter enforces rate limits against a shared Redis store so every
// gateway instance sees the same request history. Scripts are sent by
// SHA after the first call.
type RedisLimiter struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
	seq       atomic.Uint64
}

// NewRedisLimiter creates a limiter backed by the given Redis client. The
// client's lifecycle stays with the caller; Close does not touch it.
func NewRedisLimiter(client *redis.Client, keyPrefix string) *RedisLimiter {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	return &RedisLimiter{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

// Allow checks if a request for the given key is admitted under cfg.
func (r *RedisLimiter) Allow(ctx context.Context, key string, cfg Config) (*Result, error) {
	now := r.now()

	switch cfg.Algorithm {
	case TokenBucket:
		return r.allowTokenBucket(ctx, key, cfg, now)
	case FixedWindow:
		return r.allowFixedWindow(ctx, key, cfg, now)
	default:
		return r.allowSlidingWindow(ctx, key, cfg, now)
	}
}

func (r *RedisLimiter) allowSlidingWindow(ctx context.Context, key string, cfg Config, now time.Time) (*Result, error) {
	nowMicros := now.UnixMicro()
	// The sequence suffix keeps members unique when two instances share
	// a microsecond.
	member := strconv.FormatInt(nowMicros, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	raw, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.key("sw", key)},
		strconv.FormatInt(nowMicros, 10),
		strconv.FormatInt(nowMicros-windowDuration.Microseconds(), 10),
		cfg.RequestsPerMinute,
		member,
		storeEntryTTL.Milliseconds(),
		windowDuration.Microseconds(),
	).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	items, err := scriptReply(raw, 3)
	if err != nil {
		return nil, err
	}
	allowed, err := replyInt(items[0])
	if err != nil {
		return nil, err
	}
	remaining, err := replyInt(items[1])
	if err != nil {
		return nil, err
	}
	resetMicros, err := replyInt(items[2])
	if err != nil {
		return nil, err
	}

	reset := time.UnixMicro(resetMicros)
	res := &Result{
		Allowed:   allowed == 1,
		Limit:     cfg.RequestsPerMinute,
		Remaining: int(remaining),
		Reset:     reset,
	}
	if !res.Allowed {
		res.RetryAfter = nonNegative(reset.Sub(now))
	}
	return res, nil
}

func (r *RedisLimiter) allowTokenBucket(ctx context.Context, key string, cfg Config, now time.Time) (*Result, error) {
	rate := cfg.refillRate()

	raw, err := tokenBucketScript.Run(ctx, r.client,
		[]string{r.key("tb", key)},
		strconv.FormatInt(now.UnixMicro(), 10),
		cfg.BurstSize,
		strconv.FormatFloat(rate, 'f', -1, 64),
		storeEntryTTL.Milliseconds(),
	).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	items, err := scriptReply(raw, 3)
	if err != nil {
		return nil, err
	}
	allowed, err := replyInt(items[0])
	if err != nil {
		return nil, err
	}
	tokens, err := replyFloat(items[1])
	if err != nil {
		return nil, err
	}
	retry, err := replyFloat(items[2])
	if err != nil {
		return nil, err
	}

	res := &Result{
		Allowed:    allowed == 1,
		Limit:      cfg.RequestsPerMinute,
		Remaining:  int(tokens),
		Burst:      cfg.BurstSize,
		RefillRate: rate,
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(retry * float64(time.Second))
	}
	return res, nil
}

func (r *RedisLimiter) allowFixedWindow(ctx context.Context, key string, cfg Config, now time.Time) (*Result, error) {
	windowStart := now.Truncate(windowDuration)

	count, err := fixedWindowScript.Run(ctx, r.client,
		[]string{r.fixedWindowKey(key, windowStart)},
		storeEntryTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return nil, storeErr(err)
	}

	reset := windowStart.Add(windowDuration)
	if count > int64(cfg.RequestsPerMinute) {
		return &Result{
			Allowed:    false,
			Limit:      cfg.RequestsPerMinute,
			Remaining:  0,
			Reset:      reset,
			RetryAfter: nonNegative(reset.Sub(now)),
		}, nil
	}

	return &Result{
		Allowed:   true,
		Limit:     cfg.RequestsPerMinute,
		Remaining: cfg.RequestsPerMinute - int(count),
		Reset:     reset,
	}, nil
}

// Reset clears the rate limit state for a key across every algorithm.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	keys := []string{
		r.key("sw", key),
		r.key("tb", key),
		r.fixedWindowKey(key, r.now().Truncate(windowDuration)),
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr(err)
	}
	return nil
}

// Close is a no-op. The Redis client is shared and owned by the caller.
func (r *RedisLimiter) Close() error {
	return nil
}

func (r *RedisLimiter) key(algo, key string) string {
	return r.keyPrefix + algo + ":" + key
}

func (r *RedisLimiter) fixedWindowKey(key string, windowStart time.Time) string {
	return r.key("fw", key) + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

// storeErr wraps store failures so callers can apply their failure
// policy. Context errors pass through untouched.
func storeErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func scriptReply(raw interface{}, want int) ([]interface{}, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items) != want {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}
	return items, nil
}

func replyInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected rate limit script value: %T", v)
	}
}

func replyFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unexpected rate limit script value: %T", v)
	}
}
