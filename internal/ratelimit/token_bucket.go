// Package ratelimit bounds how fast one user may submit render jobs,
// using a distributed token bucket in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket throttles submissions per key. Bucket state lives in Redis so
// every API replica draws from the same allowance, and the check-and-consume
// runs as one Lua script to stay atomic under concurrent submits.
type TokenBucket struct {
	client     *redis.Client
	capacity   int
	ratePerSec float64
	ttl        time.Duration
}

// NewTokenBucket builds a limiter. capacity is the burst allowance,
// refillPerSecond the sustained rate, ttl how long an idle bucket key lives.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:     client,
		capacity:   capacity,
		ratePerSec: refillPerSecond,
		ttl:        ttl,
	}
}

// Allow consumes one token for key if any remain. It returns whether the
// submission may proceed and the tokens left afterwards.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.ratePerSec, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) < 2 {
		return false, 0, nil
	}
	allowed, _ := reply[0].(int64)
	var remaining float64
	switch v := reply[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed == 1, remaining, nil
}

// The clock comes from the caller, not Redis, so replicas with skewed clocks
// only shift the refill slightly rather than corrupting the bucket.
var bucketScript = redis.NewScript(`
local bucket = KEYS[1]
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'stamp_ms')
local tokens = tonumber(state[1])
local stamp = tonumber(state[2])
if tokens == nil then tokens = cap end
if stamp == nil then stamp = now_ms end

local elapsed = math.max(0, now_ms - stamp)
tokens = math.min(cap, tokens + elapsed / 1000 * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', bucket, 'tokens', tokens, 'stamp_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', bucket, ttl_ms) end
return {allowed, tokens}
`)
