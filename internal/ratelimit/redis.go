package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is a Redis-side token bucket so multiple proxy instances
// share one ceiling per client.
const tokenBucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rps = tonumber(ARGV[3])

local t = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + delta * rps / 1000.0)

if tokens >= 1.0 then
  tokens = tokens - 1.0
  redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
  redis.call('PEXPIRE', key, 600000)
  return 1
else
  redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
  redis.call('PEXPIRE', key, 600000)
  return 0
end
`

// RedisLimiter enforces the sandbox ceiling across proxy instances through a
// shared Redis.
type RedisLimiter struct {
	rdb           *redis.Client
	ratePerSecond float64
	burst         int
}

// NewRedisLimiter creates a limiter backed by the given Redis client.
func NewRedisLimiter(rdb *redis.Client, ratePerSecond float64, burst int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, ratePerSecond: ratePerSecond, burst: burst}
}

// Allow consumes one shared token for the client if available.
func (l *RedisLimiter) Allow(ctx context.Context, clientIP string) (bool, error) {
	key := "lp:rl:" + bucketKey(clientIP)
	now := time.Now().UnixMilli()
	res, err := l.rdb.Eval(ctx, tokenBucketScript, []string{key}, now, l.burst, l.ratePerSecond).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
