package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// slidingWindowScript trims entries at or before now-window, counts the rest,
// admits when under limit and reports the oldest surviving timestamp.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisWindow is the shared sliding window: one sorted set per key, updated by
// a single Lua script so concurrent replicas never over-admit.
type RedisWindow struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewRedisWindow(rdb goredis.UniversalClient, prefix string) *RedisWindow {
	if prefix == "" {
		prefix = "autoflow:rl:"
	}
	return &RedisWindow{rdb: rdb, prefix: prefix}
}

func (w *RedisWindow) Strategy() string { return StrategySlidingWindow }

func (w *RedisWindow) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	if w == nil || w.rdb == nil {
		return Decision{}, fmt.Errorf("redis window not configured")
	}
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())
	res, err := slidingWindowScript.Run(ctx, w.rdb, []string{w.prefix + key},
		nowMs, window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}
	return Decision{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		ResetAt: time.UnixMilli(res[2]).UTC().Add(window),
	}, nil
}
