package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript refills and drains a bucket atomically on the Redis server
// clock. It returns {remaining, last_refill_ms}.
const consumeScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local take = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed >= interval then
  local intervals = math.min(math.floor(elapsed / interval), math.floor(capacity / rate) + 1)
  tokens = math.min(tokens + intervals * rate, capacity)
  ts = now
end

tokens = tokens - take

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {tokens, ts}
`

// DefaultRedisKeyPrefix namespaces bucket keys.
const DefaultRedisKeyPrefix = "vip:ratelimit:"

// RedisStore implements Store on Redis so every replica shares one budget.
type RedisStore struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(consumeScript),
		prefix: DefaultRedisKeyPrefix,
	}
}

func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, tokens int, config Config) (int, time.Time, error) {
	interval := config.RefillInterval.Milliseconds()
	// Long enough for an empty bucket to refill completely.
	ttl := (int64(config.Capacity/config.RefillRate) + 2) * interval

	res, err := s.script.Run(ctx, s.client, []string{s.prefix + key},
		config.Capacity, config.RefillRate, interval, tokens, ttl,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("consume tokens: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("consume tokens: unexpected script reply of %d values", len(res))
	}

	return int(res[0]), time.UnixMilli(res[1]).Add(config.RefillInterval), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset bucket: %w", err)
	}
	return nil
}
