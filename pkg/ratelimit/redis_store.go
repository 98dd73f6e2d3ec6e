package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript is the same atomic refill-then-consume idiom the
// teacher's in-process limiter uses, adapted to run against a shared
// Redis instance so the bucket state is visible across processes.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local lastRefill = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	lastRefill = now
end

local elapsed = now - lastRefill
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisStore is the cross-process rate-window store, backed by a
// shared Redis instance. It is the cross-process fast path: on any
// Redis error, callers should fall back to DBStore rather than fail
// open or closed.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisStore{client: rdb}
}

func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s", actorID)
	rate := float64(policy.RPM) / 60.0
	if rate <= 0 {
		rate = 1.0
	}
	capacity := policy.Burst
	if capacity <= 0 {
		capacity = policy.RPM
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, rate, capacity, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected redis script result %T", res)
	}
	allowedVal, ok := results[0].(int64)
	if !ok {
		return false, fmt.Errorf("ratelimit: unexpected allowed type %T", results[0])
	}
	return allowedVal == 1, nil
}
