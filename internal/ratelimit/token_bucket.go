package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OwnerQuota caps presign requests per owner with a Redis-backed token
// bucket. Every API replica shares the same buckets, so the cap holds across
// the fleet. The worker never consults it.
type OwnerQuota struct {
	client    *redis.Client
	keyPrefix string
	capacity  int
	refill    float64 // tokens per second
	ttl       time.Duration
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// NewOwnerQuota constructs a per-owner limiter. Buckets start full at
// capacity and refill continuously at refillPerSecond.
func NewOwnerQuota(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *OwnerQuota {
	return &OwnerQuota{
		client:    client,
		keyPrefix: "quota:owner:",
		capacity:  capacity,
		refill:    refillPerSecond,
		ttl:       ttl,
	}
}

// Allow consumes one token from the owner's bucket if available. Idle buckets
// expire after ttl, so the key space stays bounded by active owners.
func (q *OwnerQuota) Allow(ctx context.Context, ownerID string) (Decision, error) {
	key := q.keyPrefix + ownerID
	now := time.Now().UnixMilli()
	res, err := quotaScript.Run(ctx, q.client, []string{key}, q.capacity, q.refill, now, q.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("quota check %s: %w", ownerID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("quota check %s: unexpected reply %v", ownerID, res)
	}
	return Decision{
		Allowed:   asInt64(arr[0]) == 1,
		Remaining: asFloat64(arr[1]),
	}, nil
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func asFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var f float64
		fmt.Sscanf(n, "%f", &f)
		return f
	}
	return 0
}

// The refill-then-take step runs as one script so concurrent replicas never
// double-spend a token.
var quotaScript = redis.NewScript(`
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'last_ms')
local tokens = tonumber(state[1]) or capacity
local last_ms = tonumber(state[2]) or now_ms

local elapsed = math.max(0, now_ms - last_ms)
tokens = math.min(capacity, tokens + elapsed / 1000 * rate)

local taken = 0
if tokens >= 1 then
  tokens = tokens - 1
  taken = 1
end

redis.call('HMSET', bucket, 'tokens', tokens, 'last_ms', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', bucket, ttl_ms) end
return {taken, tokens}
`)
