// Package ratelimit bounds per-tenant webhook traffic with a distributed
// token bucket in Redis, so a chatty phone-system integration cannot starve
// other tenants sharing the API.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is a per-tenant token bucket. All API instances share the same
// bucket state through Redis, refilled continuously at refill tokens/sec up
// to capacity.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration

	now func() time.Time
}

// New constructs a limiter. Idle buckets expire after ttl so tenants that
// stop sending traffic do not accumulate keys.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// AllowTenant consumes one token from the tenant's bucket. It reports
// whether the request may proceed and how many tokens remain. Redis errors
// surface to the caller, which decides between failing open or closed.
func (l *Limiter) AllowTenant(ctx context.Context, tenantID string) (bool, float64, error) {
	key := fmt.Sprintf("ratelimit:webhook:%s", tenantID)
	nowMS := l.now().UnixMilli()

	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, nowMS, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", tenantID, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected script reply %v", tenantID, res)
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

// Refill and consume atomically so concurrent API instances never double
// spend a token.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
