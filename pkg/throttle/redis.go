package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes a bucket atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, fractional)
// Returns {allowed, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
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
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
local retry_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    retry_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, retry_ms}
`)

// RedisLimiter shares buckets across gate instances. Bucket state lives in
// Redis hashes that expire on their own once a tenant goes quiet.
type RedisLimiter struct {
	client redis.UniversalClient
	limits Limits
	prefix string
	clock  func() time.Time
}

// NewRedisLimiter builds a limiter on an existing client.
func NewRedisLimiter(client redis.UniversalClient, limits Limits) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limits: limits,
		prefix: "enforcement:throttle",
		clock:  time.Now,
	}
}

// WithClock overrides the time source for tests.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

// Allow checks the tenant bucket then the global one, same order as the
// local limiter. A Redis error is returned to the caller, who decides the
// fail-safe posture.
func (l *RedisLimiter) Allow(ctx context.Context, tenantID string) (*Verdict, error) {
	v, err := l.take(ctx, l.prefix+":tenant:"+tenantID, l.limits.TenantPerMinute, ScopeTenant)
	if err != nil || !v.Allowed {
		return v, err
	}
	return l.take(ctx, l.prefix+":global", l.limits.GlobalPerMinute, ScopeGlobal)
}

func (l *RedisLimiter) take(ctx context.Context, key string, perMin int, scope string) (*Verdict, error) {
	if perMin <= 0 {
		return &Verdict{Allowed: true}, nil
	}
	ratePerSec := float64(perMin) / 60.0
	now := float64(l.clock().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		ratePerSec, burst(perMin), 1, now).Result()
	if err != nil {
		return nil, fmt.Errorf("throttle: redis bucket %s: %w", scope, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("throttle: redis bucket %s: unexpected script reply %v", scope, res)
	}
	allowed, _ := parts[0].(int64)
	retryMS, _ := parts[1].(int64)
	if allowed != 1 {
		return &Verdict{Scope: scope, RetryAfter: time.Duration(retryMS) * time.Millisecond}, nil
	}
	return &Verdict{Allowed: true}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
