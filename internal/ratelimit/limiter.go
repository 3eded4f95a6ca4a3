package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobengine/internal/telemetry"
)

const keyPrefix = "jobengine:ratelimit:enqueue:"

// Limiter throttles job submissions per queue with a token bucket kept in Redis,
// so every API replica draws from the same budget.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source passed to the bucket script.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a limiter, or nil when client is nil or capacity is not positive.
// A nil *Limiter allows everything.
func New(client *redis.Client, capacity int, refillPerSecond float64, opts ...Option) *Limiter {
	if client == nil || capacity <= 0 {
		return nil
	}
	l := &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      bucketTTL(capacity, refillPerSecond),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// bucketTTL keeps an idle bucket around long enough to refill completely.
func bucketTTL(capacity int, refill float64) time.Duration {
	if refill <= 0 {
		return time.Hour
	}
	return time.Duration(float64(capacity)/refill*float64(time.Second)) + time.Minute
}

// AllowEnqueue consumes one token from the queue's bucket. It returns the
// remaining whole tokens.
func (l *Limiter) AllowEnqueue(ctx context.Context, queue string) (bool, int, error) {
	if l == nil {
		return true, 0, nil
	}
	res, err := bucketScript.Run(ctx, l.client, []string{keyPrefix + queue},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", queue, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", queue, res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	if allowed != 1 {
		telemetry.RateLimitRejects.WithLabelValues(queue).Inc()
		return false, int(remaining), nil
	}
	return true, int(remaining), nil
}

// Lua truncates the float token count to an integer in the reply.
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

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
