package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/internal/kv"
)

// tokenBucketScript refills then spends atomically. Tokens are stored
// as a float so fractional refill carries across checks.
// Returns: {allowed, remaining, resetAtMs, retryAfterMs}
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = max end
if last == nil then last = now end

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(max, tokens + elapsed * rate)
end

local allowed = 0
local retry_after = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    retry_after = math.ceil((cost - tokens) / rate)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', key, ttl)

local reset_at = now + math.ceil((max - tokens) / rate)
return {allowed, math.floor(tokens), reset_at, retry_after}
`)

// TokenBucket admits bursts up to the limit and refills continuously
// at limit/window tokens per second.
type TokenBucket struct {
	client *kv.Client
}

// NewTokenBucket creates a token bucket limiter over the KV client.
func NewTokenBucket(client *kv.Client) *TokenBucket {
	return &TokenBucket{client: client}
}

func (tb *TokenBucket) Name() string { return AlgorithmTokenBucket }

func (tb *TokenBucket) key(key string) string {
	return tb.client.Key("tb", key)
}

// refillPerMs derives the refill rate from the window: a bucket of
// `limit` tokens refills fully once per window.
func refillPerMs(limit int, window time.Duration) float64 {
	return float64(limit) / float64(window.Milliseconds())
}

func (tb *TokenBucket) Check(ctx context.Context, key string, limit int, window time.Duration, cost int) (Result, error) {
	now := time.Now().UnixMilli()
	// Keep state one window beyond the last write
	ttl := 2 * window.Milliseconds()

	vals, err := tb.client.RunScript(ctx, tokenBucketScript, []string{tb.key(key)},
		now, limit, strconv.FormatFloat(refillPerMs(limit, window), 'f', -1, 64), cost, ttl)
	if err != nil {
		return failOpen(limit, window, tb.Name(), err), nil
	}
	return resultFromScript(vals, limit), nil
}

// Peek reads the bucket without refilling or spending.
func (tb *TokenBucket) Peek(ctx context.Context, key string, limit int, window time.Duration) (*State, error) {
	rdb := tb.client.Redis()
	if rdb == nil {
		return nil, kv.ErrDisabled
	}

	vals, err := rdb.HMGet(ctx, tb.key(key), "tokens", "last_refill").Result()
	if err != nil {
		return nil, err
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, nil
	}

	tokens, err := strconv.ParseFloat(vals[0].(string), 64)
	if err != nil {
		return nil, err
	}
	last, err := strconv.ParseInt(vals[1].(string), 10, 64)
	if err != nil {
		return nil, err
	}

	// Project the refill to now without writing it back
	rate := refillPerMs(limit, window)
	elapsed := float64(time.Now().UnixMilli() - last)
	if elapsed > 0 {
		tokens += elapsed * rate
		if tokens > float64(limit) {
			tokens = float64(limit)
		}
	}

	fullIn := time.Duration((float64(limit)-tokens)/rate) * time.Millisecond
	return &State{
		Used:      float64(limit) - tokens,
		Remaining: int(tokens),
		ResetAt:   time.Now().Add(fullIn),
	}, nil
}

func (tb *TokenBucket) Reset(ctx context.Context, key string) error {
	return tb.client.Del(ctx, tb.key(key))
}
