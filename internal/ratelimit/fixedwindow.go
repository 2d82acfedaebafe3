package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/internal/kv"
)

// fixedWindowScript increments the counter for the wall-clock-aligned
// window the key already encodes. TTL is the remainder of the window.
// Returns: {allowed, remaining, resetAtMs, retryAfterMs}
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local reset_at = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local current = tonumber(redis.call('GET', key)) or 0

if current + cost <= limit then
    current = redis.call('INCRBY', key, cost)
    redis.call('PEXPIRE', key, ttl)
    return {1, limit - current, reset_at, 0}
end

return {0, math.max(limit - current, 0), reset_at, reset_at - now}
`)

// FixedWindow counts requests in wall-clock-aligned windows. Cheapest
// of the four; admits up to 2x the limit across a boundary.
type FixedWindow struct {
	client *kv.Client
}

// NewFixedWindow creates a fixed-window limiter.
func NewFixedWindow(client *kv.Client) *FixedWindow {
	return &FixedWindow{client: client}
}

func (fw *FixedWindow) Name() string { return AlgorithmFixedWindow }

func (fw *FixedWindow) key(key string, nowMs, windowMs int64) string {
	return fw.client.Key("fw", key, strconv.FormatInt(nowMs/windowMs, 10))
}

func (fw *FixedWindow) Check(ctx context.Context, key string, limit int, window time.Duration, cost int) (Result, error) {
	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	resetAt := (now/windowMs + 1) * windowMs
	// TTL runs to window end plus one window of slack for late peeks
	ttl := resetAt - now + windowMs

	vals, err := fw.client.RunScript(ctx, fixedWindowScript, []string{fw.key(key, now, windowMs)},
		limit, cost, resetAt, ttl, now)
	if err != nil {
		return failOpen(limit, window, fw.Name(), err), nil
	}
	return resultFromScript(vals, limit), nil
}

// Peek reads the current window's counter.
func (fw *FixedWindow) Peek(ctx context.Context, key string, limit int, window time.Duration) (*State, error) {
	rdb := fw.client.Redis()
	if rdb == nil {
		return nil, kv.ErrDisabled
	}

	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()

	val, err := rdb.Get(ctx, fw.key(key, now, windowMs)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return nil, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &State{
		Used:      float64(count),
		Remaining: remaining,
		ResetAt:   time.UnixMilli((now/windowMs + 1) * windowMs),
	}, nil
}

// Reset clears every window counter for the key.
func (fw *FixedWindow) Reset(ctx context.Context, key string) error {
	rdb := fw.client.Redis()
	if rdb == nil {
		return kv.ErrDisabled
	}
	keys, err := rdb.Keys(ctx, fw.client.Key("fw", key, "*")).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return fw.client.Del(ctx, keys...)
}
