package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/internal/kv"
)

// slidingWindowCounterScript weights the previous window's counter by
// how little of the current window has elapsed:
//
//	weighted = prev * (1 - progress) + curr
//
// Both counters live under window-aligned keys; TTL of two windows
// keeps prev alive long enough to contribute.
// Returns: {allowed, remaining, resetAtMs, retryAfterMs}
var slidingWindowCounterScript = redis.NewScript(`
local curr_key = KEYS[1]
local prev_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local curr_start = now - (now % window)
local progress = (now - curr_start) / window

local curr = tonumber(redis.call('GET', curr_key)) or 0
local prev = tonumber(redis.call('GET', prev_key)) or 0
local weighted = prev * (1 - progress) + curr

local reset = curr_start + window

if weighted + cost <= limit then
    redis.call('INCRBY', curr_key, cost)
    redis.call('PEXPIRE', curr_key, window * 2)
    return {1, math.floor(limit - weighted - cost), reset, 0}
end

return {0, math.max(math.floor(limit - weighted), 0), reset, reset - now}
`)

// SlidingWindowCounter approximates a sliding window with two
// fixed-window counters. Error is bounded by the share of traffic that
// crossed the most recent boundary.
type SlidingWindowCounter struct {
	client *kv.Client
}

// NewSlidingWindowCounter creates a sliding-window-counter limiter.
func NewSlidingWindowCounter(client *kv.Client) *SlidingWindowCounter {
	return &SlidingWindowCounter{client: client}
}

func (sc *SlidingWindowCounter) Name() string { return AlgorithmSlidingWindowCounter }

// windowKeys returns the current and previous counter keys for now.
func (sc *SlidingWindowCounter) windowKeys(key string, nowMs, windowMs int64) (string, string) {
	idx := nowMs / windowMs
	return sc.client.Key("swc", key, strconv.FormatInt(idx, 10)),
		sc.client.Key("swc", key, strconv.FormatInt(idx-1, 10))
}

func (sc *SlidingWindowCounter) Check(ctx context.Context, key string, limit int, window time.Duration, cost int) (Result, error) {
	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	currKey, prevKey := sc.windowKeys(key, now, windowMs)

	vals, err := sc.client.RunScript(ctx, slidingWindowCounterScript, []string{currKey, prevKey},
		now, windowMs, limit, cost)
	if err != nil {
		return failOpen(limit, window, sc.Name(), err), nil
	}
	return resultFromScript(vals, limit), nil
}

// Peek computes the weighted count from plain GETs.
func (sc *SlidingWindowCounter) Peek(ctx context.Context, key string, limit int, window time.Duration) (*State, error) {
	rdb := sc.client.Redis()
	if rdb == nil {
		return nil, kv.ErrDisabled
	}

	now := time.Now().UnixMilli()
	windowMs := window.Milliseconds()
	currKey, prevKey := sc.windowKeys(key, now, windowMs)

	vals, err := rdb.MGet(ctx, currKey, prevKey).Result()
	if err != nil {
		return nil, err
	}
	if vals[0] == nil && vals[1] == nil {
		return nil, nil
	}

	curr := parseCounter(vals[0])
	prev := parseCounter(vals[1])

	currStart := now - now%windowMs
	progress := float64(now-currStart) / float64(windowMs)
	weighted := float64(prev)*(1-progress) + float64(curr)

	remaining := limit - int(weighted)
	if remaining < 0 {
		remaining = 0
	}
	return &State{
		Used:      weighted,
		Remaining: remaining,
		ResetAt:   time.UnixMilli(currStart + windowMs),
	}, nil
}

// Reset clears the counters for the current window pair.
func (sc *SlidingWindowCounter) Reset(ctx context.Context, key string) error {
	// Window size is not known here; clearing a generous range of
	// indexes around now covers every window width in use.
	rdb := sc.client.Redis()
	if rdb == nil {
		return kv.ErrDisabled
	}
	pattern := sc.client.Key("swc", key, "*")
	keys, err := rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return sc.client.Del(ctx, keys...)
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
