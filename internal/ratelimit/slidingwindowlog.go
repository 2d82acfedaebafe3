package ratelimit

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisgw/aegis/internal/kv"
)

// slidingWindowLogScript evicts expired entries, then admits the
// request if the window still has room. Cost > 1 inserts that many
// members so the weighted count stays exact.
// Returns: {allowed, remaining, resetAtMs, retryAfterMs}
var slidingWindowLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count + cost <= limit then
    for i = 1, cost do
        redis.call('ZADD', key, now, member .. '-' .. i)
    end
    redis.call('PEXPIRE', key, window * 2)
    return {1, limit - count - cost, now + window, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
local retry = reset - now
if retry < 1 then retry = 1 end
return {0, math.max(limit - count, 0), reset, retry}
`)

// SlidingWindowLog keeps a timestamp per admitted request in a sorted
// set. Exact within the window at the cost of one entry per request.
type SlidingWindowLog struct {
	client *kv.Client
}

// NewSlidingWindowLog creates a sliding-window-log limiter.
func NewSlidingWindowLog(client *kv.Client) *SlidingWindowLog {
	return &SlidingWindowLog{client: client}
}

func (sl *SlidingWindowLog) Name() string { return AlgorithmSlidingWindowLog }

func (sl *SlidingWindowLog) key(key string) string {
	return sl.client.Key("swl", key)
}

func (sl *SlidingWindowLog) Check(ctx context.Context, key string, limit int, window time.Duration, cost int) (Result, error) {
	now := time.Now().UnixMilli()
	// Member base must be unique across concurrent same-millisecond
	// checks; the script appends the per-cost index.
	member := strconv.FormatInt(now, 10) + ":" + strconv.FormatInt(rand.Int63(), 36)

	vals, err := sl.client.RunScript(ctx, slidingWindowLogScript, []string{sl.key(key)},
		now, window.Milliseconds(), limit, cost, member)
	if err != nil {
		return failOpen(limit, window, sl.Name(), err), nil
	}
	return resultFromScript(vals, limit), nil
}

// Peek counts live entries without evicting or inserting.
func (sl *SlidingWindowLog) Peek(ctx context.Context, key string, limit int, window time.Duration) (*State, error) {
	rdb := sl.client.Redis()
	if rdb == nil {
		return nil, kv.ErrDisabled
	}

	now := time.Now()
	min := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	count, err := rdb.ZCount(ctx, sl.key(key), min, "+inf").Result()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		exists, err := rdb.Exists(ctx, sl.key(key)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, nil
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &State{
		Used:      float64(count),
		Remaining: remaining,
		ResetAt:   now.Add(window),
	}, nil
}

func (sl *SlidingWindowLog) Reset(ctx context.Context, key string) error {
	return sl.client.Del(ctx, sl.key(key))
}
