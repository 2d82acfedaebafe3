package ratelimit

import (
	"context"
	"time"

	"github.com/aegisgw/aegis/internal/kv"
	"github.com/aegisgw/aegis/internal/logging"
	"go.uber.org/zap"
)

// Algorithm names. These appear in config, rules, and persisted metrics.
const (
	AlgorithmTokenBucket          = "token_bucket"
	AlgorithmSlidingWindowLog     = "sliding_window_log"
	AlgorithmSlidingWindowCounter = "sliding_window_counter"
	AlgorithmFixedWindow          = "fixed_window"
)

// Result is the outcome of a single limiter check.
type Result struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration

	// FailOpen marks results produced because the KV store was
	// unreachable. The request is allowed; metrics surface the outage.
	FailOpen bool
}

// State is a side-effect-free view of one limiter key, nil when the
// key does not exist. Peek must never allocate a new window.
type State struct {
	Used      float64   `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Algorithm is the contract all four limiters share. State mutations
// are atomic on the KV store: each Check is one server-side script.
type Algorithm interface {
	Name() string
	Check(ctx context.Context, key string, limit int, window time.Duration, cost int) (Result, error)
	Peek(ctx context.Context, key string, limit int, window time.Duration) (*State, error)
	Reset(ctx context.Context, key string) error
}

// failOpen builds the result returned when the KV store cannot answer.
// Deliberate availability choice: the data plane keeps forwarding.
func failOpen(limit int, window time.Duration, algorithm string, err error) Result {
	failOpenTotal.WithLabelValues(algorithm).Inc()
	logging.Warn("rate limit store unavailable, failing open",
		zap.String("algorithm", algorithm),
		zap.Error(err))
	return Result{
		Allowed:   true,
		Remaining: limit,
		Limit:     limit,
		ResetAt:   time.Now().Add(window),
		FailOpen:  true,
	}
}

// resultFromScript decodes the uniform {allowed, remaining, resetAtMs,
// retryAfterMs} array every limiter script returns.
func resultFromScript(vals []int64, limit int) Result {
	r := Result{Limit: limit}
	if len(vals) < 4 {
		return r
	}
	r.Allowed = vals[0] == 1
	r.Remaining = int(vals[1])
	if r.Remaining < 0 {
		r.Remaining = 0
	}
	r.ResetAt = time.UnixMilli(vals[2])
	if vals[3] > 0 {
		r.RetryAfter = time.Duration(vals[3]) * time.Millisecond
	}
	return r
}

// NewAlgorithms builds the four limiters over one KV client, keyed by
// algorithm name.
func NewAlgorithms(client *kv.Client) map[string]Algorithm {
	return map[string]Algorithm{
		AlgorithmTokenBucket:          NewTokenBucket(client),
		AlgorithmSlidingWindowLog:     NewSlidingWindowLog(client),
		AlgorithmSlidingWindowCounter: NewSlidingWindowCounter(client),
		AlgorithmFixedWindow:          NewFixedWindow(client),
	}
}
