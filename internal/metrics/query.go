package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/aegisgw/aegis/internal/store"
)

// Range is a resolved query window.
type Range struct {
	Start  time.Time
	End    time.Time
	Bucket time.Duration
}

var presets = map[string]struct {
	span   time.Duration
	bucket time.Duration
}{
	"5m":  {5 * time.Minute, 10 * time.Second},
	"15m": {15 * time.Minute, 30 * time.Second},
	"1h":  {time.Hour, time.Minute},
	"6h":  {6 * time.Hour, 5 * time.Minute},
	"24h": {24 * time.Hour, 15 * time.Minute},
	"7d":  {7 * 24 * time.Hour, time.Hour},
	"30d": {30 * 24 * time.Hour, time.Hour},
}

// ParseRange resolves a preset name ("5m".."30d") against now.
func ParseRange(preset string) (Range, error) {
	p, ok := presets[preset]
	if !ok {
		return Range{}, fmt.Errorf("unknown range %q", preset)
	}
	now := time.Now()
	return Range{Start: now.Add(-p.span), End: now, Bucket: p.bucket}, nil
}

// CustomRange builds a range from explicit bounds, picking the
// bucket width from the span like the nearest preset.
func CustomRange(start, end time.Time) Range {
	span := end.Sub(start)
	bucket := time.Hour
	best := time.Duration(1<<63 - 1)
	for _, p := range presets {
		if p.span >= span && p.span < best {
			best = p.span
			bucket = p.bucket
		}
	}
	return Range{Start: start, End: end, Bucket: bucket}
}

// cacheTTL keeps hot dashboard queries cheap without making the
// charts feel stale.
const cacheTTL = 5 * time.Second

// Queries is the read-side facade over the store: concurrent
// identical queries are deduplicated and results cached briefly.
type Queries struct {
	store     *store.Store
	collector *Collector
	group     singleflight.Group
	cache     *expirable.LRU[string, any]
}

// NewQueries builds the facade.
func NewQueries(st *store.Store, collector *Collector) *Queries {
	return &Queries{
		store:     st,
		collector: collector,
		cache:     expirable.NewLRU[string, any](256, nil, cacheTTL),
	}
}

func (q *Queries) cached(key string, fn func() (any, error)) (any, error) {
	if v, ok := q.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := q.group.Do(key, func() (any, error) {
		v, err := fn()
		if err == nil {
			q.cache.Add(key, v)
		}
		return v, err
	})
	return v, err
}

func rangeKey(name string, r Range) string {
	// Bucket start/end to the bucket width so near-simultaneous
	// requests share a cache entry
	return fmt.Sprintf("%s:%d:%d:%d",
		name, r.Start.Truncate(r.Bucket).Unix(), r.End.Truncate(r.Bucket).Unix(), int64(r.Bucket))
}

// Overview returns headline numbers; without a store it falls back
// to the in-memory rolling window.
func (q *Queries) Overview(ctx context.Context, r Range) (*store.Overview, error) {
	if !q.store.Enabled() {
		return q.windowOverview(), nil
	}
	v, err := q.cached(rangeKey("overview", r), func() (any, error) {
		return q.store.QueryOverview(ctx, r.Start, r.End)
	})
	if err != nil {
		return q.windowOverview(), nil
	}
	return v.(*store.Overview), nil
}

func (q *Queries) windowOverview() *store.Overview {
	snap := q.collector.Snapshot()
	w := snap.LastMinute
	o := &store.Overview{
		TotalRequests:     w.Total,
		SuccessRequests:   w.Success,
		FailedRequests:    w.Failed,
		RateLimited:       w.RateLimited,
		AvgLatencyMs:      w.AvgLatencyMs,
		RequestsPerSecond: w.RequestsPerSecond,
	}
	if w.Total > 0 {
		o.ErrorRate = float64(w.Failed) / float64(w.Total)
	}
	return o
}

// RequestRate returns the requests-per-second series. Empty without
// a store.
func (q *Queries) RequestRate(ctx context.Context, r Range) ([]store.TimePoint, error) {
	if !q.store.Enabled() {
		return nil, nil
	}
	v, err := q.cached(rangeKey("request_rate", r), func() (any, error) {
		return q.store.QueryRequestRate(ctx, r.Start, r.End, r.Bucket)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.TimePoint), nil
}

// LatencyPercentiles returns the p50/p95/p99 series.
func (q *Queries) LatencyPercentiles(ctx context.Context, r Range) ([]store.LatencyPoint, error) {
	if !q.store.Enabled() {
		return nil, nil
	}
	v, err := q.cached(rangeKey("latency", r), func() (any, error) {
		return q.store.QueryLatencyPercentiles(ctx, r.Start, r.End, r.Bucket)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.LatencyPoint), nil
}

// ErrorRate returns the 5xx fraction series.
func (q *Queries) ErrorRate(ctx context.Context, r Range) ([]store.TimePoint, error) {
	if !q.store.Enabled() {
		return nil, nil
	}
	v, err := q.cached(rangeKey("error_rate", r), func() (any, error) {
		return q.store.QueryErrorRate(ctx, r.Start, r.End, r.Bucket)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.TimePoint), nil
}

// StatusDistribution returns counts per status code.
func (q *Queries) StatusDistribution(ctx context.Context, r Range) ([]store.StatusCount, error) {
	if !q.store.Enabled() {
		return nil, nil
	}
	v, err := q.cached(rangeKey("status_distribution", r), func() (any, error) {
		return q.store.QueryStatusDistribution(ctx, r.Start, r.End)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.StatusCount), nil
}

// TopEndpoints returns the busiest paths.
func (q *Queries) TopEndpoints(ctx context.Context, r Range, limit int) ([]store.EndpointStat, error) {
	if !q.store.Enabled() {
		return nil, nil
	}
	v, err := q.cached(fmt.Sprintf("%s:%d", rangeKey("top_endpoints", r), limit), func() (any, error) {
		return q.store.QueryTopEndpoints(ctx, r.Start, r.End, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.EndpointStat), nil
}

// EndpointMetrics aggregates one path.
func (q *Queries) EndpointMetrics(ctx context.Context, path string, r Range) (*store.EndpointStat, error) {
	if !q.store.Enabled() {
		return &store.EndpointStat{Path: path}, nil
	}
	v, err := q.cached(fmt.Sprintf("%s:%s", rangeKey("endpoint", r), path), func() (any, error) {
		return q.store.QueryEndpointMetrics(ctx, path, r.Start, r.End)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.EndpointStat), nil
}
