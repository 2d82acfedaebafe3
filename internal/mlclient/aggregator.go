package mlclient

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

type bucketKey struct {
	path   string
	method string
	status int
}

type bucketStats struct {
	count       int64
	durationMs  float64
	rateLimited int64
}

// Aggregator folds every proxied request into per-minute buckets and
// periodically ships them to the ML service for anomaly detection.
// Only counts and timings leave the gateway, never request bodies.
type Aggregator struct {
	client    *Client
	interval  time.Duration
	threshold float64

	// OnAnomaly fires for findings at or above the configured
	// threshold.
	OnAnomaly func(Anomaly)

	mu      sync.Mutex
	buckets map[int64]map[bucketKey]*bucketStats
}

// NewAggregator wires the forward loop config. A nil client disables
// forwarding but Record still works (cheap, keeps the call sites
// unconditional).
func NewAggregator(cfg config.MLConfig, client *Client) *Aggregator {
	interval := cfg.ForwardInterval
	if interval <= 0 {
		interval = time.Minute
	}
	threshold := cfg.AnomalyThreshold
	if threshold <= 0 {
		threshold = 0.8
	}

	return &Aggregator{
		client:    client,
		interval:  interval,
		threshold: threshold,
		buckets:   make(map[int64]map[bucketKey]*bucketStats),
	}
}

// Record folds one request into its minute bucket.
func (a *Aggregator) Record(path, method string, status int, duration time.Duration, rateLimited bool) {
	minute := time.Now().Truncate(time.Minute).Unix()
	key := bucketKey{path: path, method: method, status: status}

	a.mu.Lock()
	defer a.mu.Unlock()

	byKey := a.buckets[minute]
	if byKey == nil {
		byKey = make(map[bucketKey]*bucketStats)
		a.buckets[minute] = byKey
	}
	stats := byKey[key]
	if stats == nil {
		stats = &bucketStats{}
		byKey[key] = stats
	}
	stats.count++
	stats.durationMs += float64(duration.Milliseconds())
	if rateLimited {
		stats.rateLimited++
	}
}

// drain removes and returns every bucket older than the current
// minute. The open minute stays put so its counts are complete when
// shipped.
func (a *Aggregator) drain(now time.Time) []MetricPoint {
	current := now.Truncate(time.Minute).Unix()

	a.mu.Lock()
	var points []MetricPoint
	for minute, byKey := range a.buckets {
		if minute >= current {
			continue
		}
		for key, stats := range byKey {
			points = append(points, MetricPoint{
				Timestamp:     time.Unix(minute, 0).UTC(),
				Path:          key.path,
				Method:        key.method,
				StatusCode:    key.status,
				Count:         stats.count,
				AvgDurationMs: stats.durationMs / float64(stats.count),
				RateLimited:   stats.rateLimited,
			})
		}
		delete(a.buckets, minute)
	}
	a.mu.Unlock()

	sort.Slice(points, func(i, j int) bool {
		if !points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Timestamp.Before(points[j].Timestamp)
		}
		return points[i].Path < points[j].Path
	})
	return points
}

// Run forwards closed minute buckets until the context ends. With no
// client configured it returns immediately.
func (a *Aggregator) Run(ctx context.Context) {
	if a.client == nil {
		return
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.forward(ctx)
		}
	}
}

func (a *Aggregator) forward(ctx context.Context) {
	points := a.drain(time.Now())
	if len(points) == 0 {
		return
	}
	if !a.client.IsAvailable(ctx) {
		logging.Debug("ml service unavailable, dropping aggregated metrics",
			zap.Int("points", len(points)))
		return
	}

	resp, err := a.client.DetectAnomalies(ctx, points)
	if err != nil {
		logging.Warn("ml metric forward failed", zap.Error(err), zap.Int("points", len(points)))
		return
	}

	for _, anomaly := range resp.Anomalies {
		if anomaly.Score < a.threshold {
			continue
		}
		logging.Warn("ml service reported anomaly",
			zap.String("path", anomaly.Path),
			zap.String("metric", anomaly.Metric),
			zap.Float64("score", anomaly.Score),
			zap.String("severity", anomaly.Severity))
		if a.OnAnomaly != nil {
			a.OnAnomaly(anomaly)
		}
	}
}
