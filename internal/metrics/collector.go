package metrics

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/health"
	"github.com/aegisgw/aegis/internal/logging"
	"github.com/aegisgw/aegis/internal/ratelimit"
	"github.com/aegisgw/aegis/internal/requestctx"
	"github.com/aegisgw/aegis/internal/store"
)

var (
	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "metrics",
		Name:      "flush_total",
		Help:      "Buffer flushes by outcome.",
	}, []string{"outcome"})

	flushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aegis",
		Subsystem: "metrics",
		Name:      "flush_batch_size",
		Help:      "Rows written per flush.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aegis",
		Subsystem: "metrics",
		Name:      "dropped_total",
		Help:      "Metric rows dropped because the buffer overflowed.",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegis",
		Subsystem: "proxy",
		Name:      "active_connections",
		Help:      "In-flight proxied requests.",
	})
)

// bufferFactor bounds each buffer at bufferFactor*BatchSize rows
// when the store is down.
const bufferFactor = 10

// Collector is the telemetry hub: lock-free realtime counters, the
// rolling window, and the buffered writer feeding the store.
type Collector struct {
	cfg   config.MetricsConfig
	store *store.Store

	total       atomic.Int64
	success     atomic.Int64
	failed      atomic.Int64
	rateLimited atomic.Int64
	active      atomic.Int64

	window *rollingWindow

	mu           sync.Mutex
	requestBuf   []store.RequestMetric
	rateLimitBuf []store.RateLimitMetric
	backendBuf   []store.BackendMetric

	flushCh chan struct{}

	flushes     atomic.Int64
	flushErrors atomic.Int64
	dropped     atomic.Int64
	startedAt   time.Time
}

// NewCollector builds the collector. store may be nil (disabled);
// realtime counters still work and flushes become no-ops.
func NewCollector(cfg config.MetricsConfig, st *store.Store) *Collector {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	return &Collector{
		cfg:       cfg,
		store:     st,
		window:    newRollingWindow(),
		flushCh:   make(chan struct{}, 1),
		startedAt: time.Now(),
	}
}

// RecordRequest records one completed proxy request.
func (c *Collector) RecordRequest(m store.RequestMetric) {
	c.total.Add(1)
	switch {
	case m.RateLimited:
		c.rateLimited.Add(1)
	case m.StatusCode >= 500:
		c.failed.Add(1)
	default:
		c.success.Add(1)
	}
	c.window.Record(m.Timestamp, m.StatusCode, m.RateLimited, m.DurationMs)

	if !c.store.Enabled() {
		return
	}
	if c.cfg.SampleRate < 1 && rand.Float64() >= c.cfg.SampleRate {
		return
	}

	c.mu.Lock()
	c.requestBuf = append(c.requestBuf, m)
	full := len(c.requestBuf) >= c.cfg.BatchSize
	c.requestBuf = c.boundRequests(c.requestBuf)
	c.mu.Unlock()

	if full {
		c.scheduleFlush()
	}
}

// OnDecision records one limiter decision. Wired as the limiter's
// decision callback.
func (c *Collector) OnDecision(rctx *requestctx.Context, d ratelimit.Decision) {
	if !c.store.Enabled() {
		return
	}

	ruleID := ""
	if d.Rule != nil {
		ruleID = d.Rule.ID
	}
	m := store.RateLimitMetric{
		Timestamp: time.Now(),
		Key:       d.Key,
		Algorithm: d.Algorithm,
		RuleID:    ruleID,
		Allowed:   d.Allowed,
		Remaining: d.Remaining,
		Limit:     d.Limit,
		Tier:      rctx.Tier,
		Path:      rctx.Path,
	}

	c.mu.Lock()
	c.rateLimitBuf = append(c.rateLimitBuf, m)
	full := len(c.rateLimitBuf) >= c.cfg.BatchSize
	if over := len(c.rateLimitBuf) - bufferFactor*c.cfg.BatchSize; over > 0 {
		c.rateLimitBuf = c.rateLimitBuf[over:]
		c.noteDropped(over)
	}
	c.mu.Unlock()

	if full {
		c.scheduleFlush()
	}
}

// RecordBackendMetric records one health probe outcome. Implements
// health.Recorder.
func (c *Collector) RecordBackendMetric(m health.BackendMetric) {
	if !c.store.Enabled() {
		return
	}

	row := store.BackendMetric{
		Timestamp:      m.Timestamp,
		Backend:        m.Backend,
		Status:         string(m.Status),
		Healthy:        m.Healthy,
		StatusCode:     m.StatusCode,
		ResponseTimeMs: m.ResponseTimeMs,
		Error:          m.Error,
	}

	c.mu.Lock()
	c.backendBuf = append(c.backendBuf, row)
	full := len(c.backendBuf) >= c.cfg.BatchSize
	if over := len(c.backendBuf) - bufferFactor*c.cfg.BatchSize; over > 0 {
		c.backendBuf = c.backendBuf[over:]
		c.noteDropped(over)
	}
	c.mu.Unlock()

	if full {
		c.scheduleFlush()
	}
}

// ActiveInc marks a proxied request in flight.
func (c *Collector) ActiveInc() {
	c.active.Add(1)
	activeConnections.Inc()
}

// ActiveDec marks a proxied request done.
func (c *Collector) ActiveDec() {
	c.active.Add(-1)
	activeConnections.Dec()
}

// RealtimeSnapshot is the live dashboard payload.
type RealtimeSnapshot struct {
	TotalRequests     int64       `json:"totalRequests"`
	SuccessRequests   int64       `json:"successRequests"`
	FailedRequests    int64       `json:"failedRequests"`
	RateLimited       int64       `json:"rateLimited"`
	ActiveConnections int64       `json:"activeConnections"`
	LastMinute        WindowStats `json:"lastMinute"`
	UptimeSeconds     int64       `json:"uptimeSeconds"`
}

// Snapshot reads the realtime counters and the trailing window.
func (c *Collector) Snapshot() RealtimeSnapshot {
	return RealtimeSnapshot{
		TotalRequests:     c.total.Load(),
		SuccessRequests:   c.success.Load(),
		FailedRequests:    c.failed.Load(),
		RateLimited:       c.rateLimited.Load(),
		ActiveConnections: c.active.Load(),
		LastMinute:        c.window.Stats(time.Now()),
		UptimeSeconds:     int64(time.Since(c.startedAt).Seconds()),
	}
}

// PipelineStats reports the persistence pipeline internals for the
// admin API.
type PipelineStats struct {
	RequestBufferDepth   int   `json:"requestBufferDepth"`
	RateLimitBufferDepth int   `json:"rateLimitBufferDepth"`
	BackendBufferDepth   int   `json:"backendBufferDepth"`
	Flushes              int64 `json:"flushes"`
	FlushErrors          int64 `json:"flushErrors"`
	Dropped              int64 `json:"dropped"`
	BatchSize            int   `json:"batchSize"`
	FlushIntervalMs      int64 `json:"flushIntervalMs"`
}

// Stats reads the pipeline internals.
func (c *Collector) Stats() PipelineStats {
	c.mu.Lock()
	reqDepth, rlDepth, beDepth := len(c.requestBuf), len(c.rateLimitBuf), len(c.backendBuf)
	c.mu.Unlock()

	return PipelineStats{
		RequestBufferDepth:   reqDepth,
		RateLimitBufferDepth: rlDepth,
		BackendBufferDepth:   beDepth,
		Flushes:              c.flushes.Load(),
		FlushErrors:          c.flushErrors.Load(),
		Dropped:              c.dropped.Load(),
		BatchSize:            c.cfg.BatchSize,
		FlushIntervalMs:      c.cfg.FlushInterval.Milliseconds(),
	}
}

// Run drives the flush loop until the context is cancelled, then
// performs a final flush.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.flushCh:
			c.Flush(ctx)
		}
	}
}

// Flush writes all buffered rows to the store. Failed batches are
// put back (bounded) for the next cycle.
func (c *Collector) Flush(ctx context.Context) {
	if !c.store.Enabled() {
		return
	}

	c.mu.Lock()
	requests := c.requestBuf
	rateLimits := c.rateLimitBuf
	backends := c.backendBuf
	c.requestBuf = nil
	c.rateLimitBuf = nil
	c.backendBuf = nil
	c.mu.Unlock()

	total := len(requests) + len(rateLimits) + len(backends)
	if total == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	failed := false
	if err := c.store.InsertRequestMetrics(ctx, requests); err != nil {
		failed = true
		logging.Error("request metrics flush failed", zap.Int("rows", len(requests)), zap.Error(err))
		c.requeueRequests(requests)
	}
	if err := c.store.InsertRateLimitMetrics(ctx, rateLimits); err != nil {
		failed = true
		logging.Error("rate limit metrics flush failed", zap.Int("rows", len(rateLimits)), zap.Error(err))
	}
	if err := c.store.InsertBackendMetrics(ctx, backends); err != nil {
		failed = true
		logging.Error("backend metrics flush failed", zap.Int("rows", len(backends)), zap.Error(err))
	}

	c.flushes.Add(1)
	flushBatchSize.Observe(float64(total))
	if failed {
		c.flushErrors.Add(1)
		flushTotal.WithLabelValues("error").Inc()
	} else {
		flushTotal.WithLabelValues("ok").Inc()
	}
}

// Close flushes whatever is left. Call after Run has stopped.
func (c *Collector) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Flush(ctx)
}

func (c *Collector) scheduleFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

// requeueRequests puts failed rows back at the front, keeping the
// buffer bounded.
func (c *Collector) requeueRequests(rows []store.RequestMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestBuf = append(rows, c.requestBuf...)
	c.requestBuf = c.boundRequests(c.requestBuf)
}

// boundRequests drops the oldest rows beyond the buffer cap. Caller
// holds mu.
func (c *Collector) boundRequests(buf []store.RequestMetric) []store.RequestMetric {
	if over := len(buf) - bufferFactor*c.cfg.BatchSize; over > 0 {
		buf = buf[over:]
		c.noteDropped(over)
	}
	return buf
}

func (c *Collector) noteDropped(n int) {
	c.dropped.Add(int64(n))
	droppedTotal.Add(float64(n))
}
