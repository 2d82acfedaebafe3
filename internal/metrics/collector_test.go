package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/store"
)

func TestRollingWindowCounts(t *testing.T) {
	w := newRollingWindow()
	now := time.Now()

	w.Record(now, 200, false, 10)
	w.Record(now, 502, false, 30)
	w.Record(now, 200, true, 0)

	stats := w.Stats(now)
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.Success != 1 || stats.Failed != 1 || stats.RateLimited != 1 {
		t.Errorf("success/failed/rateLimited = %d/%d/%d, want 1/1/1",
			stats.Success, stats.Failed, stats.RateLimited)
	}
}

func TestRollingWindowExcludesOldSeconds(t *testing.T) {
	w := newRollingWindow()
	now := time.Now()

	w.Record(now.Add(-2*time.Minute), 200, false, 5)
	w.Record(now.Add(-30*time.Second), 200, false, 5)
	w.Record(now, 200, false, 5)

	stats := w.Stats(now)
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2 (entry older than 60s excluded)", stats.Total)
	}
}

func TestRollingWindowPrunesOnInsert(t *testing.T) {
	w := newRollingWindow()
	base := time.Now().Add(-10 * time.Minute)

	// Many distinct old seconds, then fresh inserts that trigger
	// pruning in whichever shard they land on
	for i := 0; i < 120; i++ {
		w.Record(base.Add(time.Duration(i)*time.Second), 200, false, 1)
	}
	now := time.Now()
	for i := 0; i < 120; i++ {
		w.Record(now.Add(time.Duration(-i)*time.Second), 200, false, 1)
	}

	kept := 0
	for i := range w.shards {
		w.shards[i].mu.Lock()
		kept += len(w.shards[i].seconds)
		w.shards[i].mu.Unlock()
	}
	// Everything 10 minutes old must be gone
	if kept > 130 {
		t.Errorf("window holds %d seconds, pruning is not happening", kept)
	}
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, nil)
	now := time.Now()

	c.RecordRequest(store.RequestMetric{Timestamp: now, StatusCode: 200, DurationMs: 12})
	c.RecordRequest(store.RequestMetric{Timestamp: now, StatusCode: 503, DurationMs: 5})
	c.RecordRequest(store.RequestMetric{Timestamp: now, StatusCode: 429, RateLimited: true})
	c.ActiveInc()

	snap := c.Snapshot()
	if snap.TotalRequests != 3 {
		t.Errorf("total = %d, want 3", snap.TotalRequests)
	}
	if snap.SuccessRequests != 1 || snap.FailedRequests != 1 || snap.RateLimited != 1 {
		t.Errorf("success/failed/rateLimited = %d/%d/%d, want 1/1/1",
			snap.SuccessRequests, snap.FailedRequests, snap.RateLimited)
	}
	if snap.ActiveConnections != 1 {
		t.Errorf("active = %d, want 1", snap.ActiveConnections)
	}
	if snap.LastMinute.Total != 3 {
		t.Errorf("window total = %d, want 3", snap.LastMinute.Total)
	}

	c.ActiveDec()
	if c.Snapshot().ActiveConnections != 0 {
		t.Error("active should drop back to 0")
	}
}

func TestCollectorDisabledStoreSkipsBuffers(t *testing.T) {
	c := NewCollector(config.MetricsConfig{BatchSize: 2}, nil)
	for i := 0; i < 10; i++ {
		c.RecordRequest(store.RequestMetric{Timestamp: time.Now(), StatusCode: 200})
	}

	stats := c.Stats()
	if stats.RequestBufferDepth != 0 {
		t.Errorf("buffer depth = %d, want 0 with persistence disabled", stats.RequestBufferDepth)
	}

	// Flush must be a no-op, not a panic
	c.Flush(context.Background())
	c.Close()
}

func TestParseRangePresets(t *testing.T) {
	cases := []struct {
		preset string
		span   time.Duration
		bucket time.Duration
	}{
		{"5m", 5 * time.Minute, 10 * time.Second},
		{"1h", time.Hour, time.Minute},
		{"24h", 24 * time.Hour, 15 * time.Minute},
		{"30d", 30 * 24 * time.Hour, time.Hour},
	}
	for _, c := range cases {
		r, err := ParseRange(c.preset)
		if err != nil {
			t.Fatalf("%s: %v", c.preset, err)
		}
		if got := r.End.Sub(r.Start); got != c.span {
			t.Errorf("%s: span = %v, want %v", c.preset, got, c.span)
		}
		if r.Bucket != c.bucket {
			t.Errorf("%s: bucket = %v, want %v", c.preset, r.Bucket, c.bucket)
		}
	}

	if _, err := ParseRange("2w"); err == nil {
		t.Error("unknown preset should error")
	}
}

func TestCustomRangeBucketSelection(t *testing.T) {
	end := time.Now()
	r := CustomRange(end.Add(-10*time.Minute), end)
	if r.Bucket != 30*time.Second {
		t.Errorf("10m span bucket = %v, want 30s (15m preset)", r.Bucket)
	}

	r = CustomRange(end.Add(-90*24*time.Hour), end)
	if r.Bucket != time.Hour {
		t.Errorf("90d span bucket = %v, want 1h", r.Bucket)
	}
}

func TestQueriesOverviewFallsBackToWindow(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, nil)
	now := time.Now()
	c.RecordRequest(store.RequestMetric{Timestamp: now, StatusCode: 200, DurationMs: 10})
	c.RecordRequest(store.RequestMetric{Timestamp: now, StatusCode: 500, DurationMs: 20})

	q := NewQueries(nil, c)
	r, _ := ParseRange("5m")

	o, err := q.Overview(context.Background(), r)
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if o.TotalRequests != 2 || o.FailedRequests != 1 {
		t.Errorf("fallback overview = %+v, want window data", o)
	}
	if o.ErrorRate != 0.5 {
		t.Errorf("errorRate = %v, want 0.5", o.ErrorRate)
	}

	series, err := q.RequestRate(context.Background(), r)
	if err != nil || series != nil {
		t.Errorf("series without store = %v, %v; want empty, nil", series, err)
	}
}
