package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	windowSeconds = 60
	windowShards  = 16
)

type secondCounts struct {
	total       int64
	success     int64
	failed      int64
	rateLimited int64
	durationMs  float64
}

type windowShard struct {
	mu      sync.Mutex
	seconds map[int64]*secondCounts
}

// rollingWindow keeps per-second request counts for the trailing 60
// seconds. Seconds are spread across shards by hash so concurrent
// writers rarely contend; stale seconds are pruned on insert.
type rollingWindow struct {
	shards [windowShards]windowShard
}

func newRollingWindow() *rollingWindow {
	w := &rollingWindow{}
	for i := range w.shards {
		w.shards[i].seconds = make(map[int64]*secondCounts)
	}
	return w
}

func (w *rollingWindow) shard(sec int64) *windowShard {
	h := xxhash.Sum64String(strconv.FormatInt(sec, 10))
	return &w.shards[h%windowShards]
}

// Record adds one request outcome to the current second.
func (w *rollingWindow) Record(now time.Time, statusCode int, rateLimited bool, durationMs float64) {
	sec := now.Unix()
	s := w.shard(sec)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.seconds[sec]
	if !ok {
		c = &secondCounts{}
		s.seconds[sec] = c
		// Prune anything this shard holds beyond the window
		cutoff := sec - windowSeconds
		for old := range s.seconds {
			if old < cutoff {
				delete(s.seconds, old)
			}
		}
	}

	c.total++
	c.durationMs += durationMs
	switch {
	case rateLimited:
		c.rateLimited++
	case statusCode >= 500:
		c.failed++
	default:
		c.success++
	}
}

// WindowStats summarizes the trailing window.
type WindowStats struct {
	Total             int64   `json:"total"`
	Success           int64   `json:"success"`
	Failed            int64   `json:"failed"`
	RateLimited       int64   `json:"rateLimited"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
}

// Stats sums the trailing 60 seconds.
func (w *rollingWindow) Stats(now time.Time) WindowStats {
	cutoff := now.Unix() - windowSeconds
	var out WindowStats
	var durationSum float64

	for i := range w.shards {
		s := &w.shards[i]
		s.mu.Lock()
		for sec, c := range s.seconds {
			if sec < cutoff {
				continue
			}
			out.Total += c.total
			out.Success += c.success
			out.Failed += c.failed
			out.RateLimited += c.rateLimited
			durationSum += c.durationMs
		}
		s.mu.Unlock()
	}

	out.RequestsPerSecond = float64(out.Total) / windowSeconds
	if out.Total > 0 {
		out.AvgLatencyMs = durationSum / float64(out.Total)
	}
	return out
}
