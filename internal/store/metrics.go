package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RequestMetric is one proxied request.
type RequestMetric struct {
	Timestamp   time.Time
	Method      string
	Path        string
	StatusCode  int
	DurationMs  float64
	BytesIn     int64
	BytesOut    int64
	Backend     string
	IP          string
	UserID      string
	Tier        string
	RateLimited bool
	RequestID   string
}

// RateLimitMetric is one limiter decision.
type RateLimitMetric struct {
	Timestamp time.Time
	Key       string
	Algorithm string
	RuleID    string
	Allowed   bool
	Remaining int
	Limit     int
	Tier      string
	Path      string
}

// BackendMetric is one health probe outcome.
type BackendMetric struct {
	Timestamp      time.Time
	Backend        string
	Status         string
	Healthy        bool
	StatusCode     int
	ResponseTimeMs int64
	Error          string
}

// InsertRequestMetrics writes a batch in one round trip.
func (s *Store) InsertRequestMetrics(ctx context.Context, metrics []RequestMetric) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(`INSERT INTO request_metrics
			(timestamp, method, path, status_code, duration_ms, bytes_in, bytes_out,
			 backend, ip, user_id, tier, rate_limited, request_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			m.Timestamp, m.Method, m.Path, m.StatusCode, m.DurationMs, m.BytesIn, m.BytesOut,
			m.Backend, m.IP, m.UserID, m.Tier, m.RateLimited, m.RequestID)
	}
	return s.sendBatch(ctx, batch)
}

// InsertRateLimitMetrics writes a batch in one round trip.
func (s *Store) InsertRateLimitMetrics(ctx context.Context, metrics []RateLimitMetric) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(`INSERT INTO rate_limit_metrics
			(timestamp, key, algorithm, rule_id, allowed, remaining, limit_value, tier, path)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			m.Timestamp, m.Key, m.Algorithm, m.RuleID, m.Allowed, m.Remaining, m.Limit, m.Tier, m.Path)
	}
	return s.sendBatch(ctx, batch)
}

// InsertBackendMetrics writes a batch in one round trip.
func (s *Store) InsertBackendMetrics(ctx context.Context, metrics []BackendMetric) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(`INSERT INTO backend_metrics
			(timestamp, backend, status, healthy, status_code, response_time_ms, error)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			m.Timestamp, m.Backend, m.Status, m.Healthy, m.StatusCode, m.ResponseTimeMs, m.Error)
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: batch insert %d/%d: %w", i+1, batch.Len(), err)
		}
	}
	return nil
}
