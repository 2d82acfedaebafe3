package store

import (
	"context"
	"fmt"
	"time"
)

// Overview aggregates a time range into the dashboard headline
// numbers.
type Overview struct {
	TotalRequests     int64   `json:"totalRequests"`
	SuccessRequests   int64   `json:"successRequests"`
	FailedRequests    int64   `json:"failedRequests"`
	RateLimited       int64   `json:"rateLimited"`
	AvgLatencyMs      float64 `json:"avgLatencyMs"`
	P95LatencyMs      float64 `json:"p95LatencyMs"`
	ErrorRate         float64 `json:"errorRate"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
}

// TimePoint is one bucket of a time series.
type TimePoint struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
}

// LatencyPoint is one bucket of the latency percentile series.
type LatencyPoint struct {
	Bucket time.Time `json:"bucket"`
	P50    float64   `json:"p50"`
	P95    float64   `json:"p95"`
	P99    float64   `json:"p99"`
}

// StatusCount is one status code's share of a range.
type StatusCount struct {
	StatusCode int   `json:"statusCode"`
	Count      int64 `json:"count"`
}

// EndpointStat aggregates one path over a range.
type EndpointStat struct {
	Path         string  `json:"path"`
	Count        int64   `json:"count"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	P95LatencyMs float64 `json:"p95LatencyMs"`
	ErrorRate    float64 `json:"errorRate"`
	RateLimited  int64   `json:"rateLimited"`
}

// QueryOverview aggregates the range into headline numbers.
func (s *Store) QueryOverview(ctx context.Context, start, end time.Time) (*Overview, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	o := &Overview{}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status_code < 400),
		       count(*) FILTER (WHERE status_code >= 400),
		       count(*) FILTER (WHERE rate_limited),
		       COALESCE(avg(duration_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM request_metrics
		WHERE timestamp >= $1 AND timestamp < $2`,
		start, end,
	).Scan(&o.TotalRequests, &o.SuccessRequests, &o.FailedRequests, &o.RateLimited,
		&o.AvgLatencyMs, &o.P95LatencyMs)
	if err != nil {
		return nil, fmt.Errorf("store: overview: %w", err)
	}

	if o.TotalRequests > 0 {
		var errored int64
		err = s.pool.QueryRow(ctx, `
			SELECT count(*) FILTER (WHERE status_code >= 500)
			FROM request_metrics
			WHERE timestamp >= $1 AND timestamp < $2`,
			start, end,
		).Scan(&errored)
		if err != nil {
			return nil, fmt.Errorf("store: overview: %w", err)
		}
		o.ErrorRate = float64(errored) / float64(o.TotalRequests)
	}
	if secs := end.Sub(start).Seconds(); secs > 0 {
		o.RequestsPerSecond = float64(o.TotalRequests) / secs
	}
	return o, nil
}

// QueryRequestRate returns requests per second per bucket.
func (s *Store) QueryRequestRate(ctx context.Context, start, end time.Time, bucket time.Duration) ([]TimePoint, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT date_bin($1, timestamp, TIMESTAMPTZ 'epoch') AS bucket, count(*)
		FROM request_metrics
		WHERE timestamp >= $2 AND timestamp < $3
		GROUP BY bucket ORDER BY bucket`,
		bucket, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: request rate: %w", err)
	}
	defer rows.Close()

	var out []TimePoint
	secs := bucket.Seconds()
	for rows.Next() {
		var p TimePoint
		var count int64
		if err := rows.Scan(&p.Bucket, &count); err != nil {
			return nil, fmt.Errorf("store: request rate: %w", err)
		}
		p.Value = float64(count) / secs
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryLatencyPercentiles returns p50/p95/p99 latency per bucket.
func (s *Store) QueryLatencyPercentiles(ctx context.Context, start, end time.Time, bucket time.Duration) ([]LatencyPoint, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT date_bin($1, timestamp, TIMESTAMPTZ 'epoch') AS bucket,
		       COALESCE(percentile_cont(0.5)  WITHIN GROUP (ORDER BY duration_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
		       COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM request_metrics
		WHERE timestamp >= $2 AND timestamp < $3
		GROUP BY bucket ORDER BY bucket`,
		bucket, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: latency percentiles: %w", err)
	}
	defer rows.Close()

	var out []LatencyPoint
	for rows.Next() {
		var p LatencyPoint
		if err := rows.Scan(&p.Bucket, &p.P50, &p.P95, &p.P99); err != nil {
			return nil, fmt.Errorf("store: latency percentiles: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryErrorRate returns the 5xx fraction per bucket.
func (s *Store) QueryErrorRate(ctx context.Context, start, end time.Time, bucket time.Duration) ([]TimePoint, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT date_bin($1, timestamp, TIMESTAMPTZ 'epoch') AS bucket,
		       count(*) FILTER (WHERE status_code >= 500)::float8 / count(*)::float8
		FROM request_metrics
		WHERE timestamp >= $2 AND timestamp < $3
		GROUP BY bucket ORDER BY bucket`,
		bucket, start, end)
	if err != nil {
		return nil, fmt.Errorf("store: error rate: %w", err)
	}
	defer rows.Close()

	var out []TimePoint
	for rows.Next() {
		var p TimePoint
		if err := rows.Scan(&p.Bucket, &p.Value); err != nil {
			return nil, fmt.Errorf("store: error rate: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// QueryStatusDistribution returns request counts per status code.
func (s *Store) QueryStatusDistribution(ctx context.Context, start, end time.Time) ([]StatusCount, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT status_code, count(*)
		FROM request_metrics
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY status_code ORDER BY count(*) DESC`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("store: status distribution: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var c StatusCount
		if err := rows.Scan(&c.StatusCode, &c.Count); err != nil {
			return nil, fmt.Errorf("store: status distribution: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// QueryTopEndpoints returns the busiest paths in the range.
func (s *Store) QueryTopEndpoints(ctx context.Context, start, end time.Time, limit int) ([]EndpointStat, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT path,
		       count(*),
		       COALESCE(avg(duration_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
		       count(*) FILTER (WHERE status_code >= 500)::float8 / count(*)::float8,
		       count(*) FILTER (WHERE rate_limited)
		FROM request_metrics
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY path ORDER BY count(*) DESC
		LIMIT $3`,
		start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("store: top endpoints: %w", err)
	}
	defer rows.Close()

	var out []EndpointStat
	for rows.Next() {
		var e EndpointStat
		if err := rows.Scan(&e.Path, &e.Count, &e.AvgLatencyMs, &e.P95LatencyMs, &e.ErrorRate, &e.RateLimited); err != nil {
			return nil, fmt.Errorf("store: top endpoints: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryEndpointMetrics aggregates one path over the range.
func (s *Store) QueryEndpointMetrics(ctx context.Context, path string, start, end time.Time) (*EndpointStat, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	e := &EndpointStat{Path: path}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       COALESCE(avg(duration_ms), 0),
		       COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
		       CASE WHEN count(*) = 0 THEN 0
		            ELSE count(*) FILTER (WHERE status_code >= 500)::float8 / count(*)::float8 END,
		       count(*) FILTER (WHERE rate_limited)
		FROM request_metrics
		WHERE path = $1 AND timestamp >= $2 AND timestamp < $3`,
		path, start, end,
	).Scan(&e.Count, &e.AvgLatencyMs, &e.P95LatencyMs, &e.ErrorRate, &e.RateLimited)
	if err != nil {
		return nil, fmt.Errorf("store: endpoint metrics: %w", err)
	}
	return e, nil
}

// MetricValue samples one named metric over the trailing window, for
// the alert evaluator. endpoint and backend narrow the scope when
// set.
func (s *Store) MetricValue(ctx context.Context, metric string, window time.Duration, endpoint, backend string) (float64, error) {
	if !s.Enabled() {
		return 0, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	start := time.Now().Add(-window)
	pathFilter := "($2 = '' OR path = $2)"

	var value float64
	var err error
	switch metric {
	case "request_rate":
		var count int64
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&count)
		value = float64(count) / window.Seconds()
	case "error_rate":
		err = s.pool.QueryRow(ctx, `
			SELECT CASE WHEN count(*) = 0 THEN 0
			       ELSE count(*) FILTER (WHERE status_code >= 500)::float8 / count(*)::float8 END
			FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&value)
	case "avg_latency":
		err = s.pool.QueryRow(ctx,
			`SELECT COALESCE(avg(duration_ms), 0) FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&value)
	case "p95_latency":
		err = s.pool.QueryRow(ctx, `
			SELECT COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
			FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&value)
	case "p99_latency":
		err = s.pool.QueryRow(ctx, `
			SELECT COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms), 0)
			FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&value)
	case "rate_limited_rate":
		err = s.pool.QueryRow(ctx, `
			SELECT CASE WHEN count(*) = 0 THEN 0
			       ELSE count(*) FILTER (WHERE rate_limited)::float8 / count(*)::float8 END
			FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&value)
	case "status_5xx_count":
		var count int64
		err = s.pool.QueryRow(ctx,
			`SELECT count(*) FILTER (WHERE status_code >= 500) FROM request_metrics WHERE timestamp >= $1 AND `+pathFilter,
			start, endpoint).Scan(&count)
		value = float64(count)
	case "backend_error_rate":
		err = s.pool.QueryRow(ctx, `
			SELECT CASE WHEN count(*) = 0 THEN 0
			       ELSE count(*) FILTER (WHERE NOT healthy)::float8 / count(*)::float8 END
			FROM backend_metrics WHERE timestamp >= $1 AND backend = $2`,
			start, backend).Scan(&value)
	default:
		return 0, fmt.Errorf("store: unknown metric %q", metric)
	}
	if err != nil {
		return 0, fmt.Errorf("store: metric %s: %w", metric, err)
	}
	return value, nil
}
