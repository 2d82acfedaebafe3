package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// ErrDisabled is returned when no database is configured. Callers
// fall back to in-memory data.
var ErrDisabled = errors.New("store: disabled")

// Store persists time-series metrics and alert state in Postgres.
// A nil *Store is valid and reports disabled, mirroring the KV
// client's disabled mode.
type Store struct {
	pool            *pgxpool.Pool
	queryTimeout    time.Duration
	retentionDays   int
	cleanupInterval time.Duration
}

// New connects the pool and ensures the schema exists. An empty URL
// returns (nil, nil): persistence disabled.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	s := &Store{
		pool:            pool,
		queryTimeout:    queryTimeout,
		retentionDays:   retentionDays,
		cleanupInterval: cleanupInterval,
	}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logging.Info("metrics store connected",
		zap.Int("maxConns", int(poolCfg.MaxConns)),
		zap.Int("retentionDays", retentionDays))
	return s, nil
}

// Enabled reports whether persistence is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.pool != nil
}

// Close drains the pool.
func (s *Store) Close() {
	if s.Enabled() {
		s.pool.Close()
	}
}

// Healthy pings the database, used by the gateway health endpoint.
func (s *Store) Healthy(ctx context.Context) bool {
	if !s.Enabled() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS request_metrics (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status_code INT NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL,
		bytes_in BIGINT NOT NULL DEFAULT 0,
		bytes_out BIGINT NOT NULL DEFAULT 0,
		backend TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT '',
		rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
		request_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_metrics_timestamp ON request_metrics (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_request_metrics_path ON request_metrics (path)`,
	`CREATE INDEX IF NOT EXISTS idx_request_metrics_status ON request_metrics (status_code)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_metrics (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		key TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		rule_id TEXT NOT NULL DEFAULT '',
		allowed BOOLEAN NOT NULL,
		remaining INT NOT NULL DEFAULT 0,
		limit_value INT NOT NULL DEFAULT 0,
		tier TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_metrics_timestamp ON rate_limit_metrics (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_metrics_rule ON rate_limit_metrics (rule_id)`,

	`CREATE TABLE IF NOT EXISTS backend_metrics (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		backend TEXT NOT NULL,
		status TEXT NOT NULL,
		healthy BOOLEAN NOT NULL,
		status_code INT NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backend_metrics_timestamp ON backend_metrics (timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_backend_metrics_backend ON backend_metrics (backend)`,

	`CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metric TEXT NOT NULL,
		condition TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		window_seconds BIGINT NOT NULL,
		severity TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		cooldown_seconds BIGINT NOT NULL DEFAULT 300,
		endpoint TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL DEFAULT '',
		channels TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		metric TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		condition TEXT NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		acknowledged_by TEXT NOT NULL DEFAULT '',
		resolved_at TIMESTAMPTZ,
		resolved_by TEXT NOT NULL DEFAULT '',
		resolve_note TEXT NOT NULL DEFAULT '',
		muted_until TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_started ON alerts (started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_active ON alerts (rule_id) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS alert_history (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history (alert_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_timestamp ON alert_history (timestamp DESC)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// RunRetention deletes rows older than the retention horizon on a
// fixed interval until the context is cancelled.
func (s *Store) RunRetention(ctx context.Context) {
	if !s.Enabled() {
		return
	}

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Store) cleanup(ctx context.Context) {
	horizon := time.Now().AddDate(0, 0, -s.retentionDays)

	for _, table := range []string{"request_metrics", "rate_limit_metrics", "backend_metrics", "alert_history"} {
		qctx, cancel := s.queryCtx(ctx)
		tag, err := s.pool.Exec(qctx, fmt.Sprintf("DELETE FROM %s WHERE timestamp < $1", table), horizon)
		cancel()
		if err != nil {
			logging.Error("retention cleanup failed", zap.String("table", table), zap.Error(err))
			continue
		}
		if tag.RowsAffected() > 0 {
			logging.Info("retention cleanup",
				zap.String("table", table),
				zap.Int64("rows", tag.RowsAffected()))
		}
	}

	// Resolved alerts age out on the same horizon
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	if _, err := s.pool.Exec(qctx,
		"DELETE FROM alerts WHERE status = 'resolved' AND resolved_at < $1", horizon); err != nil {
		logging.Error("retention cleanup failed", zap.String("table", "alerts"), zap.Error(err))
	}
}
