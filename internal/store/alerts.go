package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisgw/aegis/internal/alerts"
)

// SaveAlertRule upserts a rule.
func (s *Store) SaveAlertRule(ctx context.Context, r *alerts.Rule) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_rules
			(id, name, description, metric, condition, threshold, window_seconds,
			 severity, enabled, cooldown_seconds, endpoint, backend, channels,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			metric = EXCLUDED.metric,
			condition = EXCLUDED.condition,
			threshold = EXCLUDED.threshold,
			window_seconds = EXCLUDED.window_seconds,
			severity = EXCLUDED.severity,
			enabled = EXCLUDED.enabled,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			endpoint = EXCLUDED.endpoint,
			backend = EXCLUDED.backend,
			channels = EXCLUDED.channels,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.Name, r.Description, r.Metric, r.Condition, r.Threshold,
		int64(r.Window.Seconds()), r.Severity, r.Enabled, int64(r.Cooldown.Seconds()),
		r.Endpoint, r.Backend, r.Channels, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: save alert rule: %w", err)
	}
	return nil
}

// ListAlertRules loads every rule.
func (s *Store) ListAlertRules(ctx context.Context) ([]*alerts.Rule, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, metric, condition, threshold, window_seconds,
		       severity, enabled, cooldown_seconds, endpoint, backend, channels,
		       created_at, updated_at
		FROM alert_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list alert rules: %w", err)
	}
	defer rows.Close()

	var out []*alerts.Rule
	for rows.Next() {
		r := &alerts.Rule{}
		var windowSecs, cooldownSecs int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Metric, &r.Condition,
			&r.Threshold, &windowSecs, &r.Severity, &r.Enabled, &cooldownSecs,
			&r.Endpoint, &r.Backend, &r.Channels, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: list alert rules: %w", err)
		}
		r.Window = time.Duration(windowSecs) * time.Second
		r.Cooldown = time.Duration(cooldownSecs) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteAlertRule removes a rule by id.
func (s *Store) DeleteAlertRule(ctx context.Context, id string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, "DELETE FROM alert_rules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("store: delete alert rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: alert rule %s not found", id)
	}
	return nil
}

// SaveAlert upserts an alert instance.
func (s *Store) SaveAlert(ctx context.Context, a *alerts.Alert) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts
			(id, rule_id, rule_name, metric, value, threshold, condition, severity,
			 status, message, started_at, updated_at, acknowledged_at, acknowledged_by,
			 resolved_at, resolved_by, resolve_note, muted_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			value = EXCLUDED.value,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			updated_at = EXCLUDED.updated_at,
			acknowledged_at = EXCLUDED.acknowledged_at,
			acknowledged_by = EXCLUDED.acknowledged_by,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			resolve_note = EXCLUDED.resolve_note,
			muted_until = EXCLUDED.muted_until`,
		a.ID, a.RuleID, a.RuleName, a.Metric, a.Value, a.Threshold, a.Condition,
		a.Severity, a.Status, a.Message, a.StartedAt, a.UpdatedAt,
		a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.ResolvedBy,
		a.ResolveNote, a.MutedUntil)
	if err != nil {
		return fmt.Errorf("store: save alert: %w", err)
	}
	return nil
}

// ListAlerts loads alerts, newest first. An empty status loads all.
func (s *Store) ListAlerts(ctx context.Context, status string, limit int) ([]*alerts.Alert, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, rule_name, metric, value, threshold, condition, severity,
		       status, message, started_at, updated_at, acknowledged_at, acknowledged_by,
		       resolved_at, resolved_by, resolve_note, muted_until
		FROM alerts
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer rows.Close()

	var out []*alerts.Alert
	for rows.Next() {
		a := &alerts.Alert{}
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.Metric, &a.Value,
			&a.Threshold, &a.Condition, &a.Severity, &a.Status, &a.Message,
			&a.StartedAt, &a.UpdatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy,
			&a.ResolvedAt, &a.ResolvedBy, &a.ResolveNote, &a.MutedUntil); err != nil {
			return nil, fmt.Errorf("store: list alerts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// OpenAlerts loads every non-resolved alert, for cache warm-up.
func (s *Store) OpenAlerts(ctx context.Context) ([]*alerts.Alert, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, rule_id, rule_name, metric, value, threshold, condition, severity,
		       status, message, started_at, updated_at, acknowledged_at, acknowledged_by,
		       resolved_at, resolved_by, resolve_note, muted_until
		FROM alerts
		WHERE status != 'resolved'
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: open alerts: %w", err)
	}
	defer rows.Close()

	var out []*alerts.Alert
	for rows.Next() {
		a := &alerts.Alert{}
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.Metric, &a.Value,
			&a.Threshold, &a.Condition, &a.Severity, &a.Status, &a.Message,
			&a.StartedAt, &a.UpdatedAt, &a.AcknowledgedAt, &a.AcknowledgedBy,
			&a.ResolvedAt, &a.ResolvedBy, &a.ResolveNote, &a.MutedUntil); err != nil {
			return nil, fmt.Errorf("store: open alerts: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AddAlertHistory appends one lifecycle entry.
func (s *Store) AddAlertHistory(ctx context.Context, h *alerts.HistoryEntry) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_history (id, alert_id, rule_id, action, actor, note, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		h.ID, h.AlertID, h.RuleID, h.Action, h.Actor, h.Note, h.Timestamp)
	if err != nil {
		return fmt.Errorf("store: add alert history: %w", err)
	}
	return nil
}

// AlertHistory loads lifecycle entries, newest first. An empty
// alertID loads across all alerts.
func (s *Store) AlertHistory(ctx context.Context, alertID string, limit int) ([]*alerts.HistoryEntry, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, alert_id, rule_id, action, actor, note, timestamp
		FROM alert_history
		WHERE ($1 = '' OR alert_id = $1)
		ORDER BY timestamp DESC
		LIMIT $2`,
		alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: alert history: %w", err)
	}
	defer rows.Close()

	var out []*alerts.HistoryEntry
	for rows.Next() {
		h := &alerts.HistoryEntry{}
		if err := rows.Scan(&h.ID, &h.AlertID, &h.RuleID, &h.Action, &h.Actor, &h.Note, &h.Timestamp); err != nil {
			return nil, fmt.Errorf("store: alert history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
