package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// Store is the persistence the manager needs. A nil Store keeps all
// state in memory only.
type Store interface {
	SaveAlertRule(ctx context.Context, r *Rule) error
	ListAlertRules(ctx context.Context) ([]*Rule, error)
	DeleteAlertRule(ctx context.Context, id string) error
	SaveAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, status string, limit int) ([]*Alert, error)
	OpenAlerts(ctx context.Context) ([]*Alert, error)
	AddAlertHistory(ctx context.Context, h *HistoryEntry) error
	AlertHistory(ctx context.Context, alertID string, limit int) ([]*HistoryEntry, error)
}

// MetricFunc samples one metric over a trailing window. The metrics
// collector provides it; keeping it a func type avoids a package
// cycle.
type MetricFunc func(ctx context.Context, metric string, window time.Duration, endpoint, backend string) (float64, error)

// Manager owns alert rules and open alerts: caches, the evaluation
// loop, and lifecycle operations.
type Manager struct {
	cfg      config.AlertsConfig
	store    Store
	metric   MetricFunc
	notifier *Notifier

	mu        sync.RWMutex
	rules     map[string]*Rule
	open      map[string]*Alert // by alert id, everything not resolved
	byRule    map[string]string // rule id -> open alert id
	lastFired map[string]time.Time

	// OnEvent, when set, receives every lifecycle transition. The
	// realtime hub broadcasts them.
	OnEvent func(action string, a *Alert)
}

// NewManager builds the manager. Call Load before Run.
func NewManager(cfg config.AlertsConfig, st Store, metric MetricFunc, notifier *Notifier) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		metric:    metric,
		notifier:  notifier,
		rules:     make(map[string]*Rule),
		open:      make(map[string]*Alert),
		byRule:    make(map[string]string),
		lastFired: make(map[string]time.Time),
	}
}

// Load warms the rule and open-alert caches from the store.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	rules, err := m.store.ListAlertRules(ctx)
	if err != nil {
		return fmt.Errorf("load alert rules: %w", err)
	}
	open, err := m.store.OpenAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load open alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	for _, a := range open {
		m.open[a.ID] = a
		m.byRule[a.RuleID] = a.ID
	}

	logging.Info("alert manager loaded",
		zap.Int("rules", len(rules)),
		zap.Int("openAlerts", len(open)))
	return nil
}

// Run drives the evaluation loop until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}

// Evaluate runs one pass over every enabled rule.
func (m *Manager) Evaluate(ctx context.Context) {
	m.sweepMuted(ctx)

	for _, rule := range m.Rules() {
		if !rule.Enabled {
			continue
		}
		value, err := m.metric(ctx, rule.Metric, rule.Window, rule.Endpoint, rule.Backend)
		if err != nil {
			logging.Debug("alert metric unavailable",
				zap.String("rule", rule.Name), zap.Error(err))
			continue
		}

		if rule.Met(value) {
			m.fire(ctx, rule, value)
		} else {
			m.autoResolve(ctx, rule, value)
		}
	}
}

// fire opens a new alert or refreshes the existing one.
func (m *Manager) fire(ctx context.Context, rule *Rule, value float64) {
	now := time.Now()

	m.mu.Lock()
	if alertID, ok := m.byRule[rule.ID]; ok {
		// Already firing: refresh the observed value
		a := m.open[alertID]
		a.Value = value
		a.UpdatedAt = now
		m.mu.Unlock()
		m.persistAlert(ctx, a)
		return
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = m.cfg.DefaultCooldown
	}
	if last, ok := m.lastFired[rule.ID]; ok && now.Sub(last) < cooldown {
		m.mu.Unlock()
		return
	}
	m.lastFired[rule.ID] = now

	a := &Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Metric:    rule.Metric,
		Value:     value,
		Threshold: rule.Threshold,
		Condition: rule.Condition,
		Severity:  rule.Severity,
		Status:    StatusActive,
		Message:   fmt.Sprintf("%s is %.4g (%s %.4g)", rule.Metric, value, rule.Condition, rule.Threshold),
		StartedAt: now,
		UpdatedAt: now,
	}
	m.open[a.ID] = a
	m.byRule[rule.ID] = a.ID
	m.mu.Unlock()

	m.persistAlert(ctx, a)
	m.history(ctx, a, "triggered", "", a.Message)
	if m.notifier != nil {
		m.notifier.Notify(ctx, a, rule.Channels)
	}
	m.emit("triggered", a)

	logging.Warn("alert triggered",
		zap.String("rule", rule.Name),
		zap.String("severity", rule.Severity),
		zap.Float64("value", value))
}

// autoResolve closes the open alert when the condition clears.
func (m *Manager) autoResolve(ctx context.Context, rule *Rule, value float64) {
	now := time.Now()

	m.mu.Lock()
	alertID, ok := m.byRule[rule.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	a := m.open[alertID]
	if a.Status == StatusMuted {
		// Muted alerts resolve silently only via the sweep
		m.mu.Unlock()
		return
	}
	a.Status = StatusResolved
	a.Value = value
	a.ResolvedAt = &now
	a.ResolveNote = "condition no longer met"
	a.UpdatedAt = now
	delete(m.open, alertID)
	delete(m.byRule, rule.ID)
	m.mu.Unlock()

	m.persistAlert(ctx, a)
	m.history(ctx, a, "auto_resolved", "", a.ResolveNote)
	m.emit("resolved", a)

	logging.Info("alert auto-resolved", zap.String("rule", rule.Name))
}

// sweepMuted reverts alerts whose mute window has expired.
func (m *Manager) sweepMuted(ctx context.Context) {
	now := time.Now()
	var expired []*Alert

	m.mu.Lock()
	for _, a := range m.open {
		if a.Status == StatusMuted && a.MutedUntil != nil && now.After(*a.MutedUntil) {
			a.Status = StatusActive
			a.MutedUntil = nil
			a.UpdatedAt = now
			expired = append(expired, a)
		}
	}
	m.mu.Unlock()

	for _, a := range expired {
		m.persistAlert(ctx, a)
		m.history(ctx, a, "unmuted", "", "mute expired")
		m.emit("unmuted", a)
	}
}

// Acknowledge marks an open alert as seen.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) (*Alert, error) {
	now := time.Now()

	m.mu.Lock()
	a, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("alert %s not found or already resolved", id)
	}
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &now
	a.AcknowledgedBy = by
	a.UpdatedAt = now
	m.mu.Unlock()

	m.persistAlert(ctx, a)
	m.history(ctx, a, "acknowledged", by, "")
	m.emit("acknowledged", a)
	return a, nil
}

// Resolve closes an alert manually. Resolved is terminal.
func (m *Manager) Resolve(ctx context.Context, id, by, note string) (*Alert, error) {
	now := time.Now()

	m.mu.Lock()
	a, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("alert %s not found or already resolved", id)
	}
	a.Status = StatusResolved
	a.ResolvedAt = &now
	a.ResolvedBy = by
	a.ResolveNote = note
	a.UpdatedAt = now
	delete(m.open, id)
	delete(m.byRule, a.RuleID)
	m.mu.Unlock()

	m.persistAlert(ctx, a)
	m.history(ctx, a, "resolved", by, note)
	m.emit("resolved", a)
	return a, nil
}

// Mute silences an alert until the given time.
func (m *Manager) Mute(ctx context.Context, id string, until time.Time) (*Alert, error) {
	if !until.After(time.Now()) {
		return nil, fmt.Errorf("mute deadline must be in the future")
	}

	m.mu.Lock()
	a, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("alert %s not found or already resolved", id)
	}
	a.Status = StatusMuted
	a.MutedUntil = &until
	a.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.persistAlert(ctx, a)
	m.history(ctx, a, "muted", "", "until "+until.Format(time.RFC3339))
	m.emit("muted", a)
	return a, nil
}

// SaveRule validates and stores a rule (create or update).
func (m *Manager) SaveRule(ctx context.Context, r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if r.ID == "" {
		r.ID = uuid.NewString()
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Cooldown <= 0 {
		r.Cooldown = m.cfg.DefaultCooldown
	}

	if m.store != nil {
		if err := m.store.SaveAlertRule(ctx, r); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.rules[r.ID] = r
	m.mu.Unlock()
	return nil
}

// DeleteRule removes a rule and resolves its open alert if any.
func (m *Manager) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.rules[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert rule %s not found", id)
	}
	delete(m.rules, id)
	alertID, hasAlert := m.byRule[id]
	m.mu.Unlock()

	if hasAlert {
		m.Resolve(ctx, alertID, "system", "rule deleted")
	}
	if m.store != nil {
		return m.store.DeleteAlertRule(ctx, id)
	}
	return nil
}

// Rules returns all rules sorted by creation time.
func (m *Manager) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Rule looks one rule up.
func (m *Manager) Rule(id string) (*Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	return r, ok
}

// Open returns the open alerts, newest first.
func (m *Manager) Open() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0, len(m.open))
	for _, a := range m.open {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// List returns alerts from the store; without one it falls back to
// the open cache.
func (m *Manager) List(ctx context.Context, status string, limit int) ([]*Alert, error) {
	if m.store == nil {
		open := m.Open()
		if status != "" {
			filtered := open[:0:0]
			for _, a := range open {
				if a.Status == status {
					filtered = append(filtered, a)
				}
			}
			return filtered, nil
		}
		return open, nil
	}
	return m.store.ListAlerts(ctx, status, limit)
}

// History returns lifecycle entries from the store.
func (m *Manager) History(ctx context.Context, alertID string, limit int) ([]*HistoryEntry, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.AlertHistory(ctx, alertID, limit)
}

func (m *Manager) persistAlert(ctx context.Context, a *Alert) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveAlert(ctx, a); err != nil {
		logging.Error("persist alert failed", zap.String("alert", a.ID), zap.Error(err))
	}
}

func (m *Manager) history(ctx context.Context, a *Alert, action, actor, note string) {
	if m.store == nil {
		return
	}
	h := &HistoryEntry{
		ID:        uuid.NewString(),
		AlertID:   a.ID,
		RuleID:    a.RuleID,
		Action:    action,
		Actor:     actor,
		Note:      note,
		Timestamp: time.Now(),
	}
	if err := m.store.AddAlertHistory(ctx, h); err != nil {
		logging.Error("persist alert history failed", zap.String("alert", a.ID), zap.Error(err))
	}
}

func (m *Manager) emit(action string, a *Alert) {
	if m.OnEvent != nil {
		m.OnEvent(action, a)
	}
}
