package alerts

import (
	"fmt"
	"time"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert lifecycle states. Resolved is terminal.
const (
	StatusActive       = "active"
	StatusAcknowledged = "acknowledged"
	StatusResolved     = "resolved"
	StatusMuted        = "muted"
)

// Rule conditions.
const (
	ConditionGT  = "gt"
	ConditionGTE = "gte"
	ConditionLT  = "lt"
	ConditionLTE = "lte"
	ConditionEQ  = "eq"
	ConditionNE  = "ne"
)

// Metrics a rule can evaluate. The resolver maps these onto the
// collector's aggregates.
var ValidMetrics = map[string]bool{
	"request_rate":      true, // requests per second over the window
	"error_rate":        true, // fraction of 5xx+4xx, 0..1
	"avg_latency":       true, // milliseconds
	"p95_latency":       true,
	"p99_latency":       true,
	"rate_limited_rate": true, // fraction of requests denied
	"status_5xx_count":  true,
	"backend_error_rate": true, // failed probes fraction, needs Backend set
}

// Rule is one alert rule.
type Rule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Metric      string        `json:"metric"`
	Condition   string        `json:"condition"`
	Threshold   float64       `json:"threshold"`
	Window      time.Duration `json:"window"`
	Severity    string        `json:"severity"`
	Enabled     bool          `json:"enabled"`
	Cooldown    time.Duration `json:"cooldown"`
	Endpoint    string        `json:"endpoint,omitempty"` // scope to one path
	Backend     string        `json:"backend,omitempty"`  // scope to one backend
	Channels    []string      `json:"channels,omitempty"` // empty means all
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Validate rejects malformed rules with field-level messages.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !ValidMetrics[r.Metric] {
		return fmt.Errorf("unknown metric %q", r.Metric)
	}
	switch r.Condition {
	case ConditionGT, ConditionGTE, ConditionLT, ConditionLTE, ConditionEQ, ConditionNE:
	default:
		return fmt.Errorf("unknown condition %q", r.Condition)
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if r.Metric == "backend_error_rate" && r.Backend == "" {
		return fmt.Errorf("metric backend_error_rate requires a backend")
	}
	return nil
}

// Met reports whether a sampled value satisfies the rule condition.
func (r *Rule) Met(value float64) bool {
	switch r.Condition {
	case ConditionGT:
		return value > r.Threshold
	case ConditionGTE:
		return value >= r.Threshold
	case ConditionLT:
		return value < r.Threshold
	case ConditionLTE:
		return value <= r.Threshold
	case ConditionEQ:
		return value == r.Threshold
	case ConditionNE:
		return value != r.Threshold
	}
	return false
}

// Alert is one firing (or fired) alert instance.
type Alert struct {
	ID             string     `json:"id"`
	RuleID         string     `json:"ruleId"`
	RuleName       string     `json:"ruleName"`
	Metric         string     `json:"metric"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	Condition      string     `json:"condition"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	StartedAt      time.Time  `json:"startedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolveNote    string     `json:"resolveNote,omitempty"`
	MutedUntil     *time.Time `json:"mutedUntil,omitempty"`
}

// Open reports whether the alert still demands attention.
func (a *Alert) Open() bool {
	return a.Status != StatusResolved
}

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alertId"`
	RuleID    string    `json:"ruleId"`
	Action    string    `json:"action"` // triggered, acknowledged, resolved, auto_resolved, muted, unmuted
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
