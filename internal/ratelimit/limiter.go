package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/kv"
	"github.com/aegisgw/aegis/internal/logging"
	"github.com/aegisgw/aegis/internal/requestctx"
)

// Decision is the full outcome of applying the limiter to a request:
// the algorithm result plus the rule and bypass context the proxy and
// metrics pipeline need.
type Decision struct {
	Result
	Key       string
	Algorithm string
	Rule      *Rule
	Bypass    BypassDecision
	Window    time.Duration
}

// Limiter orchestrates tier resolution, bypass, rule matching,
// algorithm dispatch and metrics. One instance serves all requests.
type Limiter struct {
	algorithms map[string]Algorithm
	defaultAlg string
	defaultLim Limit

	matcher *Matcher
	bypass  *BypassChecker
	tiers   *TierTable

	keyStrategy string
	kvClient    *kv.Client

	// OnDecision, when set, receives every non-bypassed decision.
	// The gateway wires this to the metrics collector.
	OnDecision func(rctx *requestctx.Context, d Decision)
}

// New builds the limiter facade from config. Rules and bypass lists
// are compiled here so misconfiguration fails at boot.
func New(cfg config.RateLimitConfig, client *kv.Client) (*Limiter, error) {
	matcher, err := NewMatcher(cfg.Rules)
	if err != nil {
		return nil, err
	}
	bypass, err := NewBypassChecker(cfg.Bypass)
	if err != nil {
		return nil, err
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = AlgorithmSlidingWindowCounter
	}
	window := cfg.DefaultWindow
	if window <= 0 {
		window = time.Minute
	}
	requests := cfg.DefaultRequests
	if requests <= 0 {
		requests = 60
	}
	strategy := cfg.KeyStrategy
	if strategy == "" {
		strategy = KeyStrategyComposite
	}

	return &Limiter{
		algorithms:  NewAlgorithms(client),
		defaultAlg:  alg,
		defaultLim:  Limit{Algorithm: alg, Requests: requests, Window: window},
		matcher:     matcher,
		bypass:      bypass,
		tiers:       NewTierTable(cfg.Tiers),
		keyStrategy: strategy,
		kvClient:    client,
	}, nil
}

// Apply runs the full limiter pipeline for one request. It never
// returns an error to the caller: internal failures fail open.
func (l *Limiter) Apply(ctx context.Context, rctx *requestctx.Context) Decision {
	start := time.Now()

	if bd := l.bypass.Check(rctx); bd.Bypassed {
		bypassTotal.WithLabelValues(bd.Reason).Inc()
		return Decision{
			Result: Result{Allowed: true},
			Bypass: bd,
		}
	}

	rule := l.matcher.Match(rctx)
	limit := l.effectiveLimit(rctx.Tier, rule)

	algName := limit.Algorithm
	alg, ok := l.algorithms[algName]
	if !ok {
		// Unknown algorithm in a rule falls back to the configured
		// default rather than guessing.
		if algName != "" {
			logging.Warn("unknown rate limit algorithm, using default",
				zap.String("algorithm", algName),
				zap.String("default", l.defaultAlg))
		}
		algName = l.defaultAlg
		alg = l.algorithms[algName]
	}

	key := BuildKey(l.keyStrategy, rctx, rule)
	res, err := alg.Check(ctx, key, limit.Requests, limit.Window, 1)
	if err != nil {
		// Defensive: algorithms fail open internally, but any
		// programming error must not take down the data plane.
		logging.Error("rate limit check failed", zap.Error(err), zap.String("key", key))
		res = Result{Allowed: true, Remaining: limit.Requests, Limit: limit.Requests, FailOpen: true}
	}

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	decisionsTotal.WithLabelValues(algName, rctx.Tier, outcome).Inc()
	checkDuration.WithLabelValues(algName).Observe(time.Since(start).Seconds())

	d := Decision{
		Result:    res,
		Key:       key,
		Algorithm: algName,
		Rule:      rule,
		Window:    limit.Window,
	}
	if l.OnDecision != nil {
		l.OnDecision(rctx, d)
	}
	return d
}

// effectiveLimit picks the budget: rule beats tier beats default.
func (l *Limiter) effectiveLimit(tier string, rule *Rule) Limit {
	if rule != nil && rule.Limit.Requests > 0 {
		limit := rule.Limit
		if limit.Window <= 0 {
			limit.Window = l.defaultLim.Window
		}
		if limit.Algorithm == "" {
			limit.Algorithm = l.defaultAlg
		}
		return limit
	}

	limit := l.tiers.Resolve(tier)
	if limit.Algorithm == "" {
		limit.Algorithm = l.defaultAlg
	}
	if limit.Requests <= 0 {
		limit = l.defaultLim
	}
	return limit
}

// Peek inspects one limiter key without mutating it.
func (l *Limiter) Peek(ctx context.Context, algorithm, key string, limit int, window time.Duration) (*State, error) {
	alg, ok := l.algorithms[algorithm]
	if !ok {
		alg = l.algorithms[l.defaultAlg]
	}
	return alg.Peek(ctx, key, limit, window)
}

// ResetKey clears one limiter key across all algorithms. Operator
// escape hatch on the admin API.
func (l *Limiter) ResetKey(ctx context.Context, key string) error {
	var firstErr error
	for _, alg := range l.algorithms {
		if err := alg.Reset(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// UpdateRules swaps the rule set, used on config reload.
func (l *Limiter) UpdateRules(rcs []config.RuleConfig) error {
	return l.matcher.Update(rcs)
}

// UpdateBypass swaps the bypass lists, used on config reload.
func (l *Limiter) UpdateBypass(bc config.BypassConfig) error {
	return l.bypass.Update(bc)
}

// UpdateTiers swaps the tier table, used on config reload.
func (l *Limiter) UpdateTiers(overrides map[string]config.TierConfig) {
	l.tiers.Update(overrides)
}

// Rules exposes the compiled rules for the admin API.
func (l *Limiter) Rules() []*Rule {
	return l.matcher.Rules()
}

// Tiers exposes the tier table for the admin API.
func (l *Limiter) Tiers() map[string]Limit {
	return l.tiers.All()
}
