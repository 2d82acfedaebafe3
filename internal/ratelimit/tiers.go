package ratelimit

import (
	"sync"
	"time"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/requestctx"
)

// defaultTierLimits is the built-in tier table, applied when the
// config does not override a tier.
var defaultTierLimits = map[string]Limit{
	requestctx.TierAnonymous:  {Requests: 60, Window: time.Minute},
	requestctx.TierFree:       {Requests: 100, Window: time.Minute},
	requestctx.TierBasic:      {Requests: 500, Window: time.Minute},
	requestctx.TierPro:        {Requests: 2000, Window: time.Minute},
	requestctx.TierEnterprise: {Requests: 10000, Window: time.Minute},
	requestctx.TierUnlimited:  {Requests: 1000000, Window: time.Minute},
}

// TierTable resolves a tier name to its limit, overlaying configured
// overrides on the built-in defaults.
type TierTable struct {
	mu     sync.RWMutex
	limits map[string]Limit
}

// NewTierTable builds the tier table from config overrides.
func NewTierTable(overrides map[string]config.TierConfig) *TierTable {
	t := &TierTable{}
	t.Update(overrides)
	return t
}

// Update replaces the overrides, used on config reload.
func (t *TierTable) Update(overrides map[string]config.TierConfig) {
	limits := make(map[string]Limit, len(defaultTierLimits))
	for tier, l := range defaultTierLimits {
		limits[tier] = l
	}
	for tier, tc := range overrides {
		if !requestctx.ValidTier(tier) {
			continue
		}
		l := limits[tier]
		if tc.Requests > 0 {
			l.Requests = tc.Requests
		}
		if tc.Window > 0 {
			l.Window = tc.Window
		}
		if tc.Algorithm != "" {
			l.Algorithm = tc.Algorithm
		}
		limits[tier] = l
	}

	t.mu.Lock()
	t.limits = limits
	t.mu.Unlock()
}

// Resolve returns the limit for a tier; unknown tiers get the
// anonymous budget.
func (t *TierTable) Resolve(tier string) Limit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if l, ok := t.limits[tier]; ok {
		return l
	}
	return t.limits[requestctx.TierAnonymous]
}

// All returns a copy of the table for the admin API.
func (t *TierTable) All() map[string]Limit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Limit, len(t.limits))
	for k, v := range t.limits {
		out[k] = v
	}
	return out
}
