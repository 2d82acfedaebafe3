package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/requestctx"
)

func testLimiter(t *testing.T, cfg config.RateLimitConfig) *Limiter {
	t.Helper()
	l, err := New(cfg, testKV(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLimiterTierDefaults(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{Algorithm: AlgorithmFixedWindow})

	table := l.Tiers()
	want := map[string]int{
		requestctx.TierAnonymous:  60,
		requestctx.TierFree:       100,
		requestctx.TierBasic:      500,
		requestctx.TierPro:        2000,
		requestctx.TierEnterprise: 10000,
		requestctx.TierUnlimited:  1000000,
	}
	for tier, requests := range want {
		if table[tier].Requests != requests {
			t.Errorf("tier %s: requests = %d, want %d", tier, table[tier].Requests, requests)
		}
	}
}

func TestLimiterAppliesTierBudget(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{
		Algorithm: AlgorithmFixedWindow,
		Tiers: map[string]config.TierConfig{
			"free": {Requests: 2, Window: time.Minute},
		},
	})
	ctx := context.Background()

	rc := reqCtx("/api", "GET")
	rc.Tier = requestctx.TierFree

	for i := 0; i < 2; i++ {
		if d := l.Apply(ctx, rc); !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	d := l.Apply(ctx, rc)
	if d.Allowed {
		t.Error("3rd request should exceed the free tier budget")
	}
	if d.Limit != 2 {
		t.Errorf("limit = %d, want tier limit 2", d.Limit)
	}
	if d.RetryAfter <= 0 {
		t.Errorf("retryAfter = %v, want > 0 on denial", d.RetryAfter)
	}
}

func TestLimiterRuleOverridesTier(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{
		Algorithm: AlgorithmFixedWindow,
		Rules: []config.RuleConfig{{
			ID:    "expensive",
			Match: config.RuleMatchConfig{Endpoint: "/api/export", EndpointMatchType: "exact"},
			Limit: config.RuleLimitConfig{Requests: 1, Window: time.Minute},
		}},
	})
	ctx := context.Background()

	rc := reqCtx("/api/export", "GET")
	rc.Tier = requestctx.TierEnterprise // tier allows 10000/min

	if d := l.Apply(ctx, rc); !d.Allowed {
		t.Fatal("first request should be allowed")
	}
	d := l.Apply(ctx, rc)
	if d.Allowed {
		t.Error("rule budget of 1 should override the enterprise tier")
	}
	if d.Rule == nil || d.Rule.ID != "expensive" {
		t.Errorf("decision rule = %v, want expensive", d.Rule)
	}
}

func TestLimiterRuleScopedKeys(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{
		Algorithm:   AlgorithmFixedWindow,
		KeyStrategy: KeyStrategyIP,
		Rules: []config.RuleConfig{{
			ID:    "r1",
			Match: config.RuleMatchConfig{Endpoint: "/limited", EndpointMatchType: "exact"},
			Limit: config.RuleLimitConfig{Requests: 1, Window: time.Minute},
		}},
	})
	ctx := context.Background()

	// Exhaust the rule-scoped counter
	limited := reqCtx("/limited", "GET")
	l.Apply(ctx, limited)
	if d := l.Apply(ctx, limited); d.Allowed {
		t.Fatal("rule budget exhausted")
	}

	// The same IP on an unmatched path uses the global counter
	other := reqCtx("/other", "GET")
	if d := l.Apply(ctx, other); !d.Allowed {
		t.Error("global counter should be isolated from the rule-scoped one")
	}
}

func TestLimiterBypassShortCircuits(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{
		Algorithm: AlgorithmFixedWindow,
		Bypass:    config.BypassConfig{IPs: []string{"10.0.0.0/8"}},
		Tiers: map[string]config.TierConfig{
			"anonymous": {Requests: 1, Window: time.Minute},
		},
	})
	ctx := context.Background()

	rc := reqCtx("/api", "GET")
	rc.IP = "10.9.9.9"

	for i := 0; i < 5; i++ {
		d := l.Apply(ctx, rc)
		if !d.Allowed {
			t.Fatalf("request %d: bypassed caller was denied", i)
		}
		if !d.Bypass.Bypassed {
			t.Fatalf("request %d: decision not marked bypassed", i)
		}
	}
}

func TestLimiterUnknownAlgorithmFallsBack(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{
		Algorithm: AlgorithmFixedWindow,
		Rules: []config.RuleConfig{{
			ID:    "odd",
			Match: config.RuleMatchConfig{Endpoint: "/odd", EndpointMatchType: "exact"},
			Limit: config.RuleLimitConfig{Algorithm: "leaky_bucket", Requests: 3, Window: time.Minute},
		}},
	})
	ctx := context.Background()

	d := l.Apply(ctx, reqCtx("/odd", "GET"))
	if !d.Allowed {
		t.Fatal("request should be allowed")
	}
	if d.Algorithm != AlgorithmFixedWindow {
		t.Errorf("algorithm = %s, want fall back to configured default", d.Algorithm)
	}
}

func TestLimiterOnDecisionCallback(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{Algorithm: AlgorithmFixedWindow})

	var got []Decision
	l.OnDecision = func(rctx *requestctx.Context, d Decision) {
		got = append(got, d)
	}

	l.Apply(context.Background(), reqCtx("/cb", "GET"))
	if len(got) != 1 {
		t.Fatalf("callback invoked %d times, want 1", len(got))
	}
	if got[0].Key == "" || got[0].Algorithm == "" {
		t.Errorf("decision missing key/algorithm: %+v", got[0])
	}
}

func TestLimiterReload(t *testing.T) {
	l := testLimiter(t, config.RateLimitConfig{Algorithm: AlgorithmFixedWindow})
	ctx := context.Background()

	rc := reqCtx("/reload", "GET")
	if d := l.Apply(ctx, rc); d.Rule != nil {
		t.Fatal("no rules loaded yet")
	}

	err := l.UpdateRules([]config.RuleConfig{{
		ID:    "hot",
		Match: config.RuleMatchConfig{Endpoint: "/reload", EndpointMatchType: "exact"},
		Limit: config.RuleLimitConfig{Requests: 5, Window: time.Minute},
	}})
	if err != nil {
		t.Fatalf("UpdateRules: %v", err)
	}

	if d := l.Apply(ctx, rc); d.Rule == nil || d.Rule.ID != "hot" {
		t.Error("reloaded rule should match")
	}

	if err := l.UpdateBypass(config.BypassConfig{IPs: []string{"203.0.113.0/24"}}); err != nil {
		t.Fatalf("UpdateBypass: %v", err)
	}
	if d := l.Apply(ctx, rc); !d.Bypass.Bypassed {
		t.Error("reloaded bypass list should exempt the caller")
	}
}

func TestLimiterFailOpenEndToEnd(t *testing.T) {
	l, err := New(config.RateLimitConfig{Algorithm: AlgorithmTokenBucket}, deadKV(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d := l.Apply(context.Background(), reqCtx("/down", "GET"))
	if !d.Allowed || !d.FailOpen {
		t.Errorf("allowed=%v failOpen=%v, want true/true with store down", d.Allowed, d.FailOpen)
	}
}
