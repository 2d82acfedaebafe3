package ratelimit

import (
	"testing"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/requestctx"
)

func TestBypassCIDR(t *testing.T) {
	b, err := NewBypassChecker(config.BypassConfig{IPs: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("NewBypassChecker: %v", err)
	}

	rc := reqCtx("/api", "GET")
	rc.IP = "10.1.2.3"
	if d := b.Check(rc); !d.Bypassed || d.Reason != BypassReasonIP {
		t.Errorf("10.1.2.3: %+v, want ip bypass", d)
	}

	rc.IP = "11.1.2.3"
	if d := b.Check(rc); d.Bypassed {
		t.Errorf("11.1.2.3 should not bypass, got %+v", d)
	}
}

func TestBypassInternalToggle(t *testing.T) {
	rc := reqCtx("/api", "GET")
	rc.IP = "127.0.0.1"

	off, _ := NewBypassChecker(config.BypassConfig{})
	if d := off.Check(rc); d.Bypassed {
		t.Error("loopback should not bypass with allow_internal off")
	}

	on, _ := NewBypassChecker(config.BypassConfig{AllowInternal: true})
	if d := on.Check(rc); !d.Bypassed || d.Reason != BypassReasonInternal {
		t.Errorf("loopback: %+v, want internal bypass", d)
	}

	for _, ip := range []string{"192.168.1.10", "172.16.9.9", "::1", "fc00::1"} {
		rc.IP = ip
		if d := on.Check(rc); !d.Bypassed {
			t.Errorf("%s should be internal", ip)
		}
	}

	rc.IP = "8.8.8.8"
	if d := on.Check(rc); d.Bypassed {
		t.Error("public IP should not be internal")
	}
}

func TestBypassUserAndAPIKey(t *testing.T) {
	b, _ := NewBypassChecker(config.BypassConfig{
		UserIDs:        []string{"svc-monitor"},
		APIKeyPatterns: []string{"internal-*"},
	})

	rc := reqCtx("/api", "GET")
	rc.UserID = "svc-monitor"
	if d := b.Check(rc); !d.Bypassed || d.Reason != BypassReasonUser {
		t.Errorf("user bypass: %+v", d)
	}

	rc.UserID = ""
	rc.APIKey = "internal-deploy-key"
	d := b.Check(rc)
	if !d.Bypassed || d.Reason != BypassReasonAPIKey {
		t.Errorf("api key bypass: %+v", d)
	}
	// Detail must never leak the full key
	if len(d.Detail) > 8 {
		t.Errorf("detail %q leaks more than 8 chars of the key", d.Detail)
	}
}

func TestBypassPathGlob(t *testing.T) {
	b, _ := NewBypassChecker(config.BypassConfig{Paths: []string{"/health/**", "/metrics"}})

	for path, want := range map[string]bool{
		"/health/live":  true,
		"/health/ready": true,
		"/metrics":      true,
		"/api/users":    false,
	} {
		rc := reqCtx(path, "GET")
		if d := b.Check(rc); d.Bypassed != want {
			t.Errorf("path %s: bypassed=%v, want %v", path, d.Bypassed, want)
		}
	}
}

func TestBypassOrderIPFirst(t *testing.T) {
	// A caller matching several lists reports the first check that hit
	b, _ := NewBypassChecker(config.BypassConfig{
		IPs:     []string{"10.0.0.0/8"},
		UserIDs: []string{"alice"},
	})

	rc := reqCtx("/api", "GET")
	rc.IP = "10.0.0.1"
	rc.UserID = "alice"
	if d := b.Check(rc); d.Reason != BypassReasonIP {
		t.Errorf("reason = %s, want ip (checked first)", d.Reason)
	}
}

func TestBypassRejectsBadConfig(t *testing.T) {
	if _, err := NewBypassChecker(config.BypassConfig{IPs: []string{"bogus"}}); err == nil {
		t.Error("invalid IP should fail compilation")
	}
}

func TestBuildKeyStrategies(t *testing.T) {
	rc := &requestctx.Context{
		IP:     "1.2.3.4",
		UserID: "alice",
		APIKey: "supersecretkey",
		Tier:   requestctx.TierPro,
		Path:   "/api/users",
	}

	cases := []struct {
		strategy string
		want     string
	}{
		{KeyStrategyIP, "ip:1.2.3.4"},
		{KeyStrategyUser, "u:alice"},
		{KeyStrategyAPIKey, "k:supersec"},
		{KeyStrategyIPEndpoint, "ip:1.2.3.4:/api/users"},
		{KeyStrategyUserEndpoint, "u:alice:/api/users"},
		{KeyStrategyComposite, "u:alice:k:supersec:t:pro"},
	}
	for _, c := range cases {
		if got := BuildKey(c.strategy, rc, nil); got != c.want {
			t.Errorf("%s: key = %q, want %q", c.strategy, got, c.want)
		}
	}
}

func TestBuildKeyFallbacks(t *testing.T) {
	anon := &requestctx.Context{IP: "1.2.3.4", Tier: requestctx.TierAnonymous, Path: "/p"}

	if got := BuildKey(KeyStrategyUser, anon, nil); got != "ip:1.2.3.4" {
		t.Errorf("user strategy without user = %q, want ip fallback", got)
	}
	if got := BuildKey(KeyStrategyAPIKey, anon, nil); got != "ip:1.2.3.4" {
		t.Errorf("api-key strategy without key = %q, want ip fallback", got)
	}
	if got := BuildKey(KeyStrategyComposite, anon, nil); got != "ip:1.2.3.4:t:anonymous" {
		t.Errorf("composite anonymous = %q", got)
	}
}

func TestBuildKeyRulePrefix(t *testing.T) {
	rc := &requestctx.Context{IP: "1.2.3.4", Tier: requestctx.TierFree}
	rule := &Rule{ID: "rule42"}

	got := BuildKey(KeyStrategyIP, rc, rule)
	if got != "rule42:ip:1.2.3.4" {
		t.Errorf("key = %q, want rule42 prefix isolating rule counters", got)
	}
}
