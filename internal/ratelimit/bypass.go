package ratelimit

import (
	"fmt"
	"net"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/requestctx"
)

// Bypass reasons, surfaced in logs and rate-limit metrics.
const (
	BypassReasonIP       = "ip"
	BypassReasonInternal = "internal"
	BypassReasonUser     = "user"
	BypassReasonAPIKey   = "api-key"
	BypassReasonPath     = "path"
)

// internalNets covers loopback and private ranges for the
// allow-internal toggle.
var internalNets = mustParseNets(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
)

func mustParseNets(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, len(cidrs))
	for i, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets[i] = n
	}
	return nets
}

// BypassDecision reports why a request skipped rate limiting.
type BypassDecision struct {
	Bypassed bool   `json:"bypassed"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// BypassChecker exempts trusted callers before any rule matching runs.
// Check order: IP whitelist, internal ranges, user, API key, path.
type BypassChecker struct {
	mu            sync.RWMutex
	ipNets        []*net.IPNet
	allowInternal bool
	userIDs       map[string]bool
	apiKeyGlobs   []string
	pathGlobs     []string
}

// NewBypassChecker compiles the bypass lists.
func NewBypassChecker(bc config.BypassConfig) (*BypassChecker, error) {
	b := &BypassChecker{}
	if err := b.Update(bc); err != nil {
		return nil, err
	}
	return b, nil
}

// Update replaces the bypass lists atomically, used on config reload.
func (b *BypassChecker) Update(bc config.BypassConfig) error {
	var ipNets []*net.IPNet
	for _, s := range bc.IPs {
		n, err := parseIPOrCIDR(s)
		if err != nil {
			return fmt.Errorf("bypass: %w", err)
		}
		ipNets = append(ipNets, n)
	}
	for _, g := range bc.APIKeyPatterns {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("bypass: invalid api key glob %q", g)
		}
	}
	for _, g := range bc.Paths {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("bypass: invalid path glob %q", g)
		}
	}

	b.mu.Lock()
	b.ipNets = ipNets
	b.allowInternal = bc.AllowInternal
	b.userIDs = toSet(bc.UserIDs)
	b.apiKeyGlobs = append([]string(nil), bc.APIKeyPatterns...)
	b.pathGlobs = append([]string(nil), bc.Paths...)
	b.mu.Unlock()
	return nil
}

// Check returns the first matching exemption, if any.
func (b *BypassChecker) Check(rctx *requestctx.Context) BypassDecision {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ip := net.ParseIP(requestctx.CanonicalIP(rctx.IP))

	if ip != nil && ipInAny(ip, b.ipNets) {
		return BypassDecision{Bypassed: true, Reason: BypassReasonIP, Detail: rctx.IP}
	}
	if b.allowInternal && ip != nil && ipInAny(ip, internalNets) {
		return BypassDecision{Bypassed: true, Reason: BypassReasonInternal, Detail: rctx.IP}
	}
	if rctx.UserID != "" && b.userIDs[rctx.UserID] {
		return BypassDecision{Bypassed: true, Reason: BypassReasonUser, Detail: rctx.UserID}
	}
	if rctx.APIKey != "" && matchAnyGlob(b.apiKeyGlobs, rctx.APIKey) {
		return BypassDecision{Bypassed: true, Reason: BypassReasonAPIKey, Detail: truncateKey(rctx.APIKey)}
	}
	if matchAnyGlob(b.pathGlobs, rctx.Path) {
		return BypassDecision{Bypassed: true, Reason: BypassReasonPath, Detail: rctx.Path}
	}

	return BypassDecision{}
}

// truncateKey keeps the first 8 characters of an API key so logs never
// carry full credentials.
func truncateKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
