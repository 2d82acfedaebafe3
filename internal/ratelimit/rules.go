package ratelimit

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/requestctx"
)

// Endpoint match type weights. Exact beats prefix beats glob beats
// regex; path depth breaks ties between patterns of the same type.
const (
	scoreExact  = 100
	scorePrefix = 50
	scoreGlob   = 30
	scoreRegex  = 20

	scoreMethod = 10
	scoreTier   = 15
	scoreUser   = 25
	scoreIP     = 20
	scoreAPIKey = 20
	scoreHeader = 5

	// A rule with no predicates matches everything with this score.
	scoreCatchAll = 1
)

// Rule is a compiled rate-limit rule. Compilation happens once at load
// or reload so the hot path only evaluates predicates.
type Rule struct {
	ID       string
	Name     string
	Priority int
	Cooldown time.Duration

	Limit Limit

	endpoint     string
	endpointType string
	endpointRe   *regexp.Regexp
	methods      map[string]bool
	tiers        map[string]bool
	userIDs      map[string]bool
	ipNets       []*net.IPNet
	apiKeyGlobs  []string
	headers      map[string]string
}

// Limit is the effective budget a matched rule applies.
type Limit struct {
	Algorithm string
	Requests  int
	Window    time.Duration
}

// CompileRule builds a Rule from its configuration. Invalid patterns
// are rejected so a bad rule fails at load, not per request.
func CompileRule(rc config.RuleConfig) (*Rule, error) {
	r := &Rule{
		ID:       rc.ID,
		Name:     rc.Name,
		Priority: rc.Priority,
		Cooldown: rc.Cooldown,
		Limit: Limit{
			Algorithm: rc.Limit.Algorithm,
			Requests:  rc.Limit.Requests,
			Window:    rc.Limit.Window,
		},
	}

	m := rc.Match
	r.endpoint = m.Endpoint
	r.endpointType = m.EndpointMatchType
	if r.endpoint != "" && r.endpointType == "" {
		r.endpointType = "exact"
	}
	if r.endpointType == "regex" {
		re, err := regexp.Compile(m.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid endpoint regex: %w", rc.ID, err)
		}
		r.endpointRe = re
	}
	if r.endpointType == "glob" {
		if !doublestar.ValidatePattern(m.Endpoint) {
			return nil, fmt.Errorf("rule %s: invalid endpoint glob %q", rc.ID, m.Endpoint)
		}
	}

	r.methods = toUpperSet(m.Methods)
	r.tiers = toSet(m.Tiers)
	r.userIDs = toSet(m.UserIDs)

	for _, s := range m.IPs {
		ipNet, err := parseIPOrCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
		}
		r.ipNets = append(r.ipNets, ipNet)
	}

	for _, g := range m.APIKeys {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("rule %s: invalid api key glob %q", rc.ID, g)
		}
		r.apiKeyGlobs = append(r.apiKeyGlobs, g)
	}

	if len(m.Headers) > 0 {
		r.headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			r.headers[k] = v
		}
	}

	return r, nil
}

// Score evaluates the rule against a request context. Returns 0 when
// any predicate fails; a rule with no predicates scores 1 (catch-all).
func (r *Rule) Score(rctx *requestctx.Context) int {
	score := 0
	hasPredicate := false

	if r.endpoint != "" {
		hasPredicate = true
		s := r.scoreEndpoint(rctx.Path)
		if s == 0 {
			return 0
		}
		score += s
	}

	if len(r.methods) > 0 {
		hasPredicate = true
		if !r.methods[strings.ToUpper(rctx.Method)] {
			return 0
		}
		score += scoreMethod
	}

	if len(r.tiers) > 0 {
		hasPredicate = true
		if !r.tiers[rctx.Tier] {
			return 0
		}
		score += scoreTier
	}

	if len(r.userIDs) > 0 {
		hasPredicate = true
		if rctx.UserID == "" || !r.userIDs[rctx.UserID] {
			return 0
		}
		score += scoreUser
	}

	if len(r.ipNets) > 0 {
		hasPredicate = true
		ip := net.ParseIP(requestctx.CanonicalIP(rctx.IP))
		if ip == nil || !ipInAny(ip, r.ipNets) {
			return 0
		}
		score += scoreIP
	}

	if len(r.apiKeyGlobs) > 0 {
		hasPredicate = true
		if rctx.APIKey == "" || !matchAnyGlob(r.apiKeyGlobs, rctx.APIKey) {
			return 0
		}
		score += scoreAPIKey
	}

	if len(r.headers) > 0 {
		hasPredicate = true
		for name, want := range r.headers {
			if rctx.Header(name) != want {
				return 0
			}
			score += scoreHeader
		}
	}

	if !hasPredicate {
		return scoreCatchAll
	}
	return score
}

func (r *Rule) scoreEndpoint(path string) int {
	switch r.endpointType {
	case "exact":
		if path == r.endpoint {
			return scoreExact + pathDepth(path)
		}
	case "prefix":
		if strings.HasPrefix(path, r.endpoint) {
			return scorePrefix + pathDepth(r.endpoint)
		}
	case "glob":
		if ok, _ := doublestar.Match(r.endpoint, path); ok {
			return scoreGlob + pathDepth(r.endpoint)
		}
	case "regex":
		if r.endpointRe != nil && r.endpointRe.MatchString(path) {
			return scoreRegex + pathDepth(r.endpoint)
		}
	}
	return 0
}

// Matcher selects the single effective rule for a request: highest
// score wins, ties broken by priority (higher first). Deterministic
// for a fixed rule set and context.
type Matcher struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewMatcher compiles enabled rules into a matcher.
func NewMatcher(rcs []config.RuleConfig) (*Matcher, error) {
	m := &Matcher{}
	if err := m.Update(rcs); err != nil {
		return nil, err
	}
	return m, nil
}

// Update replaces the rule set atomically, used on config reload.
func (m *Matcher) Update(rcs []config.RuleConfig) error {
	rules := make([]*Rule, 0, len(rcs))
	for _, rc := range rcs {
		if !rc.IsEnabled() {
			continue
		}
		r, err := CompileRule(rc)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	// Pre-sort by priority so score ties resolve without a second pass
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	m.mu.Lock()
	m.rules = rules
	m.mu.Unlock()
	return nil
}

// Match returns the effective rule for the context, or nil.
func (m *Matcher) Match(rctx *requestctx.Context) *Rule {
	m.mu.RLock()
	rules := m.rules
	m.mu.RUnlock()

	var best *Rule
	bestScore := 0
	for _, r := range rules {
		s := r.Score(rctx)
		// Strict > keeps the earlier (higher priority) rule on ties
		if s > bestScore {
			best = r
			bestScore = s
		}
	}
	return best
}

// Rules returns the compiled rules for the admin API.
func (m *Matcher) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

func pathDepth(p string) int {
	return strings.Count(strings.Trim(p, "/"), "/") + 1
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[v] = true
	}
	return s
}

func toUpperSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	s := make(map[string]bool, len(vals))
	for _, v := range vals {
		s[strings.ToUpper(v)] = true
	}
	return s
}

func matchAnyGlob(globs []string, s string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, s); ok {
			return true
		}
	}
	return false
}

func ipInAny(ip net.IP, nets []*net.IPNet) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseIPOrCIDR accepts "10.0.0.0/8" or a bare address.
func parseIPOrCIDR(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", s)
		}
		if v4 := ip.To4(); v4 != nil {
			return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q", s)
	}
	return ipNet, nil
}
