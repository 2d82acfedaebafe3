package requestctx

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// Subscription tiers, ordered by entitlement.
const (
	TierAnonymous  = "anonymous"
	TierFree       = "free"
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
	TierUnlimited  = "unlimited"
)

var validTiers = map[string]bool{
	TierAnonymous: true, TierFree: true, TierBasic: true,
	TierPro: true, TierEnterprise: true, TierUnlimited: true,
}

// ValidTier reports whether s names a known tier.
func ValidTier(s string) bool {
	return validTiers[s]
}

// Context is the per-request value object the rate limiter and metrics
// pipeline consume. Assembled once at request entry.
type Context struct {
	IP        string
	UserID    string
	APIKey    string
	Tier      string
	Path      string
	Method    string
	Headers   http.Header
	RequestID string
}

// Header performs a case-insensitive header lookup.
func (c *Context) Header(name string) string {
	if c.Headers == nil {
		return ""
	}
	return c.Headers.Get(name)
}

// Extractor assembles a Context from an inbound request. It resolves
// the client IP through the trusted-proxy chain and the caller's tier
// through identity headers and the configured mappings.
type Extractor struct {
	trustedNets []*net.IPNet

	userHeader   string
	tierHeader   string
	apiKeyHeader string

	mu          sync.RWMutex
	userTiers   map[string]string
	apiKeyTiers map[string]string
}

// Config configures an Extractor.
type Config struct {
	TrustedProxies []string // addresses or CIDR blocks
	UserHeader     string
	TierHeader     string
	APIKeyHeader   string
	UserTiers      map[string]string
	APIKeyTiers    map[string]string
}

// NewExtractor builds an Extractor. Invalid trusted-proxy entries are
// rejected here so misconfiguration fails at boot.
func NewExtractor(cfg Config) (*Extractor, error) {
	nets := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
	for _, cidr := range cfg.TrustedProxies {
		// Handle bare IPs by adding /32 or /128
		if !strings.Contains(cidr, "/") {
			ip := net.ParseIP(cidr)
			if ip == nil {
				return nil, &net.ParseError{Type: "IP address", Text: cidr}
			}
			if ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		nets = append(nets, ipNet)
	}

	e := &Extractor{
		trustedNets:  nets,
		userHeader:   cfg.UserHeader,
		tierHeader:   cfg.TierHeader,
		apiKeyHeader: cfg.APIKeyHeader,
		userTiers:    cfg.UserTiers,
		apiKeyTiers:  cfg.APIKeyTiers,
	}
	if e.userHeader == "" {
		e.userHeader = "X-User-ID"
	}
	if e.tierHeader == "" {
		e.tierHeader = "X-User-Tier"
	}
	if e.apiKeyHeader == "" {
		e.apiKeyHeader = "X-API-Key"
	}
	return e, nil
}

// UpdateTiers swaps the identity-to-tier mappings, used on config reload.
func (e *Extractor) UpdateTiers(userTiers, apiKeyTiers map[string]string) {
	e.mu.Lock()
	e.userTiers = userTiers
	e.apiKeyTiers = apiKeyTiers
	e.mu.Unlock()
}

// FromRequest assembles the request context. The request ID is taken
// from the X-Request-ID header, which the request-id middleware sets
// before the proxy pipeline runs.
func (e *Extractor) FromRequest(r *http.Request) *Context {
	userID := r.Header.Get(e.userHeader)
	apiKey := r.Header.Get(e.apiKeyHeader)

	return &Context{
		IP:        e.ClientIP(r),
		UserID:    userID,
		APIKey:    apiKey,
		Tier:      e.resolveTier(r.Header.Get(e.tierHeader), userID, apiKey),
		Path:      r.URL.Path,
		Method:    r.Method,
		Headers:   r.Header,
		RequestID: r.Header.Get("X-Request-ID"),
	}
}

// resolveTier resolves the caller's tier: explicit header, then the
// user mapping, then the key mapping. An authenticated caller with no
// mapping lands on free; everyone else is anonymous.
func (e *Extractor) resolveTier(explicit, userID, apiKey string) string {
	if explicit != "" && validTiers[explicit] {
		return explicit
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if userID != "" {
		if tier, ok := e.userTiers[userID]; ok && validTiers[tier] {
			return tier
		}
	}
	if apiKey != "" {
		if tier, ok := e.apiKeyTiers[apiKey]; ok && validTiers[tier] {
			return tier
		}
	}
	if userID != "" || apiKey != "" {
		return TierFree
	}
	return TierAnonymous
}

// ClientIP determines the real client IP. With trusted proxies
// configured it walks the X-Forwarded-For chain from right to left,
// skipping trusted hops; without them it falls back to first-XFF-entry
// behavior. IPv4-mapped IPv6 addresses are canonicalized.
func (e *Extractor) ClientIP(r *http.Request) string {
	remoteIP := extractHost(r.RemoteAddr)

	if len(e.trustedNets) == 0 {
		return CanonicalIP(e.legacyExtract(r, remoteIP))
	}

	// Only trust headers if RemoteAddr is from a trusted proxy
	if !e.isTrusted(remoteIP) {
		return CanonicalIP(remoteIP)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := e.walkXFF(xff); ip != "" {
			return CanonicalIP(ip)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return CanonicalIP(strings.TrimSpace(xri))
	}

	return CanonicalIP(remoteIP)
}

// walkXFF walks the X-Forwarded-For chain from right to left,
// returning the first IP that is NOT in the trusted proxy list.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if ip == "" {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}

	// All IPs in XFF were trusted; return the leftmost
	if len(parts) > 0 {
		return strings.TrimSpace(parts[0])
	}
	return ""
}

func (e *Extractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range e.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// legacyExtract is the behavior when no trusted proxies are configured.
func (e *Extractor) legacyExtract(r *http.Request, remoteIP string) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			if ip := strings.TrimSpace(ips[0]); ip != "" {
				return ip
			}
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return remoteIP
}

// CanonicalIP normalizes an IP string: IPv4-mapped IPv6 (::ffff:x)
// becomes dotted IPv4. Unparseable input is returned unchanged.
func CanonicalIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
