package ratelimit

import (
	"strings"

	"github.com/aegisgw/aegis/internal/requestctx"
)

// Key strategies. "composite" is the default: it isolates counters per
// subject, key prefix, and tier so a tier upgrade starts a fresh budget.
const (
	KeyStrategyIP           = "ip"
	KeyStrategyUser         = "user"
	KeyStrategyAPIKey       = "api-key"
	KeyStrategyIPEndpoint   = "ip-endpoint"
	KeyStrategyUserEndpoint = "user-endpoint"
	KeyStrategyComposite    = "composite"
)

// BuildKey derives the limiter key for a request. When a rule matched,
// its id is prefixed so rule-scoped counters stay isolated from global
// ones.
func BuildKey(strategy string, rctx *requestctx.Context, rule *Rule) string {
	var b strings.Builder
	if rule != nil {
		b.WriteString(rule.ID)
		b.WriteByte(':')
	}

	switch strategy {
	case KeyStrategyIP:
		b.WriteString("ip:")
		b.WriteString(rctx.IP)
	case KeyStrategyUser:
		// Anonymous callers fall back to the IP
		if rctx.UserID != "" {
			b.WriteString("u:")
			b.WriteString(rctx.UserID)
		} else {
			b.WriteString("ip:")
			b.WriteString(rctx.IP)
		}
	case KeyStrategyAPIKey:
		if rctx.APIKey != "" {
			b.WriteString("k:")
			b.WriteString(truncateKey(rctx.APIKey))
		} else {
			b.WriteString("ip:")
			b.WriteString(rctx.IP)
		}
	case KeyStrategyIPEndpoint:
		b.WriteString("ip:")
		b.WriteString(rctx.IP)
		b.WriteByte(':')
		b.WriteString(rctx.Path)
	case KeyStrategyUserEndpoint:
		if rctx.UserID != "" {
			b.WriteString("u:")
			b.WriteString(rctx.UserID)
		} else {
			b.WriteString("ip:")
			b.WriteString(rctx.IP)
		}
		b.WriteByte(':')
		b.WriteString(rctx.Path)
	default: // composite
		if rctx.UserID != "" {
			b.WriteString("u:")
			b.WriteString(rctx.UserID)
		} else {
			b.WriteString("ip:")
			b.WriteString(rctx.IP)
		}
		if rctx.APIKey != "" {
			b.WriteString(":k:")
			b.WriteString(truncateKey(rctx.APIKey))
		}
		b.WriteString(":t:")
		b.WriteString(rctx.Tier)
	}

	return b.String()
}
