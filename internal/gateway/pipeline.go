package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/aegisgw/aegis/internal/errors"
	"github.com/aegisgw/aegis/internal/logging"
	"github.com/aegisgw/aegis/internal/middleware"
	"github.com/aegisgw/aegis/internal/ratelimit"
	"github.com/aegisgw/aegis/internal/requestctx"
	"github.com/aegisgw/aegis/internal/router"
	"github.com/aegisgw/aegis/internal/store"
)

// Handler returns the proxy-listener handler: the middleware chain in
// front of the forwarding pipeline.
func (g *Gateway) Handler() http.Handler {
	b := middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLog())
	return b.Handler(http.HandlerFunc(g.proxyRequest))
}

// proxyRequest is the hot path: identity → rate limit → route →
// availability → forward → record.
func (g *Gateway) proxyRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rctx := g.extractor.FromRequest(r)

	// One config snapshot per request; Reload swaps the pointer.
	cfg := g.cfg.Load()

	g.collector.ActiveInc()
	defer g.collector.ActiveDec()

	if cfg.Server.ServerTiming {
		w = &timingWriter{ResponseWriter: w, start: start}
	}

	var decision ratelimit.Decision
	if cfg.RateLimit.Enabled {
		decision = g.limiter.Apply(r.Context(), rctx)
		if cfg.RateLimit.IncludeHeaders && !decision.Bypass.Bypassed {
			writeRateLimitHeaders(w, decision)
		}
		if !decision.Allowed {
			g.writeRateLimited(w, rctx.RequestID, cfg.RateLimit.ErrorMessage, decision)
			g.record(rctx, start, http.StatusTooManyRequests, 0, "", true)
			return
		}
	}

	path := router.NormalizePath(r.URL.Path)
	match := g.table.Match(path)
	if match == nil {
		g.writeError(w, gwerrors.ErrNoRoute, rctx.RequestID)
		g.record(rctx, start, http.StatusNotFound, 0, "", false)
		return
	}
	backend := match.Backend

	if !g.checker.IsHealthy(backend.Name) {
		g.writeError(w, gwerrors.ErrBackendUnhealthy, rctx.RequestID)
		g.record(rctx, start, http.StatusServiceUnavailable, 0, backend.Name, false)
		return
	}
	if !g.breakers.Available(backend.Name) {
		g.writeError(w, gwerrors.ErrCircuitOpen, rctx.RequestID)
		g.record(rctx, start, http.StatusServiceUnavailable, 0, backend.Name, false)
		return
	}

	outcome := g.forwarder.Forward(w, r, backend, rctx.IP)

	breaker := g.breakers.Get(backend.Name)
	status := outcome.StatusCode
	switch {
	case outcome.Err != nil:
		if breaker != nil {
			breaker.RecordFailure()
		}
		ge := gwerrors.ErrBadGateway
		if errors.Is(outcome.Err, context.DeadlineExceeded) {
			ge = gwerrors.ErrGatewayTimeout
		}
		g.writeError(w, ge, rctx.RequestID)
		status = ge.Status
		logging.Warn("backend request failed",
			zap.String("backend", backend.Name),
			zap.String("path", path),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(outcome.Err))
	case status >= 500:
		if breaker != nil {
			breaker.RecordFailure()
		}
	default:
		if breaker != nil {
			breaker.RecordSuccess()
		}
	}

	g.record(rctx, start, status, outcome.BytesOut, backend.Name, false)
}

// record feeds the telemetry pipeline and the ML aggregator.
func (g *Gateway) record(rctx *requestctx.Context, start time.Time, status int, bytesOut int64, backend string, rateLimited bool) {
	duration := time.Since(start)
	g.collector.RecordRequest(store.RequestMetric{
		Timestamp:   start,
		Method:      rctx.Method,
		Path:        rctx.Path,
		StatusCode:  status,
		DurationMs:  float64(duration.Microseconds()) / 1000,
		BytesOut:    bytesOut,
		Backend:     backend,
		IP:          rctx.IP,
		UserID:      rctx.UserID,
		Tier:        rctx.Tier,
		RateLimited: rateLimited,
		RequestID:   rctx.RequestID,
	})
	g.mlAgg.Record(rctx.Path, rctx.Method, status, duration, rateLimited)
}

func (g *Gateway) writeError(w http.ResponseWriter, ge *gwerrors.GatewayError, requestID string) {
	if requestID != "" {
		ge = ge.WithRequestID(requestID)
	}
	ge.WriteJSON(w)
}

// rateLimitedBody is the 429 response payload.
type rateLimitedBody struct {
	Error         string    `json:"error"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Limit         int       `json:"limit"`
	Remaining     int       `json:"remaining"`
	WindowSeconds int       `json:"windowSeconds"`
	RetryAfter    int       `json:"retryAfter"`
	ResetAt       time.Time `json:"resetAt"`
	RequestID     string    `json:"requestId,omitempty"`
}

func (g *Gateway) writeRateLimited(w http.ResponseWriter, requestID, message string, d ratelimit.Decision) {
	retryAfter := int(d.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	if message == "" {
		message = "Rate limit exceeded"
	}
	json.NewEncoder(w).Encode(rateLimitedBody{
		Error:         "Too Many Requests",
		Code:          gwerrors.CodeRateLimitExceeded,
		Message:       message,
		Limit:         d.Limit,
		Remaining:     d.Remaining,
		WindowSeconds: int(d.Window.Seconds()),
		RetryAfter:    retryAfter,
		ResetAt:       d.ResetAt,
		RequestID:     requestID,
	})
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// timingWriter injects a Server-Timing header at first write.
type timingWriter struct {
	http.ResponseWriter
	start   time.Time
	written bool
}

func (t *timingWriter) WriteHeader(status int) {
	if !t.written {
		t.written = true
		ms := float64(time.Since(t.start).Microseconds()) / 1000
		t.Header().Set("Server-Timing", fmt.Sprintf("total;dur=%.1f", ms))
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *timingWriter) Write(b []byte) (int, error) {
	if !t.written {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working through the wrapper.
func (t *timingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
