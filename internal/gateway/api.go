package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisgw/aegis/internal/alerts"
	gwerrors "github.com/aegisgw/aegis/internal/errors"
	"github.com/aegisgw/aegis/internal/metrics"
	"github.com/aegisgw/aegis/internal/middleware"
	"github.com/aegisgw/aegis/internal/mlclient"
)

// APIHandler returns the admin-listener handler: the REST surface,
// the Prometheus endpoint and the realtime hub.
func (g *Gateway) APIHandler() http.Handler {
	cfg := g.cfg.Load()
	r := httprouter.New()

	// Metrics queries
	r.HandlerFunc(http.MethodGet, "/api/metrics/overview", g.handleOverview)
	r.HandlerFunc(http.MethodGet, "/api/metrics/requests", g.handleRequestRate)
	r.HandlerFunc(http.MethodGet, "/api/metrics/latency", g.handleLatency)
	r.HandlerFunc(http.MethodGet, "/api/metrics/latency/current", g.handleCurrentLatency)
	r.HandlerFunc(http.MethodGet, "/api/metrics/errors", g.handleErrorRate)
	r.HandlerFunc(http.MethodGet, "/api/metrics/status", g.handleStatusDistribution)
	r.HandlerFunc(http.MethodGet, "/api/metrics/endpoints", g.handleEndpoints)
	r.HandlerFunc(http.MethodGet, "/api/metrics/endpoints/top", g.handleTopEndpoints)
	r.HandlerFunc(http.MethodGet, "/api/metrics/stats", g.handlePipelineStats)
	r.HandlerFunc(http.MethodPost, "/api/metrics/flush", g.handleFlush)

	// Health and breakers
	r.HandlerFunc(http.MethodGet, "/api/health/gateway", g.handleGatewayHealth)
	r.HandlerFunc(http.MethodGet, "/api/health/backends", g.handleBackends)
	r.Handle(http.MethodGet, "/api/health/backends/:name", g.handleBackend)
	r.Handle(http.MethodPost, "/api/health/backends/:name/check", g.handleBackendCheck)
	r.HandlerFunc(http.MethodGet, "/api/health/circuit-breakers", g.handleBreakers)
	r.Handle(http.MethodPost, "/api/health/circuit-breakers/:name/:action", g.handleBreakerAction)

	// Alerts. The POST tree mixes static and id-shaped paths, which
	// httprouter's trie cannot hold side by side, so POST dispatches
	// by hand under one prefix.
	r.HandlerFunc(http.MethodGet, "/api/alerts/stats", g.handleAlertStats)
	r.HandlerFunc(http.MethodGet, "/api/alerts/active", g.handleActiveAlerts)
	r.HandlerFunc(http.MethodGet, "/api/alerts/rules", g.handleAlertRules)
	r.HandlerFunc(http.MethodGet, "/api/alerts/history", g.handleAlertHistory)
	r.HandlerFunc(http.MethodPost, "/api/alerts/*action", g.handleAlertAction)
	r.Handle(http.MethodDelete, "/api/alerts/rules/:id", g.handleDeleteAlertRule)

	// Rate limit introspection
	r.HandlerFunc(http.MethodGet, "/api/ratelimit/rules", g.handleRateLimitRules)
	r.HandlerFunc(http.MethodGet, "/api/ratelimit/tiers", g.handleRateLimitTiers)
	r.HandlerFunc(http.MethodPost, "/api/ratelimit/reset", g.handleRateLimitReset)

	// ML service
	r.HandlerFunc(http.MethodGet, "/api/ml/status", g.handleMLStatus)
	r.HandlerFunc(http.MethodGet, "/api/ml/recommendations", g.handleMLRecommendations)
	r.HandlerFunc(http.MethodPost, "/api/ml/optimize", g.handleMLOptimize)

	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	if cfg.Realtime.Enabled {
		r.Handler(http.MethodGet, g.hub.Path(), g.hub)
	}

	if cfg.Server.EnablePprof {
		r.HandlerFunc(http.MethodGet, "/debug/pprof/", pprof.Index)
		r.HandlerFunc(http.MethodGet, "/debug/pprof/profile", pprof.Profile)
		r.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", pprof.Symbol)
		r.HandlerFunc(http.MethodGet, "/debug/pprof/trace", pprof.Trace)
		r.Handler(http.MethodGet, "/debug/pprof/heap", pprof.Handler("heap"))
		r.Handler(http.MethodGet, "/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handler(http.MethodGet, "/debug/pprof/block", pprof.Handler("block"))
	}

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gwerrors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gwerrors.ErrMethodNotAllowed.WriteJSON(w)
	})

	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLogSkipping("/metrics", "/api/health/gateway")).
		Handler(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, detail string) {
	gwerrors.ErrBadRequest.WithDetails(detail).WriteJSON(w)
}

// parseRange resolves ?range=<preset> or ?start=&end= (RFC3339).
func parseRange(r *http.Request) (metrics.Range, error) {
	q := r.URL.Query()
	if start, end := q.Get("start"), q.Get("end"); start != "" && end != "" {
		from, err := time.Parse(time.RFC3339, start)
		if err != nil {
			return metrics.Range{}, err
		}
		to, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return metrics.Range{}, err
		}
		return metrics.CustomRange(from, to), nil
	}

	preset := q.Get("range")
	if preset == "" {
		preset = "1h"
	}
	return metrics.ParseRange(preset)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if s := r.URL.Query().Get(name); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func (g *Gateway) handleOverview(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	o, err := g.queries.Overview(r.Context(), rng)
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (g *Gateway) handleRequestRate(w http.ResponseWriter, r *http.Request) {
	g.handleSeries(w, r, func(rng metrics.Range) (any, error) {
		return g.queries.RequestRate(r.Context(), rng)
	})
}

func (g *Gateway) handleLatency(w http.ResponseWriter, r *http.Request) {
	g.handleSeries(w, r, func(rng metrics.Range) (any, error) {
		return g.queries.LatencyPercentiles(r.Context(), rng)
	})
}

func (g *Gateway) handleErrorRate(w http.ResponseWriter, r *http.Request) {
	g.handleSeries(w, r, func(rng metrics.Range) (any, error) {
		return g.queries.ErrorRate(r.Context(), rng)
	})
}

func (g *Gateway) handleStatusDistribution(w http.ResponseWriter, r *http.Request) {
	g.handleSeries(w, r, func(rng metrics.Range) (any, error) {
		return g.queries.StatusDistribution(r.Context(), rng)
	})
}

func (g *Gateway) handleSeries(w http.ResponseWriter, r *http.Request, fn func(metrics.Range) (any, error)) {
	rng, err := parseRange(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	out, err := fn(rng)
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleCurrentLatency(w http.ResponseWriter, r *http.Request) {
	snap := g.collector.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"avgLatencyMs":      snap.LastMinute.AvgLatencyMs,
		"requestsPerSecond": snap.LastMinute.RequestsPerSecond,
		"window":            "1m",
	})
}

func (g *Gateway) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if endpoint := r.URL.Query().Get("endpoint"); endpoint != "" {
		stat, err := g.queries.EndpointMetrics(r.Context(), endpoint, rng)
		if err != nil {
			gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
			return
		}
		writeJSON(w, http.StatusOK, stat)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	stats, err := g.queries.TopEndpoints(r.Context(), rng, limit+offset)
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if offset >= len(stats) {
		stats = stats[:0]
	} else {
		stats = stats[offset:]
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleTopEndpoints(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	stats, err := g.queries.TopEndpoints(r.Context(), rng, queryInt(r, "limit", 10))
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pipeline": g.collector.Stats(),
		"realtime": g.hub.Stats(),
		"kv":       g.kvc.Stats(),
	})
}

func (g *Gateway) handleFlush(w http.ResponseWriter, r *http.Request) {
	g.collector.Flush(r.Context())
	writeJSON(w, http.StatusOK, g.collector.Stats())
}

func (g *Gateway) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	status, report := g.healthReport(r.Context())
	writeJSON(w, status, report)
}

func (g *Gateway) handleBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.checker.Snapshot())
}

func (g *Gateway) handleBackend(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := g.checker.Health(ps.ByName("name"))
	if !ok {
		gwerrors.ErrNotFound.WithDetails("unknown backend").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (g *Gateway) handleBackendCheck(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := g.checker.CheckNow(ps.ByName("name"))
	if !ok {
		gwerrors.ErrNotFound.WithDetails("unknown backend").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (g *Gateway) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.breakers.Stats())
}

func (g *Gateway) handleBreakerAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	breaker := g.breakers.Get(ps.ByName("name"))
	if breaker == nil {
		gwerrors.ErrNotFound.WithDetails("unknown backend").WriteJSON(w)
		return
	}
	switch ps.ByName("action") {
	case "open":
		breaker.ForceOpen()
	case "close":
		breaker.ForceClose()
	default:
		writeBadRequest(w, "action must be open or close")
		return
	}
	writeJSON(w, http.StatusOK, breaker.Stats())
}

func (g *Gateway) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	open := g.alerts.Open()
	byStatus := map[string]int{}
	bySeverity := map[string]int{}
	for _, a := range open {
		byStatus[a.Status]++
		bySeverity[a.Severity]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"open":       len(open),
		"byStatus":   byStatus,
		"bySeverity": bySeverity,
		"rules":      len(g.alerts.Rules()),
	})
}

func (g *Gateway) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.alerts.Open())
}

func (g *Gateway) handleAlertRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.alerts.Rules())
}

func (g *Gateway) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := g.alerts.History(r.Context(), r.URL.Query().Get("alertId"), queryInt(r, "limit", 100))
	if err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if entries == nil {
		entries = []*alerts.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAlertAction dispatches POST /api/alerts/... by hand:
//
//	rules                     create or update a rule
//	rules/{id}/enable|disable toggle a rule
//	{id}/acknowledge          lifecycle ops on one alert
//	{id}/resolve
//	{id}/mute
func (g *Gateway) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/alerts/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "rules":
		g.saveAlertRule(w, r)
	case len(parts) == 3 && parts[0] == "rules":
		g.toggleAlertRule(w, r, parts[1], parts[2])
	case len(parts) == 2:
		g.alertLifecycle(w, r, parts[0], parts[1])
	default:
		gwerrors.ErrNotFound.WriteJSON(w)
	}
}

func (g *Gateway) saveAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule alerts.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeBadRequest(w, "invalid rule JSON: "+err.Error())
		return
	}
	if err := g.alerts.SaveRule(r.Context(), &rule); err != nil {
		gwerrors.New(http.StatusBadRequest, gwerrors.CodeInvalidRule, "Rule validation failed").
			WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (g *Gateway) toggleAlertRule(w http.ResponseWriter, r *http.Request, id, action string) {
	rule, ok := g.alerts.Rule(id)
	if !ok {
		gwerrors.ErrNotFound.WithDetails("unknown rule").WriteJSON(w)
		return
	}
	switch action {
	case "enable":
		rule.Enabled = true
	case "disable":
		rule.Enabled = false
	default:
		writeBadRequest(w, "action must be enable or disable")
		return
	}
	if err := g.alerts.SaveRule(r.Context(), rule); err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (g *Gateway) alertLifecycle(w http.ResponseWriter, r *http.Request, id, action string) {
	var body struct {
		By         string    `json:"by"`
		Note       string    `json:"note"`
		MutedUntil time.Time `json:"mutedUntil"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}

	var (
		a   *alerts.Alert
		err error
	)
	switch action {
	case "acknowledge":
		a, err = g.alerts.Acknowledge(r.Context(), id, body.By)
	case "resolve":
		a, err = g.alerts.Resolve(r.Context(), id, body.By, body.Note)
	case "mute":
		a, err = g.alerts.Mute(r.Context(), id, body.MutedUntil)
	default:
		gwerrors.ErrNotFound.WriteJSON(w)
		return
	}
	if err != nil {
		gwerrors.New(http.StatusConflict, gwerrors.CodeBadRequest, "Alert update failed").
			WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (g *Gateway) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := g.alerts.DeleteRule(r.Context(), ps.ByName("id")); err != nil {
		gwerrors.ErrNotFound.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleRateLimitRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.limiter.Rules())
}

func (g *Gateway) handleRateLimitTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.limiter.Tiers())
}

func (g *Gateway) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeBadRequest(w, "key query parameter is required")
		return
	}
	if err := g.limiter.ResetKey(r.Context(), key); err != nil {
		gwerrors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "key": key})
}

func (g *Gateway) handleMLStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"enabled":   g.ml.Enabled(),
		"available": g.ml.IsAvailable(r.Context()),
	})
}

func (g *Gateway) handleMLRecommendations(w http.ResponseWriter, r *http.Request) {
	recs, err := g.ml.GetRecommendations(r.Context())
	if err != nil {
		gwerrors.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	if recs == nil {
		recs = []mlclient.Recommendation{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (g *Gateway) handleMLOptimize(w http.ResponseWriter, r *http.Request) {
	var req mlclient.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request JSON: "+err.Error())
		return
	}
	resp, err := g.ml.OptimizeRateLimit(r.Context(), req)
	if err != nil {
		gwerrors.ErrServiceUnavailable.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
