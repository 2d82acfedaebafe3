package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/alerts"
	"github.com/aegisgw/aegis/internal/circuitbreaker"
	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/health"
	"github.com/aegisgw/aegis/internal/kv"
	"github.com/aegisgw/aegis/internal/logging"
	"github.com/aegisgw/aegis/internal/metrics"
	"github.com/aegisgw/aegis/internal/mlclient"
	"github.com/aegisgw/aegis/internal/proxy"
	"github.com/aegisgw/aegis/internal/ratelimit"
	"github.com/aegisgw/aegis/internal/realtime"
	"github.com/aegisgw/aegis/internal/requestctx"
	"github.com/aegisgw/aegis/internal/router"
	"github.com/aegisgw/aegis/internal/store"
)

// Gateway owns every data-plane component. All dependencies are built
// in New and passed explicitly; nothing here is a package global.
//
// cfg is read lock-free on every request and swapped whole by Reload,
// so it lives behind an atomic pointer.
type Gateway struct {
	cfg atomic.Pointer[config.Config]

	kvc       *kv.Client
	store     *store.Store
	collector *metrics.Collector
	queries   *metrics.Queries
	limiter   *ratelimit.Limiter
	extractor *requestctx.Extractor
	table     *router.Table
	checker   *health.Checker
	breakers  *circuitbreaker.Manager
	forwarder *proxy.Forwarder
	alerts    *alerts.Manager
	hub       *realtime.Hub
	ml        *mlclient.Client
	mlAgg     *mlclient.Aggregator

	startedAt time.Time
}

// New assembles the gateway from config. Optional dependencies (KV,
// store, ML) come up in disabled mode when unconfigured; everything
// else must construct cleanly or boot fails.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	kvc := kv.New(kv.Config{
		Address:       cfg.Redis.Address,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		DialTimeout:   cfg.Redis.DialTimeout,
		ReadTimeout:   cfg.Redis.ReadTimeout,
		WriteTimeout:  cfg.Redis.WriteTimeout,
		ScriptTimeout: cfg.Redis.ScriptTimeout,
		KeyPrefix:     cfg.Redis.KeyPrefix,
	})

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("metrics store: %w", err)
	}

	collector := metrics.NewCollector(cfg.Metrics, st)

	limiter, err := ratelimit.New(cfg.RateLimit, kvc)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	limiter.OnDecision = collector.OnDecision

	extractor, err := requestctx.NewExtractor(requestctx.Config{
		TrustedProxies: cfg.TrustedProxies,
		UserHeader:     cfg.Identity.UserHeader,
		TierHeader:     cfg.Identity.TierHeader,
		APIKeyHeader:   cfg.Identity.APIKeyHeader,
		UserTiers:      cfg.Identity.UserTiers,
		APIKeyTiers:    cfg.Identity.APIKeyTiers,
	})
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	table, err := router.New(cfg.Backends)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	checker := health.NewChecker(cfg.Health, collector)
	checker.Update(cfg.Backends)

	g := &Gateway{
		kvc:       kvc,
		store:     st,
		collector: collector,
		queries:   metrics.NewQueries(st, collector),
		limiter:   limiter,
		extractor: extractor,
		table:     table,
		checker:   checker,
		breakers:  circuitbreaker.NewManager(cfg.Backends),
		forwarder: proxy.NewForwarder(cfg.Server.WriteTimeout),
		ml:        mlclient.New(cfg.ML),
		startedAt: time.Now(),
	}
	g.cfg.Store(cfg)
	g.mlAgg = mlclient.NewAggregator(cfg.ML, g.ml)

	var alertStore alerts.Store
	if st.Enabled() {
		alertStore = st
	}
	notifier := alerts.NewNotifier(cfg.Alerts.Channels, cfg.Server.APIBaseURL)
	g.alerts = alerts.NewManager(cfg.Alerts, alertStore, g.metricValue, notifier)

	g.hub = realtime.NewHub(cfg.Realtime, realtime.Sources{
		Overview: func() any { return collector.Snapshot() },
		Requests: func() any { return collector.Snapshot().LastMinute },
		RateLimits: func() any {
			snap := collector.Snapshot()
			return map[string]any{
				"rateLimited": snap.RateLimited,
				"rules":       len(limiter.Rules()),
			}
		},
		Backends: func() any { return checker.Snapshot() },
		ClientIP: extractor.ClientIP,
	})
	g.alerts.OnEvent = func(action string, a *alerts.Alert) {
		g.hub.BroadcastAlert(action, a)
	}

	logging.Info("gateway assembled",
		zap.Int("backends", len(cfg.Backends)),
		zap.Bool("rate_limit", cfg.RateLimit.Enabled),
		zap.Bool("kv", kvc.Enabled()),
		zap.Bool("store", st.Enabled()),
		zap.Bool("ml", g.ml.Enabled()))
	return g, nil
}

// metricValue resolves an alert rule's metric. The store serves every
// metric; without it only the metrics derivable from the in-memory
// window are available.
func (g *Gateway) metricValue(ctx context.Context, metric string, window time.Duration, endpoint, backend string) (float64, error) {
	if g.store.Enabled() {
		return g.store.MetricValue(ctx, metric, window, endpoint, backend)
	}

	if endpoint != "" || backend != "" {
		return 0, fmt.Errorf("metric %s needs the metrics store", metric)
	}
	w := g.collector.Snapshot().LastMinute
	switch metric {
	case "request_rate":
		return w.RequestsPerSecond, nil
	case "error_rate":
		if w.Total == 0 {
			return 0, nil
		}
		return float64(w.Failed) / float64(w.Total), nil
	case "rate_limited_rate":
		if w.Total == 0 {
			return 0, nil
		}
		return float64(w.RateLimited) / float64(w.Total), nil
	case "avg_latency":
		return w.AvgLatencyMs, nil
	case "status_5xx_count":
		return float64(w.Failed), nil
	default:
		return 0, fmt.Errorf("metric %s needs the metrics store", metric)
	}
}

// Reload applies a new config to every reloadable component. Listener
// addresses are fixed for the process lifetime.
func (g *Gateway) Reload(cfg *config.Config) error {
	if err := g.limiter.UpdateRules(cfg.RateLimit.Rules); err != nil {
		return fmt.Errorf("rate limit rules: %w", err)
	}
	if err := g.limiter.UpdateBypass(cfg.RateLimit.Bypass); err != nil {
		return fmt.Errorf("bypass: %w", err)
	}
	g.limiter.UpdateTiers(cfg.RateLimit.Tiers)
	g.extractor.UpdateTiers(cfg.Identity.UserTiers, cfg.Identity.APIKeyTiers)

	if err := g.table.Update(cfg.Backends); err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	g.breakers.Update(cfg.Backends)
	g.checker.Update(cfg.Backends)

	g.cfg.Store(cfg)
	logging.Info("configuration reloaded",
		zap.Int("backends", len(cfg.Backends)),
		zap.Int("rules", len(cfg.RateLimit.Rules)))
	return nil
}

// Hub exposes the realtime hub for the API server mount.
func (g *Gateway) Hub() *realtime.Hub { return g.hub }

// Close releases everything in reverse dependency order: the hub and
// alert manager stop producing, the collector takes its final flush,
// then the stores close.
func (g *Gateway) Close(ctx context.Context) {
	g.hub.Shutdown(ctx)
	g.checker.Stop()
	g.collector.Close()
	g.forwarder.CloseIdleConnections()
	g.store.Close()
	if err := g.kvc.Close(); err != nil {
		logging.Error("kv close", zap.Error(err))
	}
}

// dependencyStatus is one entry of the gateway health report.
type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func checkStatus(ok bool, err error) dependencyStatus {
	s := dependencyStatus{Status: "ok"}
	if !ok {
		s.Status = "unavailable"
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

// healthReport builds the /api/health/gateway payload.
func (g *Gateway) healthReport(ctx context.Context) (int, map[string]any) {
	backends := g.checker.Snapshot()
	available := 0
	for name := range backends {
		if g.checker.IsHealthy(name) && g.breakers.Available(name) {
			available++
		}
	}

	checks := map[string]any{}
	if g.kvc.Enabled() {
		checks["kv"] = checkStatus(g.kvc.Healthy(ctx), nil)
	} else {
		checks["kv"] = dependencyStatus{Status: "disabled"}
	}
	if g.store.Enabled() {
		checks["store"] = checkStatus(g.store.Healthy(ctx), nil)
	} else {
		checks["store"] = dependencyStatus{Status: "disabled"}
	}
	if g.ml.Enabled() {
		checks["ml"] = checkStatus(g.ml.IsAvailable(ctx), nil)
	} else {
		checks["ml"] = dependencyStatus{Status: "disabled"}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case len(backends) > 0 && available == 0:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case available < len(backends):
		status = "degraded"
	}

	return httpStatus, map[string]any{
		"status": status,
		"uptime": time.Since(g.startedAt).String(),
		"backends": map[string]int{
			"total":       len(backends),
			"available":   available,
			"unavailable": len(backends) - available,
		},
		"checks": checks,
		"stats":  g.collector.Snapshot(),
	}
}
