package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aegisgw/aegis/internal/config"
)

func apiRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayHealthReport(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))
	h := g.APIHandler()

	rec := apiRequest(t, h, http.MethodGet, "/api/health/gateway", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Status   string `json:"status"`
		Backends struct {
			Total     int `json:"total"`
			Available int `json:"available"`
		} `json:"backends"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("status = %s, want healthy", body.Status)
	}
	if body.Backends.Total != 1 || body.Backends.Available != 1 {
		t.Errorf("backends = %+v", body.Backends)
	}
	for _, dep := range []string{"kv", "store", "ml"} {
		if body.Checks[dep].Status != "disabled" {
			t.Errorf("check %s = %q, want disabled", dep, body.Checks[dep].Status)
		}
	}
}

func TestBreakerForceOps(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))
	h := g.APIHandler()

	if rec := apiRequest(t, h, http.MethodPost, "/api/health/circuit-breakers/api/open", ""); rec.Code != http.StatusOK {
		t.Fatalf("force open: status = %d", rec.Code)
	}

	rec := apiRequest(t, h, http.MethodGet, "/api/health/gateway", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health with open breaker: status = %d, want 503", rec.Code)
	}

	if rec := apiRequest(t, h, http.MethodPost, "/api/health/circuit-breakers/api/close", ""); rec.Code != http.StatusOK {
		t.Fatalf("force close: status = %d", rec.Code)
	}
	if rec := apiRequest(t, h, http.MethodGet, "/api/health/gateway", ""); rec.Code != http.StatusOK {
		t.Errorf("health after close: status = %d, want 200", rec.Code)
	}

	if rec := apiRequest(t, h, http.MethodPost, "/api/health/circuit-breakers/api/wedge", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad action: status = %d, want 400", rec.Code)
	}
	if rec := apiRequest(t, h, http.MethodPost, "/api/health/circuit-breakers/ghost/open", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown backend: status = %d, want 404", rec.Code)
	}
}

func TestAlertRuleLifecycleOverAPI(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))
	h := g.APIHandler()

	rule := `{
		"id": "high-errors",
		"name": "High error rate",
		"metric": "error_rate",
		"condition": "gt",
		"threshold": 0.05,
		"window": 300000000000,
		"severity": "critical",
		"enabled": true
	}`
	rec := apiRequest(t, h, http.MethodPost, "/api/alerts/rules", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = apiRequest(t, h, http.MethodGet, "/api/alerts/rules", "")
	var rules []struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "high-errors" {
		t.Fatalf("rules = %+v", rules)
	}

	rec = apiRequest(t, h, http.MethodPost, "/api/alerts/rules/high-errors/disable", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: status = %d", rec.Code)
	}
	var updated struct {
		Enabled bool `json:"enabled"`
	}
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Enabled {
		t.Error("rule still enabled after disable")
	}

	if rec := apiRequest(t, h, http.MethodDelete, "/api/alerts/rules/high-errors", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d, want 204", rec.Code)
	}
	if rec := apiRequest(t, h, http.MethodDelete, "/api/alerts/rules/high-errors", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete again: status = %d, want 404", rec.Code)
	}
}

func TestInvalidAlertRuleRejected(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))

	rec := apiRequest(t, g.APIHandler(), http.MethodPost, "/api/alerts/rules",
		`{"id":"r1","name":"bad","metric":"made_up","condition":"gt","threshold":1,"window":60000000000,"severity":"info"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Code != "INVALID_RULE" {
		t.Errorf("code = %s, want INVALID_RULE", body.Code)
	}
}

func TestAlertStatsAndActive(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))
	h := g.APIHandler()

	rec := apiRequest(t, h, http.MethodGet, "/api/alerts/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status = %d", rec.Code)
	}
	var stats struct {
		Open  int `json:"open"`
		Rules int `json:"rules"`
	}
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Open != 0 {
		t.Errorf("open = %d, want 0", stats.Open)
	}

	rec = apiRequest(t, h, http.MethodGet, "/api/alerts/active", "")
	if rec.Code != http.StatusOK {
		t.Errorf("active: status = %d", rec.Code)
	}
	rec = apiRequest(t, h, http.MethodGet, "/api/alerts/history", "")
	if rec.Code != http.StatusOK {
		t.Errorf("history: status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("history body = %q, want empty array", rec.Body.String())
	}
}

func TestRateLimitIntrospection(t *testing.T) {
	backend := echoBackend(t)
	cfg := testConfig(backend.URL)
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Rules = []config.RuleConfig{{
		ID:   "login-burst",
		Name: "Login burst",
		Match: config.RuleMatchConfig{
			Endpoint:          "/api/login",
			EndpointMatchType: "exact",
		},
		Limit: config.RuleLimitConfig{Requests: 5, Window: time.Minute},
	}}
	g := newTestGateway(t, cfg)
	h := g.APIHandler()

	rec := apiRequest(t, h, http.MethodGet, "/api/ratelimit/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("rules: status = %d", rec.Code)
	}
	var rules []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rules); err != nil {
		t.Fatalf("rules body: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "login-burst" {
		t.Errorf("rules = %+v", rules)
	}

	if rec := apiRequest(t, h, http.MethodGet, "/api/ratelimit/tiers", ""); rec.Code != http.StatusOK {
		t.Errorf("tiers: status = %d", rec.Code)
	}
	if rec := apiRequest(t, h, http.MethodPost, "/api/ratelimit/reset", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("reset without key: status = %d, want 400", rec.Code)
	}
}

func TestMetricsEndpointsWithoutStore(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))
	h := g.APIHandler()

	// Push some traffic through so the window has data.
	proxyH := g.Handler()
	for i := 0; i < 3; i++ {
		proxyH.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	}

	for _, path := range []string{
		"/api/metrics/overview",
		"/api/metrics/requests",
		"/api/metrics/latency",
		"/api/metrics/latency/current",
		"/api/metrics/errors",
		"/api/metrics/status",
		"/api/metrics/endpoints",
		"/api/metrics/endpoints/top",
		"/api/metrics/stats",
	} {
		rec := apiRequest(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body %s", path, rec.Code, rec.Body.String())
		}
	}

	if rec := apiRequest(t, h, http.MethodGet, "/api/metrics/overview?range=fortnight", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad range: status = %d, want 400", rec.Code)
	}
	if rec := apiRequest(t, h, http.MethodPost, "/api/metrics/flush", ""); rec.Code != http.StatusOK {
		t.Errorf("flush: status = %d", rec.Code)
	}
}

func TestPrometheusEndpointMounted(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))

	rec := apiRequest(t, g.APIHandler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aegis_") {
		t.Error("prometheus output missing gateway metrics")
	}
}

func TestUnknownAPIRouteReturnsJSON404(t *testing.T) {
	backend := echoBackend(t)
	g := newTestGateway(t, testConfig(backend.URL))

	rec := apiRequest(t, g.APIHandler(), http.MethodGet, "/api/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body.Code != "NOT_FOUND" {
		t.Errorf("code = %s", body.Code)
	}
}
