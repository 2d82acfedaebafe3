package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
backends:
  - name: users
    url: http://users.internal:3001
    routes: ["/api/v1/users/**"]
`

func TestParseMinimal(t *testing.T) {
	l := NewLoader()
	cfg, err := l.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.Server.ProxyAddress != ":8080" {
		t.Errorf("ProxyAddress = %q, want default :8080", cfg.Server.ProxyAddress)
	}
	if cfg.RateLimit.Algorithm != "sliding_window_counter" {
		t.Errorf("Algorithm = %q, want default sliding_window_counter", cfg.RateLimit.Algorithm)
	}
	if cfg.RateLimit.DefaultRequests != 60 {
		t.Errorf("DefaultRequests = %d, want 60", cfg.RateLimit.DefaultRequests)
	}
	if cfg.Metrics.FlushInterval != 10*time.Second {
		t.Errorf("FlushInterval = %v, want 10s", cfg.Metrics.FlushInterval)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Name != "users" {
		t.Fatalf("expected one backend named users, got %+v", cfg.Backends)
	}
	if !cfg.Backends[0].IsEnabled() {
		t.Error("backend with nil enabled should be enabled")
	}
}

func TestParseFull(t *testing.T) {
	yml := `
server:
  proxy_address: ":8081"
  api_address: ":9091"
  server_timing: false
logging:
  level: debug
redis:
  address: localhost:6379
  key_prefix: test
database:
  url: postgres://localhost/aegis
  retention_days: 7
backends:
  - name: orders
    url: http://orders:3002
    routes: ["/api/v1/orders/**", "/api/v1/carts/*"]
    health_check_path: /healthz
    health_check_interval: 5s
    timeout: 10s
    retry_attempts: 2
    circuit_breaker:
      failure_threshold: 5
      success_threshold: 2
      open_duration: 30s
rate_limit:
  algorithm: token_bucket
  default_requests: 100
  default_window: 60s
  key_strategy: user
  tiers:
    pro:
      requests: 2000
      window: 60s
  bypass:
    ips: ["10.0.0.0/8"]
    allow_internal: true
    paths: ["/health*"]
  rules:
    - id: heavy-endpoint
      name: Heavy endpoint
      priority: 10
      match:
        endpoint: /api/v1/search
        endpoint_match_type: exact
        methods: [GET]
      limit:
        algorithm: fixed_window
        requests: 10
        window: 60s
alerts:
  check_interval: 30s
  channels:
    - type: log
    - type: webhook
      url: http://hooks.internal/alert
ml:
  enabled: true
  url: http://ml:8000
`
	l := NewLoader()
	cfg, err := l.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if cfg.Server.ProxyAddress != ":8081" {
		t.Errorf("ProxyAddress = %q, want :8081", cfg.Server.ProxyAddress)
	}
	if cfg.Backends[0].HealthCheckInterval != 5*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 5s", cfg.Backends[0].HealthCheckInterval)
	}
	if cfg.Backends[0].CircuitBreaker.OpenDuration != 30*time.Second {
		t.Errorf("OpenDuration = %v, want 30s", cfg.Backends[0].CircuitBreaker.OpenDuration)
	}
	if cfg.RateLimit.KeyStrategy != "user" {
		t.Errorf("KeyStrategy = %q, want user", cfg.RateLimit.KeyStrategy)
	}
	if got := cfg.RateLimit.Tiers["pro"].Requests; got != 2000 {
		t.Errorf("pro tier requests = %d, want 2000", got)
	}
	if len(cfg.RateLimit.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.RateLimit.Rules))
	}
	rule := cfg.RateLimit.Rules[0]
	if rule.ID != "heavy-endpoint" || rule.Limit.Requests != 10 {
		t.Errorf("unexpected rule: %+v", rule)
	}
	if !rule.IsEnabled() {
		t.Error("rule with nil enabled should be enabled")
	}
	if len(cfg.Alerts.Channels) != 2 {
		t.Errorf("expected 2 alert channels, got %d", len(cfg.Alerts.Channels))
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_AEGIS_REDIS", "redis.internal:6379")
	defer os.Unsetenv("TEST_AEGIS_REDIS")

	yml := minimalYAML + `
redis:
  address: ${TEST_AEGIS_REDIS}
`
	l := NewLoader()
	cfg, err := l.Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Redis.Address != "redis.internal:6379" {
		t.Errorf("Address = %q, want expanded env value", cfg.Redis.Address)
	}
}

func TestExpandEnvVarsUnset(t *testing.T) {
	l := NewLoader()
	out := l.expandEnvVars("addr: ${DEFINITELY_NOT_SET_AEGIS}")
	if out != "addr: ${DEFINITELY_NOT_SET_AEGIS}" {
		t.Errorf("unset variable should be kept verbatim, got %q", out)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	os.Setenv("ML_SERVICE_URL", "http://ml.internal:8000")
	os.Setenv("ML_SERVICE_ENABLED", "true")
	os.Setenv("FLUSH_INTERVAL_MS", "2500")
	os.Setenv("BATCH_SIZE", "250")
	os.Setenv("RETENTION_DAYS", "14")
	defer func() {
		os.Unsetenv("ML_SERVICE_URL")
		os.Unsetenv("ML_SERVICE_ENABLED")
		os.Unsetenv("FLUSH_INTERVAL_MS")
		os.Unsetenv("BATCH_SIZE")
		os.Unsetenv("RETENTION_DAYS")
	}()

	l := NewLoader()
	cfg, err := l.Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}

	if !cfg.ML.Enabled || cfg.ML.URL != "http://ml.internal:8000" {
		t.Errorf("ML config not overridden: %+v", cfg.ML)
	}
	if cfg.Metrics.FlushInterval != 2500*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 2.5s", cfg.Metrics.FlushInterval)
	}
	if cfg.Metrics.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want 250", cfg.Metrics.BatchSize)
	}
	if cfg.Database.RetentionDays != 14 {
		t.Errorf("RetentionDays = %d, want 14", cfg.Database.RetentionDays)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		yml     string
		wantErr string
	}{
		{
			"missing backend url",
			"backends:\n  - name: a\n    routes: [\"/x\"]\n",
			"url is required",
		},
		{
			"duplicate backend",
			"backends:\n  - name: a\n    url: http://a:1\n    routes: [\"/x\"]\n  - name: a\n    url: http://b:1\n    routes: [\"/y\"]\n",
			"duplicate backend name",
		},
		{
			"backend without routes",
			"backends:\n  - name: a\n    url: http://a:1\n",
			"at least one route pattern",
		},
		{
			"bad route pattern",
			"backends:\n  - name: a\n    url: http://a:1\n    routes: [\"api/x\"]\n",
			"must start with /",
		},
		{
			"bad algorithm",
			minimalYAML + "rate_limit:\n  algorithm: leaky_bucket\n",
			"rate_limit.algorithm",
		},
		{
			"bad key strategy",
			minimalYAML + "rate_limit:\n  key_strategy: session\n",
			"rate_limit.key_strategy",
		},
		{
			"bad bypass cidr",
			minimalYAML + "rate_limit:\n  bypass:\n    ips: [\"10.0.0.0/99\"]\n",
			"invalid CIDR",
		},
		{
			"rule without id",
			minimalYAML + "rate_limit:\n  rules:\n    - name: x\n      limit: {requests: 1, window: 1s}\n",
			"id is required",
		},
		{
			"rule bad regex",
			minimalYAML + "rate_limit:\n  rules:\n    - id: r1\n      match:\n        endpoint: \"([\"\n        endpoint_match_type: regex\n      limit: {requests: 1, window: 1s}\n",
			"invalid endpoint regex",
		},
		{
			"rule bad method",
			minimalYAML + "rate_limit:\n  rules:\n    - id: r1\n      match:\n        methods: [FETCH]\n      limit: {requests: 1, window: 1s}\n",
			"invalid HTTP method",
		},
		{
			"rule unknown algorithm",
			minimalYAML + "rate_limit:\n  rules:\n    - id: r1\n      limit: {algorithm: magic, requests: 1, window: 1s}\n",
			"unknown algorithm",
		},
		{
			"bad sample rate",
			minimalYAML + "metrics:\n  sample_rate: 1.5\n",
			"sample_rate",
		},
		{
			"webhook without url",
			minimalYAML + "alerts:\n  channels:\n    - type: webhook\n",
			"requires url",
		},
		{
			"ml enabled without url",
			minimalYAML + "ml:\n  enabled: true\n",
			"ml.url is required",
		},
		{
			"same proxy and api address",
			minimalYAML + "server:\n  proxy_address: \":8080\"\n  api_address: \":8080\"\n",
			"must differ",
		},
		{
			"bad trusted proxy",
			minimalYAML + "trusted_proxies: [\"not-an-ip\"]\n",
			"trusted_proxies",
		},
	}

	l := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tt.yml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLoader()
	if _, err := l.Load("/nonexistent/aegis.yaml"); err == nil {
		t.Error("expected error loading missing file")
	}
}

func TestDefaultTierTableEmpty(t *testing.T) {
	// The built-in tier limits live in the ratelimit package; config
	// only carries overrides.
	cfg := DefaultConfig()
	if len(cfg.RateLimit.Tiers) != 0 {
		t.Errorf("default config should not pre-populate tiers, got %d", len(cfg.RateLimit.Tiers))
	}
}
