package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validAlgorithms contains the limiter algorithm names.
var validAlgorithms = map[string]bool{
	"token_bucket":           true,
	"sliding_window_log":     true,
	"sliding_window_counter": true,
	"fixed_window":           true,
}

// validKeyStrategies contains the limiter key strategy names.
var validKeyStrategies = map[string]bool{
	"ip": true, "user": true, "api-key": true,
	"ip-endpoint": true, "user-endpoint": true, "composite": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Environment variables override file values
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// applyEnv overlays well-known environment variables onto the config.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.Server.APIBaseURL = v
	}
	if v := os.Getenv("ML_SERVICE_URL"); v != "" {
		cfg.ML.URL = v
	}
	if v := os.Getenv("ML_SERVICE_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ML_SERVICE_ENABLED: %w", err)
		}
		cfg.ML.Enabled = enabled
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Redis.DB = db
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("FLUSH_INTERVAL_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return fmt.Errorf("FLUSH_INTERVAL_MS: must be a positive integer")
		}
		cfg.Metrics.FlushInterval = msToDuration(ms)
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("BATCH_SIZE: must be a positive integer")
		}
		cfg.Metrics.BatchSize = n
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("RETENTION_DAYS: must be a positive integer")
		}
		cfg.Database.RetentionDays = n
	}
	return nil
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.ProxyAddress == "" {
		return fmt.Errorf("server.proxy_address is required")
	}
	if cfg.Server.APIAddress == "" {
		return fmt.Errorf("server.api_address is required")
	}
	if cfg.Server.ProxyAddress == cfg.Server.APIAddress {
		return fmt.Errorf("server.proxy_address and server.api_address must differ")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}

	// Backends
	backendNames := make(map[string]bool)
	for i, b := range cfg.Backends {
		if b.Name == "" {
			return fmt.Errorf("backend %d: name is required", i)
		}
		if backendNames[b.Name] {
			return fmt.Errorf("duplicate backend name: %s", b.Name)
		}
		backendNames[b.Name] = true

		if b.URL == "" {
			return fmt.Errorf("backend %s: url is required", b.Name)
		}
		u, err := url.Parse(b.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("backend %s: url must be an absolute http(s) URL", b.Name)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend %s: url scheme must be http or https", b.Name)
		}

		if len(b.Routes) == 0 {
			return fmt.Errorf("backend %s: at least one route pattern is required", b.Name)
		}
		for _, p := range b.Routes {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("backend %s: route pattern %q must start with /", b.Name, p)
			}
		}

		if b.RetryAttempts < 0 {
			return fmt.Errorf("backend %s: retry_attempts must be >= 0", b.Name)
		}
		if b.Weight < 0 {
			return fmt.Errorf("backend %s: weight must be >= 0", b.Name)
		}
		if b.CircuitBreaker.FailureThreshold < 0 || b.CircuitBreaker.SuccessThreshold < 0 {
			return fmt.Errorf("backend %s: circuit_breaker thresholds must be >= 0", b.Name)
		}
	}

	// Trusted proxies
	for _, cidr := range cfg.TrustedProxies {
		if err := validateIPOrCIDR(cidr); err != nil {
			return fmt.Errorf("trusted_proxies: %w", err)
		}
	}

	// Health
	if cfg.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be >= 1")
	}
	if cfg.Health.SuccessThreshold < 1 {
		return fmt.Errorf("health.success_threshold must be >= 1")
	}

	// Rate limit
	rl := cfg.RateLimit
	if !validAlgorithms[rl.Algorithm] {
		return fmt.Errorf("rate_limit.algorithm %q is not one of token_bucket, sliding_window_log, sliding_window_counter, fixed_window", rl.Algorithm)
	}
	if rl.DefaultRequests < 1 {
		return fmt.Errorf("rate_limit.default_requests must be >= 1")
	}
	if rl.DefaultWindow <= 0 {
		return fmt.Errorf("rate_limit.default_window must be > 0")
	}
	if !validKeyStrategies[rl.KeyStrategy] {
		return fmt.Errorf("rate_limit.key_strategy %q is not one of ip, user, api-key, ip-endpoint, user-endpoint, composite", rl.KeyStrategy)
	}

	for name, tier := range rl.Tiers {
		if tier.Requests < 1 {
			return fmt.Errorf("rate_limit.tiers.%s: requests must be >= 1", name)
		}
		if tier.Window <= 0 {
			return fmt.Errorf("rate_limit.tiers.%s: window must be > 0", name)
		}
		if tier.Algorithm != "" && !validAlgorithms[tier.Algorithm] {
			return fmt.Errorf("rate_limit.tiers.%s: unknown algorithm %q", name, tier.Algorithm)
		}
	}

	if err := validateBypass(rl.Bypass); err != nil {
		return err
	}

	ruleIDs := make(map[string]bool)
	for i, rule := range rl.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rate_limit.rules[%d]: id is required", i)
		}
		if ruleIDs[rule.ID] {
			return fmt.Errorf("rate_limit.rules: duplicate id %s", rule.ID)
		}
		ruleIDs[rule.ID] = true

		if err := validateRuleMatch(rule.ID, rule.Match); err != nil {
			return err
		}

		if rule.Limit.Requests < 1 {
			return fmt.Errorf("rate_limit.rules[%s]: limit.requests must be >= 1", rule.ID)
		}
		if rule.Limit.Window <= 0 {
			return fmt.Errorf("rate_limit.rules[%s]: limit.window must be > 0", rule.ID)
		}
		if rule.Limit.Algorithm != "" && !validAlgorithms[rule.Limit.Algorithm] {
			// Unknown algorithm names fall back to the default at runtime,
			// but reject them at load time when we can.
			return fmt.Errorf("rate_limit.rules[%s]: unknown algorithm %q", rule.ID, rule.Limit.Algorithm)
		}
	}

	// Metrics
	if cfg.Metrics.FlushInterval <= 0 {
		return fmt.Errorf("metrics.flush_interval must be > 0")
	}
	if cfg.Metrics.BatchSize < 1 {
		return fmt.Errorf("metrics.batch_size must be >= 1")
	}
	if cfg.Metrics.SampleRate < 0 || cfg.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be between 0.0 and 1.0")
	}

	// Database
	if cfg.Database.RetentionDays < 1 {
		return fmt.Errorf("database.retention_days must be >= 1")
	}

	// Alerts
	if cfg.Alerts.CheckInterval <= 0 {
		return fmt.Errorf("alerts.check_interval must be > 0")
	}
	if cfg.Alerts.DefaultCooldown < 0 {
		return fmt.Errorf("alerts.default_cooldown must be >= 0")
	}
	for i, ch := range cfg.Alerts.Channels {
		switch ch.Type {
		case "log", "email", "pagerduty":
		case "webhook", "slack":
			if ch.URL == "" {
				return fmt.Errorf("alerts.channels[%d]: %s channel requires url", i, ch.Type)
			}
		default:
			return fmt.Errorf("alerts.channels[%d]: type must be log, webhook, slack, email, or pagerduty", i)
		}
		if ch.RatePerMinute < 0 {
			return fmt.Errorf("alerts.channels[%d]: rate_per_minute must be >= 0", i)
		}
	}

	// Realtime
	if cfg.Realtime.Enabled {
		if !strings.HasPrefix(cfg.Realtime.Path, "/") {
			return fmt.Errorf("realtime.path must start with /")
		}
		if cfg.Realtime.MaxConnectionsPerIP < 0 {
			return fmt.Errorf("realtime.max_connections_per_ip must be >= 0")
		}
		if cfg.Realtime.PingInterval <= 0 {
			return fmt.Errorf("realtime.ping_interval must be > 0")
		}
	}

	// ML
	if cfg.ML.Enabled {
		if cfg.ML.URL == "" {
			return fmt.Errorf("ml.url is required when ml.enabled is true")
		}
		if cfg.ML.MaxRetries < 0 {
			return fmt.Errorf("ml.max_retries must be >= 0")
		}
		if cfg.ML.AnomalyThreshold < 0 || cfg.ML.AnomalyThreshold > 1 {
			return fmt.Errorf("ml.anomaly_threshold must be between 0.0 and 1.0")
		}
	}

	return nil
}

// validateBypass validates bypass whitelist entries.
func validateBypass(b BypassConfig) error {
	for _, ip := range b.IPs {
		if err := validateIPOrCIDR(ip); err != nil {
			return fmt.Errorf("rate_limit.bypass.ips: %w", err)
		}
	}
	for _, pat := range b.APIKeyPatterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("rate_limit.bypass.api_key_patterns: invalid pattern %q", pat)
		}
	}
	for _, pat := range b.Paths {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("rate_limit.bypass.paths: invalid pattern %q", pat)
		}
	}
	return nil
}

// validateRuleMatch validates the match block of a rule.
func validateRuleMatch(ruleID string, m RuleMatchConfig) error {
	switch m.EndpointMatchType {
	case "", "exact", "prefix", "glob", "regex":
	default:
		return fmt.Errorf("rate_limit.rules[%s]: endpoint_match_type must be exact, prefix, glob, or regex", ruleID)
	}
	if m.EndpointMatchType != "" && m.Endpoint == "" {
		return fmt.Errorf("rate_limit.rules[%s]: endpoint is required when endpoint_match_type is set", ruleID)
	}
	if m.EndpointMatchType == "regex" {
		if _, err := regexp.Compile(m.Endpoint); err != nil {
			return fmt.Errorf("rate_limit.rules[%s]: invalid endpoint regex: %w", ruleID, err)
		}
	}
	if m.EndpointMatchType == "glob" && !doublestar.ValidatePattern(m.Endpoint) {
		return fmt.Errorf("rate_limit.rules[%s]: invalid endpoint glob %q", ruleID, m.Endpoint)
	}
	for _, method := range m.Methods {
		if !validHTTPMethods[strings.ToUpper(method)] {
			return fmt.Errorf("rate_limit.rules[%s]: invalid HTTP method %q", ruleID, method)
		}
	}
	for _, ip := range m.IPs {
		if err := validateIPOrCIDR(ip); err != nil {
			return fmt.Errorf("rate_limit.rules[%s]: %w", ruleID, err)
		}
	}
	for _, pat := range m.APIKeys {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("rate_limit.rules[%s]: invalid api_keys pattern %q", ruleID, pat)
		}
	}
	return nil
}

// validateIPOrCIDR accepts a bare IP or a CIDR block.
func validateIPOrCIDR(s string) error {
	if strings.Contains(s, "/") {
		if _, _, err := net.ParseCIDR(s); err != nil {
			return fmt.Errorf("invalid CIDR %q", s)
		}
		return nil
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address %q", s)
	}
	return nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
