package config

import (
	"time"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server         ServerConfig    `yaml:"server"`
	Logging        LoggingConfig   `yaml:"logging"`
	Redis          RedisConfig     `yaml:"redis"`
	Database       DatabaseConfig  `yaml:"database"`
	TrustedProxies []string        `yaml:"trusted_proxies"`
	Identity       IdentityConfig  `yaml:"identity"`
	Backends       []BackendConfig `yaml:"backends"`
	Health         HealthConfig    `yaml:"health"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Metrics        MetricsConfig   `yaml:"metrics"`
	Alerts         AlertsConfig    `yaml:"alerts"`
	Realtime       RealtimeConfig  `yaml:"realtime"`
	ML             MLConfig        `yaml:"ml"`
}

// ServerConfig defines the proxy and API listeners.
type ServerConfig struct {
	ProxyAddress    string        `yaml:"proxy_address"` // e.g., ":8080"
	APIAddress      string        `yaml:"api_address"`   // e.g., ":9090"
	APIBaseURL      string        `yaml:"api_base_url"`  // advertised base URL, used in notification links
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ServerTiming    bool          `yaml:"server_timing"` // emit Server-Timing response header
	EnablePprof     bool          `yaml:"enable_pprof"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level string        `yaml:"level"` // debug, info, warn, error
	File  LogFileConfig `yaml:"file"`
}

// LogFileConfig defines optional rotating file output.
type LogFileConfig struct {
	Path       string `yaml:"path"` // empty disables file output
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RedisConfig defines the KV store used for distributed limiter state.
// An empty address disables the KV store and all limiters fail open.
type RedisConfig struct {
	Address       string        `yaml:"address"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ScriptTimeout time.Duration `yaml:"script_timeout"` // per-check deadline on the hot path
	KeyPrefix     string        `yaml:"key_prefix"`
}

// DatabaseConfig defines the time-series store for persisted metrics.
// An empty URL disables persistence; queries fall back to the rolling window.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"max_conns"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// IdentityConfig maps request headers to caller identity.
type IdentityConfig struct {
	UserHeader   string            `yaml:"user_header"`
	TierHeader   string            `yaml:"tier_header"`
	APIKeyHeader string            `yaml:"api_key_header"`
	UserTiers    map[string]string `yaml:"user_tiers"`    // userId -> tier
	APIKeyTiers  map[string]string `yaml:"api_key_tiers"` // apiKey -> tier
}

// BackendConfig defines one upstream service.
type BackendConfig struct {
	Name                string               `yaml:"name"`
	URL                 string               `yaml:"url"`
	Routes              []string             `yaml:"routes"` // path patterns: exact, :param, *, **
	HealthCheckPath     string               `yaml:"health_check_path"`
	HealthCheckInterval time.Duration        `yaml:"health_check_interval"`
	Timeout             time.Duration        `yaml:"timeout"`
	RetryAttempts       int                  `yaml:"retry_attempts"`
	Weight              int                  `yaml:"weight"`
	Enabled             *bool                `yaml:"enabled"` // nil means enabled
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// IsEnabled reports whether the backend participates in routing and probing.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// CircuitBreakerConfig defines per-backend breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// HealthConfig defines health prober thresholds shared by all backends.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before unhealthy
	SuccessThreshold int           `yaml:"success_threshold"` // consecutive successes before healthy again
	Timeout          time.Duration `yaml:"timeout"`           // probe timeout fallback when backend has none
}

// RateLimitConfig defines the limiter: default algorithm and budget, key
// strategy, tier table, bypass lists, and per-request rules.
type RateLimitConfig struct {
	Enabled         bool                  `yaml:"enabled"`
	Algorithm       string                `yaml:"algorithm"` // token_bucket, sliding_window_log, sliding_window_counter, fixed_window
	DefaultRequests int                   `yaml:"default_requests"`
	DefaultWindow   time.Duration         `yaml:"default_window"`
	KeyStrategy     string                `yaml:"key_strategy"` // ip, user, api-key, ip-endpoint, user-endpoint, composite
	KeyPrefix       string                `yaml:"key_prefix"`
	IncludeHeaders  bool                  `yaml:"include_headers"` // emit X-RateLimit-* headers
	ErrorMessage    string                `yaml:"error_message"`
	Tiers           map[string]TierConfig `yaml:"tiers"`
	Bypass          BypassConfig          `yaml:"bypass"`
	Rules           []RuleConfig          `yaml:"rules"`
}

// TierConfig overrides the limit for one subscription tier.
type TierConfig struct {
	Requests  int           `yaml:"requests"`
	Window    time.Duration `yaml:"window"`
	Algorithm string        `yaml:"algorithm"` // optional per-tier override
}

// BypassConfig lists callers exempt from rate limiting.
type BypassConfig struct {
	IPs            []string `yaml:"ips"`             // addresses or CIDR blocks
	AllowInternal  bool     `yaml:"allow_internal"`  // loopback and private ranges
	UserIDs        []string `yaml:"user_ids"`
	APIKeyPatterns []string `yaml:"api_key_patterns"` // glob patterns
	Paths          []string `yaml:"paths"`            // glob patterns
}

// RuleConfig defines one rate-limit rule.
type RuleConfig struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Enabled  *bool           `yaml:"enabled"`
	Priority int             `yaml:"priority"`
	Match    RuleMatchConfig `yaml:"match"`
	Limit    RuleLimitConfig `yaml:"limit"`
	Cooldown time.Duration   `yaml:"cooldown"`
}

// IsEnabled reports whether the rule participates in matching.
func (r RuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RuleMatchConfig defines the predicates a request must satisfy.
type RuleMatchConfig struct {
	Endpoint          string            `yaml:"endpoint"`
	EndpointMatchType string            `yaml:"endpoint_match_type"` // exact, prefix, glob, regex
	Methods           []string          `yaml:"methods"`
	Tiers             []string          `yaml:"tiers"`
	UserIDs           []string          `yaml:"user_ids"`
	IPs               []string          `yaml:"ips"` // addresses or CIDR blocks
	APIKeys           []string          `yaml:"api_keys"` // glob patterns
	Headers           map[string]string `yaml:"headers"`
}

// RuleLimitConfig defines the limit applied when the rule matches.
type RuleLimitConfig struct {
	Algorithm string        `yaml:"algorithm"`
	Requests  int           `yaml:"requests"`
	Window    time.Duration `yaml:"window"`
}

// MetricsConfig defines the persistence pipeline.
type MetricsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	SampleRate    float64       `yaml:"sample_rate"` // 0..1 uniform sampling of request metrics
}

// AlertsConfig defines the alert evaluator and notification channels.
type AlertsConfig struct {
	Enabled         bool                `yaml:"enabled"`
	CheckInterval   time.Duration       `yaml:"check_interval"`
	DefaultCooldown time.Duration       `yaml:"default_cooldown"`
	Channels        []AlertChannelConfig `yaml:"channels"`
}

// AlertChannelConfig defines one notification channel.
type AlertChannelConfig struct {
	Type    string        `yaml:"type"` // log, webhook, slack
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	RatePerMinute int     `yaml:"rate_per_minute"` // max notifications per minute, 0 = unlimited
}

// RealtimeConfig defines the websocket push service.
type RealtimeConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Path                string        `yaml:"path"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip"`
	MinInterval         time.Duration `yaml:"min_interval"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	SendBuffer          int           `yaml:"send_buffer"` // per-client outbound queue
}

// MLConfig defines the anomaly/optimization service client.
type MLConfig struct {
	Enabled          bool          `yaml:"enabled"`
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	ForwardInterval  time.Duration `yaml:"forward_interval"`
	AnomalyThreshold float64       `yaml:"anomaly_threshold"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ProxyAddress:    ":8080",
			APIAddress:      ":9090",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			ServerTiming:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		Redis: RedisConfig{
			PoolSize:      64,
			DialTimeout:   2 * time.Second,
			ReadTimeout:   250 * time.Millisecond,
			WriteTimeout:  250 * time.Millisecond,
			ScriptTimeout: 100 * time.Millisecond,
			KeyPrefix:     "aegis",
		},
		Database: DatabaseConfig{
			MaxConns:        8,
			ConnectTimeout:  5 * time.Second,
			QueryTimeout:    10 * time.Second,
			RetentionDays:   30,
			CleanupInterval: time.Hour,
		},
		Identity: IdentityConfig{
			UserHeader:   "X-User-ID",
			TierHeader:   "X-User-Tier",
			APIKeyHeader: "X-API-Key",
		},
		Health: HealthConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			Timeout:          5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Algorithm:       "sliding_window_counter",
			DefaultRequests: 60,
			DefaultWindow:   time.Minute,
			KeyStrategy:     "composite",
			KeyPrefix:       "rl",
			IncludeHeaders:  true,
			ErrorMessage:    "Rate limit exceeded",
			Bypass: BypassConfig{
				AllowInternal: false,
			},
		},
		Metrics: MetricsConfig{
			FlushInterval: 10 * time.Second,
			BatchSize:     100,
			SampleRate:    1.0,
		},
		Alerts: AlertsConfig{
			Enabled:         true,
			CheckInterval:   time.Minute,
			DefaultCooldown: 5 * time.Minute,
			Channels:        []AlertChannelConfig{{Type: "log"}},
		},
		Realtime: RealtimeConfig{
			Enabled:             true,
			Path:                "/ws",
			MaxConnectionsPerIP: 5,
			MinInterval:         time.Second,
			PingInterval:        30 * time.Second,
			SendBuffer:          64,
		},
		ML: MLConfig{
			Timeout:          5 * time.Second,
			MaxRetries:       3,
			ForwardInterval:  time.Minute,
			AnomalyThreshold: 0.8,
		},
	}
}
