package kv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDisabled is returned when no KV store is configured. Callers are
// expected to fail open on it like any other KV error.
var ErrDisabled = errors.New("kv store disabled")

// Config holds connection settings for the KV store.
type Config struct {
	Address       string
	Password      string
	DB            int
	PoolSize      int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ScriptTimeout time.Duration
	KeyPrefix     string
}

// Client wraps the Redis connection used for distributed limiter state.
// A nil *Client is valid and reports disabled; every method guards it.
type Client struct {
	rdb           *redis.Client
	prefix        string
	scriptTimeout time.Duration
}

// New creates a KV client. An empty address returns nil: the limiter
// treats a nil client as an unavailable store and fails open.
func New(cfg Config) *Client {
	if cfg.Address == "" {
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	scriptTimeout := cfg.ScriptTimeout
	if scriptTimeout <= 0 {
		scriptTimeout = 100 * time.Millisecond
	}

	return &Client{
		rdb:           rdb,
		prefix:        cfg.KeyPrefix,
		scriptTimeout: scriptTimeout,
	}
}

// NewFromRedis wraps an existing Redis client. Used by tests.
func NewFromRedis(rdb *redis.Client, prefix string, scriptTimeout time.Duration) *Client {
	if scriptTimeout <= 0 {
		scriptTimeout = 100 * time.Millisecond
	}
	return &Client{rdb: rdb, prefix: prefix, scriptTimeout: scriptTimeout}
}

// Enabled reports whether a KV store is configured.
func (c *Client) Enabled() bool {
	return c != nil
}

// Key joins parts under the configured prefix.
func (c *Client) Key(parts ...string) string {
	if c == nil || c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return c.prefix + ":" + strings.Join(parts, ":")
}

// RunScript executes a server-side script with the hot-path deadline
// applied. Limiter scripts return a uniform integer array.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) ([]int64, error) {
	if c == nil {
		return nil, ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.scriptTimeout)
	defer cancel()
	return script.Run(ctx, c.rdb, keys, args...).Int64Slice()
}

// Redis exposes the underlying client for side-effect-free reads
// (peek) and deletes (reset). Returns nil when disabled.
func (c *Client) Redis() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// Del removes keys. Used by operator-initiated limiter resets.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil {
		return ErrDisabled
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil {
		return ErrDisabled
	}
	return c.rdb.Ping(ctx).Err()
}

// Healthy reports whether the store currently answers a ping.
func (c *Client) Healthy(ctx context.Context) bool {
	if c == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err() == nil
}

// Stats describes the connection pool, surfaced on the operational API.
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"totalConns"`
	IdleConns  uint32 `json:"idleConns"`
}

// Stats returns pool statistics, zero-valued when disabled.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	s := c.rdb.PoolStats()
	return Stats{
		Hits:       s.Hits,
		Misses:     s.Misses,
		Timeouts:   s.Timeouts,
		TotalConns: s.TotalConns,
		IdleConns:  s.IdleConns,
	}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
