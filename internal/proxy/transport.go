package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportConfig configures the upstream HTTP transport.
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	ForceHTTP2            bool
}

// DefaultTransportConfig provides default transport settings.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          256,
	MaxIdleConnsPerHost:   32,
	MaxConnsPerHost:       0, // unlimited
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
	ForceHTTP2:            true,
}

// NewTransport builds an upstream transport from config.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}

// TransportPool keeps one pooled transport per backend so connection
// reuse is not shared across upstreams.
type TransportPool struct {
	mu         sync.RWMutex
	base       TransportConfig
	transports map[string]*http.Transport
}

// NewTransportPool creates a pool that builds transports lazily from
// the default config.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		base:       DefaultTransportConfig,
		transports: make(map[string]*http.Transport),
	}
}

// Get returns the transport for a backend, creating it on first use.
func (tp *TransportPool) Get(backend string) *http.Transport {
	tp.mu.RLock()
	t, ok := tp.transports[backend]
	tp.mu.RUnlock()
	if ok {
		return t
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[backend]; ok {
		return t
	}
	t = NewTransport(tp.base)
	tp.transports[backend] = t
	return t
}

// CloseIdleConnections drains idle connections on every transport.
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
