package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aegisgw/aegis/internal/config"
	"github.com/aegisgw/aegis/internal/logging"
)

// Status is a backend health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"  // failing, but under the threshold
	StatusUnhealthy Status = "unhealthy" // failureThreshold consecutive failures
	StatusUnknown   Status = "unknown"   // never probed
)

// ServiceHealth is the full per-backend view exposed on the API.
type ServiceHealth struct {
	Name                 string    `json:"name"`
	URL                  string    `json:"url"`
	Status               Status    `json:"status"`
	LastCheck            time.Time `json:"lastCheck"`
	ResponseTimeMs       int64     `json:"responseTimeMs"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastError            string    `json:"lastError,omitempty"`
	TotalChecks          int64     `json:"totalChecks"`
	TotalFailures        int64     `json:"totalFailures"`
}

// BackendMetric is one probe outcome, recorded into the metrics
// pipeline after every check.
type BackendMetric struct {
	Backend        string
	Status         Status
	Healthy        bool
	StatusCode     int
	ResponseTimeMs int64
	Error          string
	Timestamp      time.Time
}

// Recorder receives probe outcomes. The metrics collector implements
// it; a nil recorder drops them.
type Recorder interface {
	RecordBackendMetric(m BackendMetric)
}

type backendState struct {
	name     string
	url      string
	path     string
	interval time.Duration
	timeout  time.Duration

	status               Status
	lastCheck            time.Time
	latency              time.Duration
	lastError            string
	consecutiveFailures  int
	consecutiveSuccesses int
	totalChecks          int64
	totalFailures        int64

	cancel context.CancelFunc
}

// Checker probes each backend's health endpoint on its own interval.
// One goroutine per backend, stopped individually on config reload.
type Checker struct {
	client           *http.Client
	recorder         Recorder
	failureThreshold int
	successThreshold int
	defaultTimeout   time.Duration
	defaultInterval  time.Duration

	mu       sync.RWMutex
	backends map[string]*backendState

	ctx    context.Context
	cancel context.CancelFunc
}

// NewChecker builds the checker; Start launches the probe loops.
func NewChecker(cfg config.HealthConfig, recorder Recorder) *Checker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		recorder:         recorder,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		defaultTimeout:   timeout,
		defaultInterval:  10 * time.Second,
		backends:         make(map[string]*backendState),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Update reconciles the probed set with the backend config: new
// backends get a loop, removed ones are stopped, changed ones are
// restarted. Used at boot and on reload.
func (c *Checker) Update(backends []config.BackendConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(backends))
	for _, bc := range backends {
		if !bc.IsEnabled() {
			continue
		}
		seen[bc.Name] = true

		path := bc.HealthCheckPath
		if path == "" {
			path = "/health"
		}
		interval := bc.HealthCheckInterval
		if interval <= 0 {
			interval = c.defaultInterval
		}
		timeout := bc.Timeout
		if timeout <= 0 {
			timeout = c.defaultTimeout
		}

		if existing, ok := c.backends[bc.Name]; ok {
			if existing.url == bc.URL && existing.path == path &&
				existing.interval == interval && existing.timeout == timeout {
				continue
			}
			existing.cancel()
		}

		loopCtx, loopCancel := context.WithCancel(c.ctx)
		state := &backendState{
			name:     bc.Name,
			url:      bc.URL,
			path:     path,
			interval: interval,
			timeout:  timeout,
			status:   StatusUnknown,
			cancel:   loopCancel,
		}
		c.backends[bc.Name] = state
		go c.checkLoop(loopCtx, bc.Name, interval)
	}

	for name, state := range c.backends {
		if !seen[name] {
			state.cancel()
			delete(c.backends, name)
		}
	}
}

// Stop halts all probe loops.
func (c *Checker) Stop() {
	c.cancel()
}

func (c *Checker) checkLoop(ctx context.Context, name string, interval time.Duration) {
	c.check(ctx, name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.check(ctx, name)
		}
	}
}

// check runs one probe and applies the threshold logic.
func (c *Checker) check(ctx context.Context, name string) {
	c.mu.RLock()
	state, ok := c.backends[name]
	if !ok {
		c.mu.RUnlock()
		return
	}
	probeURL := state.url + state.path
	timeout := state.timeout
	c.mu.RUnlock()

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCode := 0
	var probeErr error

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		probeErr = err
	} else {
		resp, err := c.client.Do(req)
		if err != nil {
			probeErr = err
		} else {
			statusCode = resp.StatusCode
			resp.Body.Close()
			if statusCode < 200 || statusCode > 399 {
				probeErr = fmt.Errorf("unhealthy status code %d", statusCode)
			}
		}
	}
	latency := time.Since(start)

	c.apply(name, probeErr, statusCode, latency)
}

func (c *Checker) apply(name string, probeErr error, statusCode int, latency time.Duration) {
	c.mu.Lock()
	state, ok := c.backends[name]
	if !ok {
		c.mu.Unlock()
		return
	}

	state.lastCheck = time.Now()
	state.latency = latency
	state.totalChecks++

	old := state.status
	if probeErr != nil {
		state.lastError = probeErr.Error()
		state.totalFailures++
		state.consecutiveSuccesses = 0
		state.consecutiveFailures++
		if state.consecutiveFailures >= c.failureThreshold {
			state.status = StatusUnhealthy
		} else {
			state.status = StatusDegraded
		}
	} else {
		state.lastError = ""
		state.consecutiveFailures = 0
		state.consecutiveSuccesses++
		if old == StatusUnknown || state.consecutiveSuccesses >= c.successThreshold {
			state.status = StatusHealthy
		}
	}
	status := state.status
	c.mu.Unlock()

	if old != status {
		logging.Info("backend health changed",
			zap.String("backend", name),
			zap.String("from", string(old)),
			zap.String("to", string(status)),
			zap.Error(probeErr))
	}

	if c.recorder != nil {
		errStr := ""
		if probeErr != nil {
			errStr = probeErr.Error()
		}
		c.recorder.RecordBackendMetric(BackendMetric{
			Backend:        name,
			Status:         status,
			Healthy:        status == StatusHealthy,
			StatusCode:     statusCode,
			ResponseTimeMs: latency.Milliseconds(),
			Error:          errStr,
			Timestamp:      time.Now(),
		})
	}
}

// CheckNow probes one backend immediately and returns the updated
// view. Admin escape hatch.
func (c *Checker) CheckNow(name string) (ServiceHealth, bool) {
	c.mu.RLock()
	_, ok := c.backends[name]
	c.mu.RUnlock()
	if !ok {
		return ServiceHealth{}, false
	}

	c.check(c.ctx, name)
	return c.Health(name)
}

// Health returns the current view of one backend.
func (c *Checker) Health(name string) (ServiceHealth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.backends[name]
	if !ok {
		return ServiceHealth{}, false
	}
	return serviceHealth(state), true
}

// Snapshot returns the view of every backend, keyed by name.
func (c *Checker) Snapshot() map[string]ServiceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]ServiceHealth, len(c.backends))
	for name, state := range c.backends {
		out[name] = serviceHealth(state)
	}
	return out
}

// IsHealthy reports whether a backend can take traffic. Degraded and
// unknown backends still do; only unhealthy is excluded.
func (c *Checker) IsHealthy(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	state, ok := c.backends[name]
	if !ok {
		return true
	}
	return state.status != StatusUnhealthy
}

func serviceHealth(s *backendState) ServiceHealth {
	return ServiceHealth{
		Name:                 s.name,
		URL:                  s.url,
		Status:               s.status,
		LastCheck:            s.lastCheck,
		ResponseTimeMs:       s.latency.Milliseconds(),
		ConsecutiveFailures:  s.consecutiveFailures,
		ConsecutiveSuccesses: s.consecutiveSuccesses,
		LastError:            s.lastError,
		TotalChecks:          s.totalChecks,
		TotalFailures:        s.totalFailures,
	}
}
