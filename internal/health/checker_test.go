package health

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aegisgw/aegis/internal/config"
)

type captureRecorder struct {
	mu      sync.Mutex
	metrics []BackendMetric
}

func (r *captureRecorder) RecordBackendMetric(m BackendMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, m)
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.metrics)
}

func newTestChecker(t *testing.T, recorder Recorder, backends ...config.BackendConfig) *Checker {
	t.Helper()
	c := NewChecker(config.HealthConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
	}, recorder)
	// Long interval: tests drive probes through CheckNow
	for i := range backends {
		if backends[i].HealthCheckInterval == 0 {
			backends[i].HealthCheckInterval = time.Hour
		}
	}
	c.Update(backends)
	t.Cleanup(c.Stop)
	return c
}

func TestCheckerHealthyBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path = %s, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestChecker(t, nil, config.BackendConfig{Name: "users", URL: srv.URL})

	h, ok := c.CheckNow("users")
	if !ok {
		t.Fatal("backend not registered")
	}
	if h.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy on first pass", h.Status)
	}
	if !c.IsHealthy("users") {
		t.Error("IsHealthy should be true")
	}
}

func TestCheckerDegradedThenUnhealthy(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestChecker(t, nil, config.BackendConfig{Name: "users", URL: srv.URL})
	c.CheckNow("users")

	fail.Store(true)
	for i := 1; i <= 2; i++ {
		h, _ := c.CheckNow("users")
		if h.Status != StatusDegraded {
			t.Fatalf("after %d failures: status = %s, want degraded", i, h.Status)
		}
		if !c.IsHealthy("users") {
			t.Fatal("degraded backend should still take traffic")
		}
	}

	h, _ := c.CheckNow("users")
	if h.Status != StatusUnhealthy {
		t.Fatalf("after 3 failures: status = %s, want unhealthy", h.Status)
	}
	if c.IsHealthy("users") {
		t.Error("unhealthy backend should be excluded")
	}

	// Recovery needs successThreshold consecutive passes
	fail.Store(false)
	if h, _ := c.CheckNow("users"); h.Status != StatusUnhealthy {
		t.Errorf("after 1 pass: status = %s, want still unhealthy", h.Status)
	}
	if h, _ := c.CheckNow("users"); h.Status != StatusHealthy {
		t.Errorf("after 2 passes: status = %s, want healthy", h.Status)
	}
}

func TestCheckerUnreachableBackend(t *testing.T) {
	c := newTestChecker(t, nil, config.BackendConfig{Name: "gone", URL: "http://127.0.0.1:1"})

	h, _ := c.CheckNow("gone")
	if h.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded after one connection failure", h.Status)
	}
	if h.LastError == "" {
		t.Error("expected lastError to be set")
	}
}

func TestCheckerEmitsBackendMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &captureRecorder{}
	c := newTestChecker(t, rec, config.BackendConfig{Name: "users", URL: srv.URL})
	c.CheckNow("users")

	if rec.count() < 2 { // initial loop probe + CheckNow
		t.Fatalf("recorded %d metrics, want at least 2", rec.count())
	}
	rec.mu.Lock()
	m := rec.metrics[len(rec.metrics)-1]
	rec.mu.Unlock()
	if m.Backend != "users" || !m.Healthy || m.StatusCode != 200 {
		t.Errorf("metric = %+v, want healthy users probe", m)
	}
}

func TestCheckerSnapshotAndReload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestChecker(t, nil,
		config.BackendConfig{Name: "a", URL: srv.URL, HealthCheckInterval: time.Hour},
		config.BackendConfig{Name: "b", URL: srv.URL, HealthCheckInterval: time.Hour},
	)

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d backends, want 2", len(snap))
	}

	c.Update([]config.BackendConfig{
		{Name: "a", URL: srv.URL, HealthCheckInterval: time.Hour},
	})
	if _, ok := c.Health("b"); ok {
		t.Error("removed backend should leave the snapshot")
	}
	if _, ok := c.Health("a"); !ok {
		t.Error("surviving backend missing")
	}

	if _, ok := c.CheckNow("missing"); ok {
		t.Error("CheckNow on unknown backend should report absence")
	}
}
