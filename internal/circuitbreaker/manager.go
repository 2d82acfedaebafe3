package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/aegisgw/aegis/internal/config"
)

// Manager holds one breaker per backend name.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager builds breakers for all enabled backends.
func NewManager(backends []config.BackendConfig) *Manager {
	m := &Manager{breakers: make(map[string]*Breaker)}
	m.Update(backends)
	return m
}

// Update registers breakers for new backends on config reload.
// Existing breakers keep their state; breakers for removed backends
// are dropped.
func (m *Manager) Update(backends []config.BackendConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(backends))
	for _, bc := range backends {
		if !bc.IsEnabled() {
			continue
		}
		seen[bc.Name] = true
		if _, ok := m.breakers[bc.Name]; !ok {
			m.breakers[bc.Name] = NewBreaker(bc.Name, bc.CircuitBreaker)
		}
	}
	for name := range m.breakers {
		if !seen[name] {
			delete(m.breakers, name)
		}
	}
}

// Get returns the breaker for a backend, or nil if unknown.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// Available reports whether requests to the backend may proceed.
// Unknown backends are available; breaker state is advisory only.
func (m *Manager) Available(name string) bool {
	b := m.Get(name)
	if b == nil {
		return true
	}
	return b.Allow()
}

// Stats snapshots every breaker, sorted by backend name.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
