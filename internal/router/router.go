package router

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/aegisgw/aegis/internal/config"
)

// Backend is one upstream service with its compiled route patterns.
type Backend struct {
	Name                string
	URL                 *url.URL
	HealthCheckPath     string
	HealthCheckInterval time.Duration
	Timeout             time.Duration
	RetryAttempts       int
	Weight              int
	CircuitBreaker      config.CircuitBreakerConfig

	patterns []*pattern
}

// Routes returns the raw route patterns, for admin introspection.
func (b *Backend) Routes() []string {
	out := make([]string, len(b.patterns))
	for i, p := range b.patterns {
		out[i] = p.raw
	}
	return out
}

// Match is one resolved route: the backend plus the pattern that won
// and its bound parameters.
type Match struct {
	Backend *Backend
	Pattern string
	Params  map[string]string
}

type tableEntry struct {
	pattern *pattern
	backend *Backend
	order   int // config position, breaks specificity ties
}

// Table resolves request paths to backends. The entry list is built
// sorted by specificity so Match is a single forward scan; Update
// swaps the whole table atomically under the write lock.
type Table struct {
	mu       sync.RWMutex
	entries  []tableEntry
	backends map[string]*Backend
}

// New compiles the backend declarations into a route table. Invalid
// URLs or patterns fail here, at boot.
func New(backends []config.BackendConfig) (*Table, error) {
	t := &Table{}
	if err := t.Update(backends); err != nil {
		return nil, err
	}
	return t, nil
}

// Update rebuilds the table from config, used on reload. The old
// table keeps serving until the new one is fully built.
func (t *Table) Update(backends []config.BackendConfig) error {
	var entries []tableEntry
	byName := make(map[string]*Backend, len(backends))

	order := 0
	for _, bc := range backends {
		if !bc.IsEnabled() {
			continue
		}
		u, err := url.Parse(bc.URL)
		if err != nil {
			return fmt.Errorf("backend %s: invalid url %q: %w", bc.Name, bc.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("backend %s: url %q must be http or https", bc.Name, bc.URL)
		}
		if _, dup := byName[bc.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", bc.Name)
		}

		b := &Backend{
			Name:                bc.Name,
			URL:                 u,
			HealthCheckPath:     bc.HealthCheckPath,
			HealthCheckInterval: bc.HealthCheckInterval,
			Timeout:             bc.Timeout,
			RetryAttempts:       bc.RetryAttempts,
			Weight:              bc.Weight,
			CircuitBreaker:      bc.CircuitBreaker,
		}
		for _, raw := range bc.Routes {
			p, err := compilePattern(raw)
			if err != nil {
				return fmt.Errorf("backend %s: %w", bc.Name, err)
			}
			b.patterns = append(b.patterns, p)
			entries = append(entries, tableEntry{pattern: p, backend: b, order: order})
			order++
		}
		byName[bc.Name] = b
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].pattern.moreSpecific(entries[j].pattern) {
			return true
		}
		if entries[j].pattern.moreSpecific(entries[i].pattern) {
			return false
		}
		return entries[i].order < entries[j].order
	})

	t.mu.Lock()
	t.entries = entries
	t.backends = byName
	t.mu.Unlock()
	return nil
}

// Match resolves a request path to a backend, or nil when no route
// matches. The path is normalized before matching.
func (t *Table) Match(path string) *Match {
	norm := NormalizePath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, e := range t.entries {
		if e.pattern.match(norm) {
			return &Match{
				Backend: e.backend,
				Pattern: e.pattern.raw,
				Params:  e.pattern.params(norm),
			}
		}
	}
	return nil
}

// Backend looks a backend up by name.
func (t *Table) Backend(name string) *Backend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.backends[name]
}

// Backends returns all backends in a stable order, for the health
// checker and the admin API.
func (t *Table) Backends() []*Backend {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
