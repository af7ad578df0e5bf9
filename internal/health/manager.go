// Package health implements the startup/runtime health surface supplemented
// from original_source/Config/health_check.py: a registry of named checks
// (the daemon registers database reachability and exchange REST
// reachability; there is no per-symbol last-bar age check) aggregated into
// one healthy/unhealthy verdict and served over HTTP
// alongside the metrics endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/MrDenfish/BotTrader-sub001/internal/core"
)

// CheckFunc reports an error when the component it checks is unhealthy.
type CheckFunc func(ctx context.Context) error

type cachedResult struct {
	err       error
	checkedAt time.Time
}

// Manager aggregates health status from independently registered checks
// in a registry-of-named-checks shape. Each check's result is cached for
// TTL so
// a health probe hit every few seconds doesn't re-run a DB ping or REST
// call on every request.
type Manager struct {
	logger core.ILogger
	ttl    time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  map[string]cachedResult
}

// New builds a Manager. ttl defaults to 5 seconds if <= 0.
func New(logger core.ILogger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	m := &Manager{ttl: ttl, checks: make(map[string]CheckFunc), cache: make(map[string]cachedResult)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the named check.
func (m *Manager) Register(component string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
	delete(m.cache, component)
}

// Status returns a human-readable verdict per registered component.
func (m *Manager) Status(ctx context.Context) map[string]string {
	errs := m.evaluate(ctx)
	out := make(map[string]string, len(errs))
	for name, err := range errs {
		if err != nil {
			out[name] = "unhealthy: " + err.Error()
		} else {
			out[name] = "healthy"
		}
	}
	return out
}

// IsHealthy reports whether every registered component currently passes.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	for _, err := range m.evaluate(ctx) {
		if err != nil {
			return false
		}
	}
	return true
}

// evaluate runs (or reuses a cached, still-fresh result for) every
// registered check and returns the raw errors keyed by component name.
func (m *Manager) evaluate(ctx context.Context) map[string]error {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]error, len(names))
	for _, name := range names {
		out[name] = m.resultFor(ctx, name)
	}
	return out
}

func (m *Manager) resultFor(ctx context.Context, name string) error {
	m.mu.RLock()
	check := m.checks[name]
	cached, hasCache := m.cache[name]
	m.mu.RUnlock()

	if hasCache && time.Since(cached.checkedAt) < m.ttl {
		return cached.err
	}

	err := check(ctx)
	m.mu.Lock()
	m.cache[name] = cachedResult{err: err, checkedAt: time.Now()}
	m.mu.Unlock()

	if err != nil && m.logger != nil {
		m.logger.Warn("health: check failed", core.F("component", name), core.F("error", err.Error()))
	}
	return err
}
