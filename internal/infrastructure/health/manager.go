// Package health aggregates component liveness checks for the ops endpoints.
package health

import (
	"sync"

	"github.com/Gainium/paper-trading-sh/internal/core"
)

// Manager runs registered component checks on demand and reports their
// combined state. Checks must be cheap; they run on every probe.
type Manager struct {
	logger core.ILogger

	mu     sync.Mutex
	checks map[string]func() error
	failed map[string]bool
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "health"),
		checks: make(map[string]func() error),
		failed: make(map[string]bool),
	}
}

var _ core.IHealthMonitor = (*Manager)(nil)

// Register adds a named component check. Re-registering a name replaces the
// previous check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and returns the per-component result.
func (m *Manager) GetStatus() map[string]string {
	results := m.run()

	status := make(map[string]string, len(results))
	for component, err := range results {
		if err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	for _, err := range m.run() {
		if err != nil {
			return false
		}
	}
	return true
}

// run executes the checks outside the lock and records state transitions so
// a component flapping between probes shows up in the log exactly once per
// flip.
func (m *Manager) run() map[string]error {
	m.mu.Lock()
	checks := make(map[string]func() error, len(m.checks))
	for name, check := range m.checks {
		checks[name] = check
	}
	m.mu.Unlock()

	results := make(map[string]error, len(checks))
	for name, check := range checks {
		results[name] = check()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, err := range results {
		was := m.failed[name]
		now := err != nil
		if now && !was {
			m.logger.Warn("component became unhealthy", "check", name, "error", err.Error())
		} else if !now && was {
			m.logger.Info("component recovered", "check", name)
		}
		m.failed[name] = now
	}
	return results
}
