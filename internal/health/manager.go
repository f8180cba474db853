// Package health aggregates dependency probes for the liveness and readiness
// endpoints. Checks run concurrently with a short per-check timeout so one
// stuck dependency cannot wedge the probe.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const checkTimeout = 3 * time.Second

// Status is one dependency's probe outcome.
type Status struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is the aggregated probe outcome.
type Report struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]Status `json:"checks"`
}

// Check probes one dependency.
type Check func(ctx context.Context) error

// Manager holds the registered checks.
type Manager struct {
	mu     sync.RWMutex
	checks map[string]Check
	logger *zap.Logger
}

// NewManager builds an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{checks: make(map[string]Check), logger: logger}
}

// Register adds a named dependency check.
func (m *Manager) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Run probes every registered dependency concurrently.
func (m *Manager) Run(ctx context.Context) Report {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	report := Report{Healthy: true, Checks: make(map[string]Status, len(checks))}
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := check(checkCtx)
			status := Status{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				status.Error = err.Error()
				m.logger.Warn("Health check failed",
					zap.String("check", name),
					zap.Error(err),
				)
			}

			mu.Lock()
			report.Checks[name] = status
			if err != nil {
				report.Healthy = false
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return report
}
