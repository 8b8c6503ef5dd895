// Package health aggregates component liveness into the /health endpoints.
// Checkers are registered at startup; results are computed on demand with a
// per-checker timeout.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of a single component or the service overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure makes the whole service
	// unhealthy; non-critical failures only degrade it.
	IsCritical() bool
}

// Overall is the aggregated report.
type Overall struct {
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]CheckResult `json:"components,omitempty"`
}

const checkTimeout = 5 * time.Second

// Manager holds the registered checkers.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{checkers: make(map[string]Checker), logger: logger}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Check runs every checker and aggregates. detailed controls whether the
// per-component results are included.
func (m *Manager) Check(ctx context.Context, detailed bool) Overall {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	overall := Overall{Status: StatusHealthy, Timestamp: time.Now().UTC()}
	if detailed {
		overall.Components = make(map[string]CheckResult, len(checkers))
	}
	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		res := c.Check(cctx)
		cancel()
		if detailed {
			overall.Components[c.Name()] = res
		}
		switch {
		case res.Status == StatusUnhealthy && c.IsCritical():
			overall.Status = StatusUnhealthy
		case res.Status != StatusHealthy && overall.Status == StatusHealthy:
			overall.Status = StatusDegraded
		}
		if res.Status != StatusHealthy {
			m.logger.Warn("health check not healthy",
				zap.String("component", c.Name()),
				zap.String("status", string(res.Status)),
				zap.String("error", res.Error))
		}
	}
	return overall
}

// Ready reports whether all critical dependencies are up.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx, false).Status != StatusUnhealthy
}
