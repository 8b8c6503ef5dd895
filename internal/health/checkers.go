package health

import (
	"context"
	"time"

	"github.com/quarry-lab/conductor/internal/circuitbreaker"
)

// PingChecker wraps a dependency's ping function.
type PingChecker struct {
	ComponentName string
	Critical      bool
	// DegradedAfter marks the component degraded when the ping succeeds
	// slower than this; zero disables the latency check.
	DegradedAfter time.Duration
	Ping          func(ctx context.Context) error
}

func (p *PingChecker) Name() string     { return p.ComponentName }
func (p *PingChecker) IsCritical() bool { return p.Critical }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	res := CheckResult{Component: p.ComponentName, Critical: p.Critical}
	err := p.Ping(ctx)
	res.Duration = time.Since(start)
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	case p.DegradedAfter > 0 && res.Duration > p.DegradedAfter:
		res.Status = StatusDegraded
		res.Message = "responding with high latency"
	default:
		res.Status = StatusHealthy
	}
	return res
}

// BreakerChecker degrades the service while any circuit breaker is open.
type BreakerChecker struct {
	Registry *circuitbreaker.Registry
}

func (b *BreakerChecker) Name() string     { return "circuit_breakers" }
func (b *BreakerChecker) IsCritical() bool { return false }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	res := CheckResult{Component: "circuit_breakers", Status: StatusHealthy}
	for name, status := range b.Registry.Snapshot() {
		if status.State == circuitbreaker.StateOpen.String() {
			res.Status = StatusDegraded
			res.Message = "breaker open: " + name
		}
	}
	return res
}
