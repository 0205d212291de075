// Package balancer implements C4: instance selection over a service's
// registered backends, combining health-weighted scoring with a choice of
// six selection algorithms and a self-contained per-instance breaker.
package balancer

import (
	"time"

	"github.com/agentfabric/fabric/internal/registry"
)

// HealthStatus is a load-balancer-local view of an instance's health,
// distinct from (and derived more finely than) registry.Status.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

const recentWindow = 20

// requestOutcome is one recorded call result, retained for the rolling
// success-rate window.
type requestOutcome struct {
	success bool
	latency time.Duration
}

// Metrics tracks the rolling request statistics load-balancing decisions
// are scored against.
type Metrics struct {
	TotalRequests     int
	ActiveConnections int
	AvgResponseTimeMs float64
	SuccessRate       float64 // percent, 0-100
	LastRequestTime   time.Time
	HealthScore       float64 // 0-100
	Weight            float64

	history []requestOutcome
}

// calculateHealthScore derives HealthScore from SuccessRate, penalized by
// latency and connection-load thresholds, matching the original's
// calculate_health_score exactly.
func (m *Metrics) calculateHealthScore() float64 {
	score := m.SuccessRate

	if m.AvgResponseTimeMs > 1000 {
		score *= 0.8
	} else if m.AvgResponseTimeMs > 500 {
		score *= 0.9
	}

	if m.ActiveConnections > 100 {
		score *= 0.7
	} else if m.ActiveConnections > 50 {
		score *= 0.85
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	m.HealthScore = score
	return score
}

// Instance is a load-balancer-tracked backend: a registry instance plus
// rolling health metrics and a self-contained circuit breaker.
type Instance struct {
	Service registry.Instance
	Metrics Metrics
	Health  HealthStatus

	breakerOpen      bool
	breakerOpenUntil time.Time
}

// effectiveWeight scales base weight by health score and a degraded
// penalty, the quantity every weighted algorithm selects over.
func (inst *Instance) effectiveWeight() float64 {
	base := inst.Metrics.Weight
	if base <= 0 {
		base = 1
	}
	factor := inst.Metrics.HealthScore / 100.0
	if inst.Health == HealthDegraded {
		factor *= 0.5
	}
	return base * factor
}

// available reports whether the instance may receive traffic: its breaker
// is closed (auto-clearing an expired open) and its health is HEALTHY or
// DEGRADED.
func (inst *Instance) available(now time.Time) bool {
	if inst.breakerOpen {
		if !inst.breakerOpenUntil.IsZero() && now.After(inst.breakerOpenUntil) {
			inst.breakerOpen = false
			inst.breakerOpenUntil = time.Time{}
		} else {
			return false
		}
	}
	return inst.Health == HealthHealthy || inst.Health == HealthDegraded
}
