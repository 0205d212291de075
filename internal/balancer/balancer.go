package balancer

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/registry"
)

// Algorithm selects which selection strategy a Balancer applies.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	LeastConnections   Algorithm = "least_connections"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
	Random             Algorithm = "random"
	ConsistentHash     Algorithm = "consistent_hash"
	HealthWeighted     Algorithm = "health_weighted"
)

// Config tunes a Balancer's defaults.
type Config struct {
	Algorithm               Algorithm
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	StickySessions          bool
}

func (c Config) withDefaults() Config {
	if c.Algorithm == "" {
		c.Algorithm = HealthWeighted
	}
	if c.CircuitBreakerThreshold <= 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerTimeout <= 0 {
		c.CircuitBreakerTimeout = 60 * time.Second
	}
	return c
}

// ErrNoAvailableInstance is returned when no registered instance for a
// service is currently available.
var ErrNoAvailableInstance = ferrors.New(ferrors.Unavailable, "no available instance")

// Balancer is C4: it selects one of a service's registered instances per
// its configured algorithm, tracking rolling per-instance health metrics
// and a lightweight self-contained breaker across calls.
type Balancer struct {
	mu sync.Mutex

	cfg   Config
	clock clock.Clock

	instances          map[string]*Instance
	roundRobinCounters map[string]int
	stickySessions     map[string]string // session id -> instance id
}

// New creates a Balancer.
func New(cfg Config, clk clock.Clock) *Balancer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Balancer{
		cfg:                cfg.withDefaults(),
		clock:              clk,
		instances:          make(map[string]*Instance),
		roundRobinCounters: make(map[string]int),
		stickySessions:     make(map[string]string),
	}
}

// Select picks one of candidates for serviceName per the configured
// algorithm, consulting and creating the rolling per-instance state as
// needed. sessionID and clientIP are optional routing inputs used by
// sticky sessions and consistent hashing respectively.
func (b *Balancer) Select(serviceName string, candidates []registry.Instance, sessionID, clientIP string) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	available := b.availableLocked(candidates, now)
	if len(available) == 0 {
		metrics.BalancerNoHealthyBackend.WithLabelValues(serviceName).Inc()
		return nil, ErrNoAvailableInstance
	}

	if b.cfg.StickySessions && sessionID != "" {
		if instID, ok := b.stickySessions[sessionID]; ok {
			if inst, ok := b.instances[instID]; ok && inst.available(now) && inst.Service.Name == serviceName {
				metrics.BalancerSelections.WithLabelValues(string(b.cfg.Algorithm), serviceName).Inc()
				out := inst.Service
				return &out, nil
			}
			delete(b.stickySessions, sessionID)
		}
	}

	selected := b.selectByAlgorithm(serviceName, available, clientIP)
	if selected == nil {
		return nil, ErrNoAvailableInstance
	}

	if b.cfg.StickySessions && sessionID != "" {
		b.stickySessions[sessionID] = selected.Service.ID
	}
	metrics.BalancerSelections.WithLabelValues(string(b.cfg.Algorithm), serviceName).Inc()
	out := selected.Service
	return &out, nil
}

// availableLocked ensures every candidate has tracked state and returns
// the subset currently available for traffic.
func (b *Balancer) availableLocked(candidates []registry.Instance, now time.Time) []*Instance {
	var available []*Instance
	for _, c := range candidates {
		inst, ok := b.instances[c.ID]
		if !ok {
			inst = &Instance{
				Service: c,
				Health:  HealthHealthy,
				Metrics: Metrics{Weight: float64(c.Weight), SuccessRate: 100, HealthScore: 100},
			}
			if c.HealthCheck != "" {
				inst.Health = HealthUnknown
			}
			b.instances[c.ID] = inst
		} else {
			inst.Service = c
		}
		if inst.available(now) {
			available = append(available, inst)
		}
	}
	return available
}

func (b *Balancer) selectByAlgorithm(serviceName string, instances []*Instance, clientIP string) *Instance {
	switch b.cfg.Algorithm {
	case RoundRobin:
		return b.selectRoundRobin(serviceName, instances)
	case LeastConnections:
		return selectLeastConnections(instances)
	case WeightedRoundRobin:
		return b.selectWeightedRoundRobin(serviceName, instances)
	case Random:
		return instances[rand.Intn(len(instances))]
	case ConsistentHash:
		return selectConsistentHash(instances, clientIP)
	default:
		return selectHealthWeighted(instances)
	}
}

func (b *Balancer) selectRoundRobin(serviceName string, instances []*Instance) *Instance {
	idx := b.roundRobinCounters[serviceName] % len(instances)
	b.roundRobinCounters[serviceName]++
	return instances[idx]
}

func selectLeastConnections(instances []*Instance) *Instance {
	best := instances[0]
	for _, inst := range instances[1:] {
		if inst.Metrics.ActiveConnections < best.Metrics.ActiveConnections {
			best = inst
		}
	}
	return best
}

// selectWeightedRoundRobin replicates each instance proportionally to its
// effective weight (scaled x10, floor 1) and round-robins over the
// expanded list, matching the original's integer-replication approach.
func (b *Balancer) selectWeightedRoundRobin(serviceName string, instances []*Instance) *Instance {
	var weighted []*Instance
	for _, inst := range instances {
		reps := int(inst.effectiveWeight() * 10)
		if reps < 1 {
			reps = 1
		}
		for i := 0; i < reps; i++ {
			weighted = append(weighted, inst)
		}
	}
	if len(weighted) == 0 {
		return instances[0]
	}
	idx := b.roundRobinCounters[serviceName] % len(weighted)
	b.roundRobinCounters[serviceName]++
	return weighted[idx]
}

func selectConsistentHash(instances []*Instance, clientIP string) *Instance {
	key := clientIP
	if key == "" {
		key = "default"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum32()) % len(instances)
	if idx < 0 {
		idx += len(instances)
	}
	return instances[idx]
}

func selectHealthWeighted(instances []*Instance) *Instance {
	total := 0.0
	for _, inst := range instances {
		total += inst.effectiveWeight()
	}
	if total <= 0 {
		return instances[rand.Intn(len(instances))]
	}
	r := rand.Float64() * total
	cumulative := 0.0
	for _, inst := range instances {
		cumulative += inst.effectiveWeight()
		if r <= cumulative {
			return inst
		}
	}
	return instances[len(instances)-1]
}

// RecordRequestResult feeds a call outcome back into an instance's rolling
// metrics, health status, and breaker.
func (b *Balancer) RecordRequestResult(instanceID string, success bool, latencyMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	inst, ok := b.instances[instanceID]
	if !ok {
		return
	}
	m := &inst.Metrics
	now := b.clock.Now()

	m.TotalRequests++
	m.LastRequestTime = now
	if m.AvgResponseTimeMs == 0 {
		m.AvgResponseTimeMs = latencyMs
	} else {
		m.AvgResponseTimeMs = 0.9*m.AvgResponseTimeMs + 0.1*latencyMs
	}

	m.history = append(m.history, requestOutcome{success: success, latency: time.Duration(latencyMs * float64(time.Millisecond))})
	if len(m.history) > 100 {
		m.history = m.history[len(m.history)-50:]
	}

	recent := m.history
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	successes := 0
	for _, o := range recent {
		if o.success {
			successes++
		}
	}
	if len(recent) > 0 {
		m.SuccessRate = float64(successes) / float64(len(recent)) * 100
	}

	score := m.calculateHealthScore()
	switch {
	case score > 80:
		inst.Health = HealthHealthy
	case score > 50:
		inst.Health = HealthDegraded
	default:
		inst.Health = HealthUnhealthy
	}

	if !success {
		b.checkBreakerLocked(inst, now)
	}
}

// checkBreakerLocked opens inst's breaker once CircuitBreakerThreshold of
// the most recent same-sized window of requests failed.
func (b *Balancer) checkBreakerLocked(inst *Instance, now time.Time) {
	threshold := b.cfg.CircuitBreakerThreshold
	recent := inst.Metrics.history
	if len(recent) > threshold {
		recent = recent[len(recent)-threshold:]
	}
	if len(recent) < threshold {
		return
	}
	failures := 0
	for _, o := range recent {
		if !o.success {
			failures++
		}
	}
	if failures >= threshold {
		inst.breakerOpen = true
		inst.breakerOpenUntil = now.Add(b.cfg.CircuitBreakerTimeout)
	}
}

// SetConnections updates an instance's active-connection gauge, used by
// the least-connections algorithm.
func (b *Balancer) SetConnections(instanceID string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instances[instanceID]; ok {
		inst.Metrics.ActiveConnections = n
	}
}

// Stats is the load-balancing summary returned by Stats().
type Stats struct {
	Algorithm           Algorithm
	TotalInstances      int
	HealthyInstances    int
	DegradedInstances   int
	UnhealthyInstances  int
	CircuitBreakersOpen int
	TotalRequests       int
	AvgResponseTimeMs   float64
	StickySessions      int
}

// Stats summarizes the current state of every tracked instance.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{Algorithm: b.cfg.Algorithm, StickySessions: len(b.stickySessions)}
	var totalLatency float64
	for _, inst := range b.instances {
		s.TotalInstances++
		switch inst.Health {
		case HealthHealthy:
			s.HealthyInstances++
		case HealthDegraded:
			s.DegradedInstances++
		case HealthUnhealthy:
			s.UnhealthyInstances++
		}
		if inst.breakerOpen {
			s.CircuitBreakersOpen++
		}
		s.TotalRequests += inst.Metrics.TotalRequests
		totalLatency += inst.Metrics.AvgResponseTimeMs
	}
	if s.TotalInstances > 0 {
		s.AvgResponseTimeMs = totalLatency / float64(s.TotalInstances)
	}
	return s
}

// RemoveInstance drops tracked state for instanceID and any sticky
// sessions pointing at it, called when C2 deregisters the backend.
func (b *Balancer) RemoveInstance(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.instances, instanceID)
	for sess, id := range b.stickySessions {
		if id == instanceID {
			delete(b.stickySessions, sess)
		}
	}
}

// instanceIDs is a helper for tests needing a deterministic ordering.
func (b *Balancer) instanceIDs() []string {
	ids := make([]string, 0, len(b.instances))
	for id := range b.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
