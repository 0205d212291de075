package breaker

import (
	"sync"

	"github.com/agentfabric/fabric/internal/clock"
)

// Manager multiplexes breakers by name, sharing a default config for any
// name that hasn't been configured explicitly.
type Manager struct {
	mu       sync.Mutex
	defaults Config
	clock    clock.Clock
	breakers map[string]*Breaker
}

// NewManager creates a Manager with the given default config, applied to
// every breaker created via GetOrCreate without an explicit override.
func NewManager(defaults Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		defaults: defaults.withDefaults(),
		clock:    clk,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the named breaker, creating it with cfg (or the
// manager's defaults if cfg is the zero value) on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	if cfg == (Config{}) {
		cfg = m.defaults
	}
	b := New(name, cfg, m.clock)
	m.breakers[name] = b
	return b
}

// Get returns the named breaker if it exists.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Remove deletes the named breaker. Reports whether it existed.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[name]; !ok {
		return false
	}
	delete(m.breakers, name)
	return true
}

// AllStatus returns a status snapshot for every managed breaker.
func (m *Manager) AllStatus() map[string]Status {
	m.mu.Lock()
	snapshot := make([]*Breaker, 0, len(m.breakers))
	names := make([]string, 0, len(m.breakers))
	for name, b := range m.breakers {
		snapshot = append(snapshot, b)
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(snapshot))
	for i, b := range snapshot {
		out[names[i]] = b.Status()
	}
	return out
}

// ResetAll resets every managed breaker to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.Unlock()
	for _, b := range all {
		b.Reset()
	}
}

// ForceOpenAll forces every managed breaker open.
func (m *Manager) ForceOpenAll(reason string) {
	m.mu.Lock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.Unlock()
	for _, b := range all {
		b.ForceOpen(reason)
	}
}

// SummaryStats aggregates counts across every managed breaker by state.
type SummaryStats struct {
	TotalBreakers      int
	States             map[State]int
	TotalRequests      int
	TotalFailures      int
	TotalBlocks        int
	OverallFailureRate float64
}

// Summary computes SummaryStats across all currently managed breakers.
func (m *Manager) Summary() SummaryStats {
	statuses := m.AllStatus()
	s := SummaryStats{
		States: map[State]int{Closed: 0, Open: 0, HalfOpen: 0},
	}
	for _, st := range statuses {
		s.TotalBreakers++
		s.States[st.State]++
		s.TotalRequests += st.Metrics.TotalRequests
		s.TotalFailures += st.Metrics.FailedRequests
		s.TotalBlocks += st.Metrics.TotalBlocks
	}
	if s.TotalRequests > 0 {
		s.OverallFailureRate = float64(s.TotalFailures) / float64(s.TotalRequests) * 100
	}
	return s
}
