// Package router implements C7: content-based message routing, capability
// matching, and broadcast fan-out over a directory of known agents.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/store"
)

// AgentStatus is an agent's reported liveness state.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "ONLINE"
	AgentOffline AgentStatus = "OFFLINE"
	AgentBusy    AgentStatus = "BUSY"
	AgentIdle    AgentStatus = "IDLE"
	AgentError   AgentStatus = "ERROR"
)

// livenessWindow bounds how long an ONLINE agent is considered reachable
// without a fresh heartbeat.
const livenessWindow = 5 * time.Minute

// Agent is a routable endpoint: a capability-tagged worker that messages
// can be addressed to.
type Agent struct {
	ID           string
	Name         string
	Capabilities []string
	Status       AgentStatus
	LastSeen     time.Time
	Endpoint     string
	Metadata     map[string]string
}

// isOnline reports whether a is ONLINE and was last seen within the
// liveness window of now.
func (a Agent) isOnline(now time.Time) bool {
	return a.Status == AgentOnline && now.Sub(a.LastSeen) <= livenessWindow
}

func (a Agent) hasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

var (
	errUnknownAgent  = ferrors.New(ferrors.NotFound, "unknown agent")
	errMissingFields = ferrors.New(ferrors.Validation, "agent id and name are required")
)

// Directory tracks registered agents and their liveness, independent of
// C2's service registry: agents are message-routing endpoints, not HTTP
// backends.
type Directory struct {
	mu     sync.Mutex
	clock  clock.Clock
	agents map[string]*Agent
	store  *store.Store
}

// NewDirectory creates an agent Directory, restoring prior registrations
// from s if non-nil so reconnecting agents survive a gateway restart.
func NewDirectory(clk clock.Clock, s *store.Store) *Directory {
	if clk == nil {
		clk = clock.Real{}
	}
	d := &Directory{clock: clk, agents: make(map[string]*Agent), store: s}
	d.restore()
	return d
}

func (d *Directory) restore() {
	if d.store == nil {
		return
	}
	records, err := d.store.ListAgents()
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range records {
		d.agents[rec.ID] = &Agent{
			ID: rec.ID, Name: rec.Name, Capabilities: rec.Capabilities,
			Status: AgentStatus(rec.Status), LastSeen: rec.LastSeen,
			Endpoint: rec.Endpoint, Metadata: rec.Metadata,
		}
	}
}

func (d *Directory) persistLocked(a *Agent) {
	if d.store == nil {
		return
	}
	_ = d.store.SaveAgent(store.AgentRecord{
		ID: a.ID, Name: a.Name, Capabilities: a.Capabilities,
		Status: string(a.Status), LastSeen: a.LastSeen,
		Endpoint: a.Endpoint, Metadata: a.Metadata,
	})
}

// Register adds or replaces an agent, stamping LastSeen.
func (d *Directory) Register(a Agent) error {
	if a.ID == "" || a.Name == "" {
		return errMissingFields
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a.LastSeen = d.clock.Now()
	if a.Status == "" {
		a.Status = AgentOffline
	}
	cp := a
	d.agents[a.ID] = &cp
	d.persistLocked(&cp)
	return nil
}

// Unregister removes an agent from the directory.
func (d *Directory) Unregister(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[agentID]; !ok {
		return errUnknownAgent
	}
	delete(d.agents, agentID)
	if d.store != nil {
		_ = d.store.DeleteAgent(agentID)
	}
	return nil
}

// Get returns the agent with the given id.
func (d *Directory) Get(agentID string) (Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, errUnknownAgent
	}
	return *a, nil
}

// GetByName returns the agent with the given unique name.
func (d *Directory) GetByName(name string) (Agent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.agents {
		if a.Name == name {
			return *a, nil
		}
	}
	return Agent{}, errUnknownAgent
}

// List returns every agent, optionally filtered by status.
func (d *Directory) List(statusFilter AgentStatus) []Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		if statusFilter != "" && a.Status != statusFilter {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListOnline returns every agent currently considered online.
func (d *Directory) ListOnline() []Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		if a.isOnline(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCapability returns online agents advertising the given capability.
func (d *Directory) ByCapability(capability string) []Agent {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	var out []Agent
	for _, a := range d.agents {
		if a.isOnline(now) && a.hasCapability(capability) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateStatus changes an agent's reported status and refreshes LastSeen.
func (d *Directory) UpdateStatus(agentID string, status AgentStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return errUnknownAgent
	}
	a.Status = status
	a.LastSeen = d.clock.Now()
	d.persistLocked(a)
	return nil
}

// Heartbeat refreshes LastSeen and flips an OFFLINE agent back to ONLINE.
func (d *Directory) Heartbeat(agentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return errUnknownAgent
	}
	a.LastSeen = d.clock.Now()
	if a.Status == AgentOffline {
		a.Status = AgentOnline
	}
	d.persistLocked(a)
	return nil
}

// CleanupStale marks agents unseen past the liveness window OFFLINE,
// returning the count affected.
func (d *Directory) CleanupStale() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	n := 0
	for _, a := range d.agents {
		if a.Status == AgentOnline && now.Sub(a.LastSeen) > livenessWindow {
			a.Status = AgentOffline
			n++
			d.persistLocked(a)
		}
	}
	return n
}

// Stats is the directory-wide summary returned by Stats().
type Stats struct {
	TotalAgents   int
	OnlineAgents  int
	OfflineAgents int
	Capabilities  map[string]int
}

// Stats summarizes the directory's current composition.
func (d *Directory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	s := Stats{TotalAgents: len(d.agents), Capabilities: make(map[string]int)}
	for _, a := range d.agents {
		if a.isOnline(now) {
			s.OnlineAgents++
		} else {
			s.OfflineAgents++
		}
		for _, c := range a.Capabilities {
			s.Capabilities[c]++
		}
	}
	return s
}
