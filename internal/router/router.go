package router

import (
	"sort"
	"sync"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/queue"
)

// ErrNoTargetAgent is returned when routing finds no online agent to route
// to; registered but offline agents are not candidates.
var ErrNoTargetAgent = ferrors.New(ferrors.Unavailable, "no available agent to route to")

// Config tunes a Router.
type Config struct {
	Rules []Rule
}

// Router is C7: it resolves a Message's recipient by applying content-
// based routing rules against a Directory of agents, then load-balances
// across the resulting candidate set.
type Router struct {
	mu sync.Mutex

	rules []Rule
	dir   *Directory
	clock clock.Clock

	agentLoad    map[string]int
	lastAssigned string

	messagesRouted  int64
	routingFailures int64
}

// New creates a Router over dir using cfg.Rules (DefaultRules() if empty).
func New(cfg Config, dir *Directory, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.Real{}
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Router{
		rules:     rules,
		dir:       dir,
		clock:     clk,
		agentLoad: make(map[string]int),
	}
}

// Route resolves m's recipient, rewriting it to the selected agent id and
// applying any rule's priority boost. The message is not enqueued; callers
// pass the routed message to C1.
func (r *Router) Route(m *queue.Message) error {
	candidates, boost, ruleName := r.candidatesFor(m)
	if len(candidates) == 0 {
		var err error
		candidates, err = r.fallbackCandidates()
		if err != nil {
			r.mu.Lock()
			r.routingFailures++
			r.mu.Unlock()
			return err
		}
		ruleName = "fallback"
	}

	r.mu.Lock()
	selected := r.selectLeastLoadedLocked(candidates)
	if selected == "" {
		r.routingFailures++
		r.mu.Unlock()
		return ErrNoTargetAgent
	}
	m.Recipient = selected
	if boost != "" {
		m.Priority = boost
	}
	r.agentLoad[selected]++
	r.messagesRouted++
	r.mu.Unlock()
	metrics.RouterRouted.WithLabelValues(ruleName).Inc()
	return nil
}

// candidatesFor applies the first matching rule and returns its resulting
// agent set, any priority boost it specifies, and the rule's name. Returns
// (nil, "", "") if no rule matches.
func (r *Router) candidatesFor(m *queue.Message) ([]Agent, queue.Priority, string) {
	for _, rule := range r.rules {
		if !rule.Matches(m) {
			continue
		}
		var out []Agent
		seen := make(map[string]bool)
		if rule.TargetCapability != "" {
			for _, a := range r.dir.ByCapability(rule.TargetCapability) {
				if !seen[a.ID] {
					out = append(out, a)
					seen[a.ID] = true
				}
			}
		}
		for _, id := range rule.TargetAgents {
			a, err := r.dir.Get(id)
			if err != nil || !a.isOnline(r.clock.Now()) || seen[a.ID] {
				continue
			}
			out = append(out, a)
			seen[a.ID] = true
		}
		return out, rule.PriorityBoost, rule.Name
	}
	return nil, "", ""
}

func (r *Router) fallbackCandidates() ([]Agent, error) {
	online := r.dir.ListOnline()
	if len(online) == 0 {
		return nil, ErrNoTargetAgent
	}
	return online, nil
}

// selectLeastLoadedLocked picks the candidate with the fewest currently
// assigned in-flight messages, breaking ties by round-robin over the
// candidate list's id order.
func (r *Router) selectLeastLoadedLocked(candidates []Agent) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := make([]Agent, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	minLoad := -1
	var tied []string
	for _, a := range sorted {
		load := r.agentLoad[a.ID]
		switch {
		case minLoad == -1 || load < minLoad:
			minLoad = load
			tied = []string{a.ID}
		case load == minLoad:
			tied = append(tied, a.ID)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	idx := 0
	for i, id := range tied {
		if id == r.lastAssigned {
			idx = (i + 1) % len(tied)
			break
		}
	}
	r.lastAssigned = tied[idx]
	return tied[idx]
}

// RecordCompletion decrements an agent's tracked load once a routed
// message finishes delivery (acked or dead-lettered).
func (r *Router) RecordCompletion(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.agentLoad[agentID]; ok && n > 0 {
		r.agentLoad[agentID] = n - 1
	}
}

// AddRule appends a rule to the end of the routing table.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// RemoveRule removes the first rule with the given name, reporting
// whether one was found.
func (r *Router) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns a copy of the current routing table, in order.
func (r *Router) Rules() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Stats is the performance summary returned by Stats().
type Stats struct {
	MessagesRouted  int64
	RoutingFailures int64
	SuccessRate     float64
	ActiveRules     int
	AgentLoad       map[string]int
}

// Stats reports routing throughput and current load distribution.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		MessagesRouted:  r.messagesRouted,
		RoutingFailures: r.routingFailures,
		ActiveRules:     len(r.rules),
		AgentLoad:       make(map[string]int, len(r.agentLoad)),
	}
	total := r.messagesRouted + r.routingFailures
	if total > 0 {
		s.SuccessRate = float64(r.messagesRouted) / float64(total)
	}
	for id, n := range r.agentLoad {
		s.AgentLoad[id] = n
	}
	return s
}
