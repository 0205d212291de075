package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/store"
)

const (
	defaultTTLSeconds  = 300
	defaultCleanupTick = 60 * time.Second
)

// Patch merges into an existing registration via Update; nil fields are
// left unchanged.
type Patch struct {
	Metadata    map[string]string
	Tags        []string
	HealthCheck *string
	Weight      *int
}

// DiscoverFilter narrows a discover() query.
type DiscoverFilter struct {
	HealthyOnly bool // true excludes instances neither HEALTHY nor STARTING; the HTTP discover route defaults it to true
	Tags        []string
}

// watcher is a per-service-name subscriber invoked on every lifecycle
// event for that name; panics are recovered so one bad subscriber can't
// take down delivery to the rest.
type watcher struct {
	id   uint64
	name string
	fn   func(Event)
}

// Registry is C2: the authoritative service registry.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]*Registration
	deps          *depGraph
	events        *eventLog

	watchers  []watcher
	nextWatch uint64

	store *store.Store
	clock clock.Clock
	log   *slog.Logger

	probe *healthProbe

	stopCleanup chan struct{}
}

// Config configures registry defaults.
type Config struct {
	DefaultTTL  time.Duration
	CleanupTick time.Duration
	HealthCheck HealthCheckConfig
}

// New creates a Registry, restoring prior state from the store.
func New(cfg Config, s *store.Store, bus *events.Bus[events.ServiceEvent], clk clock.Clock, log *slog.Logger) *Registry {
	if cfg.CleanupTick <= 0 {
		cfg.CleanupTick = defaultCleanupTick
	}
	if clk == nil {
		clk = clock.Real{}
	}

	r := &Registry{
		registrations: make(map[string]*Registration),
		deps:          newDepGraph(),
		events:        newEventLog(bus, s),
		store:         s,
		clock:         clk,
		log:           log,
		probe:         newHealthProbe(cfg.HealthCheck, clk, log),
	}
	r.events.restore()
	r.restore()
	return r
}

func (r *Registry) restore() {
	if r.store == nil {
		return
	}
	records, err := r.store.ListServices()
	if err != nil {
		if r.log != nil {
			r.log.Warn("failed to restore service registrations", "error", err)
		}
		return
	}
	r.mu.Lock()
	for _, rec := range records {
		reg := &Registration{
			Instance: Instance{
				ID: rec.ID, Name: rec.Name, Host: rec.Host, Port: rec.Port,
				Metadata: rec.Metadata, HealthCheck: rec.HealthCheck,
				Tags: rec.Tags, Version: rec.Version, Weight: rec.Weight,
			},
			RegisteredAt:  rec.RegisteredAt,
			LastHeartbeat: rec.LastHeartbeat,
			Status:        Status(rec.Status),
			TTL:           time.Duration(rec.TTLSeconds) * time.Second,
		}
		r.registrations[rec.ID] = reg
		r.deps.addNode(rec.ID)
	}
	r.mu.Unlock()

	deps, err := r.store.ListDependencies()
	if err == nil {
		for id, ds := range deps {
			r.deps.setDependencies(id, ds)
		}
	}
	r.refreshSize()
}

// Register stores a registration in STARTING, emits REGISTERED, and
// persists to the durable store. Registering a duplicate id replaces the
// prior registration.
func (r *Registry) Register(inst Instance, dependencies []string) error {
	if inst.ID == "" || inst.Name == "" {
		return ferrors.New(ferrors.Validation, "instance id and name are required")
	}
	if inst.Weight <= 0 {
		inst.Weight = 1
	}
	now := r.clock.Now()

	reg := &Registration{
		Instance:      inst,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        StatusStarting,
		TTL:           time.Duration(defaultTTLSeconds) * time.Second,
	}
	if inst.HealthCheck == "" {
		reg.Status = StatusHealthy
	}

	r.mu.Lock()
	r.registrations[inst.ID] = reg
	r.deps.addNode(inst.ID)
	r.deps.setDependencies(inst.ID, dependencies)
	r.mu.Unlock()

	r.persist(inst.ID)
	if r.store != nil {
		_ = r.store.SaveDependencies(inst.ID, dependencies)
	}
	metrics.RegistryRegistrations.Inc()
	r.refreshSize()
	r.events.record(events.ServiceRegistered, inst.ID, inst.Name, nil)
	r.notify(inst.Name, events.ServiceRegistered, inst.ID)
	return nil
}

// Deregister removes a registration and emits DEREGISTERED.
func (r *Registry) Deregister(id, reason string) error {
	r.mu.Lock()
	reg, ok := r.registrations[id]
	if !ok {
		r.mu.Unlock()
		return ferrors.New(ferrors.NotFound, "service not registered")
	}
	delete(r.registrations, id)
	r.deps.removeNode(id)
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.DeleteService(id)
		_ = r.store.DeleteDependencies(id)
	}
	r.refreshSize()
	r.events.record(events.ServiceDeregistered, id, reg.Instance.Name, map[string]string{"reason": reason})
	r.notify(reg.Instance.Name, events.ServiceDeregistered, id)
	return nil
}

// Update merges a metadata/tags/health-URL/weight patch into an existing
// registration. Rejects unknown ids.
func (r *Registry) Update(id string, patch Patch) error {
	r.mu.Lock()
	reg, ok := r.registrations[id]
	if !ok {
		r.mu.Unlock()
		return ferrors.New(ferrors.NotFound, "service not registered")
	}
	if patch.Metadata != nil {
		if reg.Instance.Metadata == nil {
			reg.Instance.Metadata = map[string]string{}
		}
		for k, v := range patch.Metadata {
			reg.Instance.Metadata[k] = v
		}
	}
	if patch.Tags != nil {
		reg.Instance.Tags = patch.Tags
	}
	if patch.HealthCheck != nil {
		reg.Instance.HealthCheck = *patch.HealthCheck
	}
	if patch.Weight != nil {
		reg.Instance.Weight = *patch.Weight
	}
	name := reg.Instance.Name
	r.mu.Unlock()

	r.persist(id)
	r.events.record(events.ServiceUpdated, id, name, nil)
	r.notify(name, events.ServiceUpdated, id)
	return nil
}

// Heartbeat bumps an instance's last-heartbeat timestamp, recovering it
// from UNHEALTHY to HEALTHY once the success threshold is met.
func (r *Registry) Heartbeat(id string) error {
	now := r.clock.Now()

	r.mu.Lock()
	reg, ok := r.registrations[id]
	if !ok {
		r.mu.Unlock()
		return ferrors.New(ferrors.NotFound, "service not registered")
	}
	reg.LastHeartbeat = now
	reg.consecutiveSuccesses++
	reg.consecutiveFailures = 0

	transitioned := false
	if reg.Status == StatusUnhealthy && reg.consecutiveSuccesses >= defaultSuccessThreshold {
		reg.Status = StatusHealthy
		transitioned = true
	}
	name := reg.Instance.Name
	r.mu.Unlock()

	r.persist(id)
	if transitioned {
		r.events.record(events.ServiceHealthChanged, id, name, map[string]string{"status": string(StatusHealthy)})
		r.notify(name, events.ServiceHealthChanged, id)
	}
	return nil
}

// recordProbeResult applies a single health-probe outcome, transitioning
// HEALTHY -> UNHEALTHY after FailureThreshold consecutive failures.
func (r *Registry) recordProbeResult(id string, success bool, cfg HealthCheckConfig) {
	r.mu.Lock()
	reg, ok := r.registrations[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	var transitionTo Status
	if success {
		metrics.RegistryHealthChecks.WithLabelValues("success").Inc()
		reg.consecutiveSuccesses++
		reg.consecutiveFailures = 0
		if reg.Status == StatusUnhealthy && reg.consecutiveSuccesses >= cfg.SuccessThreshold {
			transitionTo = StatusHealthy
		}
	} else {
		metrics.RegistryHealthChecks.WithLabelValues("failure").Inc()
		reg.consecutiveFailures++
		reg.consecutiveSuccesses = 0
		if reg.Status == StatusHealthy && reg.consecutiveFailures >= cfg.FailureThreshold {
			transitionTo = StatusUnhealthy
		}
	}
	if transitionTo != "" {
		reg.Status = transitionTo
	}
	name := reg.Instance.Name
	r.mu.Unlock()

	if transitionTo != "" {
		r.persist(id)
		r.events.record(events.ServiceHealthChanged, id, name, map[string]string{"status": string(transitionTo)})
		r.notify(name, events.ServiceHealthChanged, id)
	}
}

// ProbeAll performs a single round of health probes against every
// registration carrying a health-check URL; intended to be driven by the
// probe scheduler's ticker.
func (r *Registry) ProbeAll(ctx context.Context) {
	r.mu.RLock()
	type target struct {
		id  string
		url string
	}
	var targets []target
	for id, reg := range r.registrations {
		if reg.Instance.HealthCheck != "" {
			targets = append(targets, target{id: id, url: reg.Instance.HealthCheck})
		}
	}
	cfg := r.probe.cfg
	r.mu.RUnlock()

	for _, t := range targets {
		ok := r.probe.probe(ctx, t.url)
		r.recordProbeResult(t.id, ok, cfg)
	}
}

// RunHealthChecks starts the probe scheduler loop; blocks until ctx is
// cancelled or Stop is called.
func (r *Registry) RunHealthChecks(ctx context.Context) {
	r.probe.run(ctx, r.ProbeAll)
}

// StartCleanup starts the TTL-expiry sweeper loop.
func (r *Registry) StartCleanup(ctx context.Context, tick time.Duration) {
	if tick <= 0 {
		tick = defaultCleanupTick
	}
	r.stopCleanup = make(chan struct{})
	for {
		select {
		case <-r.clock.After(tick):
			r.sweepExpired()
		case <-r.stopCleanup:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts background loops.
func (r *Registry) Stop() {
	r.probe.Stop()
	if r.stopCleanup != nil {
		close(r.stopCleanup)
	}
}

func (r *Registry) sweepExpired() {
	now := r.clock.Now()
	r.mu.Lock()
	var expired []*Registration
	for id, reg := range r.registrations {
		if reg.Expired(now) {
			expired = append(expired, reg)
			delete(r.registrations, id)
			r.deps.removeNode(id)
		}
	}
	r.mu.Unlock()

	for _, reg := range expired {
		if r.store != nil {
			_ = r.store.DeleteService(reg.Instance.ID)
			_ = r.store.DeleteDependencies(reg.Instance.ID)
		}
		metrics.RegistryExpirations.Inc()
		r.events.record(events.ServiceExpired, reg.Instance.ID, reg.Instance.Name, nil)
		r.notify(reg.Instance.Name, events.ServiceExpired, reg.Instance.ID)
	}
	if len(expired) > 0 {
		r.refreshSize()
	}
	r.events.prune()
}

// Discover returns instances matching name and the filter, ordered by
// descending weight with id as the deterministic tiebreak.
func (r *Registry) Discover(name string, filter DiscoverFilter) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Registration
	for _, reg := range r.registrations {
		if reg.Instance.Name != name {
			continue
		}
		if filter.HealthyOnly && reg.Status != StatusHealthy && reg.Status != StatusStarting {
			continue
		}
		if !hasAllTags(reg.Instance.Tags, filter.Tags) {
			continue
		}
		matches = append(matches, reg)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Instance.Weight != matches[j].Instance.Weight {
			return matches[i].Instance.Weight > matches[j].Instance.Weight
		}
		return matches[i].Instance.ID < matches[j].Instance.ID
	})

	out := make([]Instance, len(matches))
	for i, m := range matches {
		out[i] = m.Instance
	}
	return out
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

// GetHealth returns a status snapshot joined through the dependency graph.
func (r *Registry) GetHealth(id string) (*HealthSnapshot, error) {
	r.mu.RLock()
	reg, ok := r.registrations[id]
	if !ok {
		r.mu.RUnlock()
		return nil, ferrors.New(ferrors.NotFound, "service not registered")
	}
	depIDs := r.deps.dependencies(id)
	snap := &HealthSnapshot{
		ServiceID:          id,
		Status:             reg.Status,
		UptimeSeconds:      r.clock.Now().Sub(reg.RegisteredAt).Seconds(),
		DependencyStatuses: make(map[string]Status, len(depIDs)),
		AllDependenciesOK:  true,
	}
	for _, depID := range depIDs {
		depReg, ok := r.registrations[depID]
		status := StatusUnknown
		if ok {
			status = depReg.Status
		}
		snap.DependencyStatuses[depID] = status
		if status != StatusHealthy && status != StatusStarting {
			snap.AllDependenciesOK = false
		}
	}
	r.mu.RUnlock()
	return snap, nil
}

// Get returns a single registration's instance and current status.
func (r *Registry) Get(id string) (Instance, Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[id]
	if !ok {
		return Instance{}, "", ferrors.New(ferrors.NotFound, "service not registered")
	}
	return reg.Instance, reg.Status, nil
}

// ListAll groups every registration by service name.
func (r *Registry) ListAll() map[string][]Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Instance)
	for _, reg := range r.registrations {
		out[reg.Instance.Name] = append(out[reg.Instance.Name], reg.Instance)
	}
	return out
}

// Events returns a paged lifecycle event feed.
func (r *Registry) Events(filter EventFilter) []Event {
	return r.events.list(filter)
}

// Subscribe invokes fn for every lifecycle event matching name. Returns an
// unsubscribe function. Panics inside fn are recovered so they never
// propagate to the caller triggering the event.
func (r *Registry) Subscribe(name string, fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers = append(r.watchers, watcher{id: id, name: name, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.watchers {
			if w.id == id {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) notify(name string, t events.ServiceEventType, serviceID string) {
	r.mu.RLock()
	var matched []func(Event)
	for _, w := range r.watchers {
		if w.name == name {
			matched = append(matched, w.fn)
		}
	}
	r.mu.RUnlock()

	evt := Event{Type: t, ServiceID: serviceID, Name: name, Timestamp: r.clock.Now()}
	for _, fn := range matched {
		func() {
			defer func() { recover() }()
			fn(evt)
		}()
	}
}

func (r *Registry) persist(id string) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	reg, ok := r.registrations[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec := store.ServiceRecord{
		ID:            reg.Instance.ID,
		Name:          reg.Instance.Name,
		Host:          reg.Instance.Host,
		Port:          reg.Instance.Port,
		Metadata:      reg.Instance.Metadata,
		HealthCheck:   reg.Instance.HealthCheck,
		Tags:          reg.Instance.Tags,
		Version:       reg.Instance.Version,
		Weight:        reg.Instance.Weight,
		Status:        string(reg.Status),
		RegisteredAt:  reg.RegisteredAt,
		LastHeartbeat: reg.LastHeartbeat,
		TTLSeconds:    int(reg.TTL / time.Second),
	}
	if err := r.store.SaveService(rec); err != nil && r.log != nil {
		r.log.Warn("failed to persist service registration", "id", id, "error", err)
	}
}

func (r *Registry) refreshSize() {
	r.mu.RLock()
	n := len(r.registrations)
	r.mu.RUnlock()
	metrics.RegistrySize.Set(float64(n))
}
