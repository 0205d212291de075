package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/store"
)

const (
	eventRetention = 24 * time.Hour
	eventCap       = 10000
)

// Event is a single registry lifecycle transition, retained in a bounded
// append-and-drop-oldest ring plus a 24h time window.
type Event struct {
	ID        string
	Type      events.ServiceEventType
	ServiceID string
	Name      string
	Timestamp time.Time
	Details   map[string]string
}

// eventLog is the bounded in-memory feed backing the paged events() API,
// fan-out to subscribers, and durable persistence.
type eventLog struct {
	mu    sync.Mutex
	ring  []Event
	bus   *events.Bus[events.ServiceEvent]
	store *store.Store
}

func newEventLog(bus *events.Bus[events.ServiceEvent], s *store.Store) *eventLog {
	return &eventLog{bus: bus, store: s}
}

func (l *eventLog) restore() {
	if l.store == nil {
		return
	}
	records, err := l.store.ListServiceEvents(eventCap)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range records {
		l.ring = append(l.ring, Event{
			ID:        r.ID,
			Type:      events.ServiceEventType(r.Type),
			ServiceID: r.ServiceID,
			Name:      r.Name,
			Timestamp: r.Timestamp,
			Details:   r.Details,
		})
	}
}

func (l *eventLog) record(t events.ServiceEventType, serviceID, name string, details map[string]string) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      t,
		ServiceID: serviceID,
		Name:      name,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}

	l.mu.Lock()
	l.ring = append(l.ring, evt)
	if len(l.ring) > eventCap {
		l.ring = l.ring[len(l.ring)-eventCap:]
	}
	l.mu.Unlock()

	if l.store != nil {
		_ = l.store.AppendServiceEvent(store.ServiceEventRecord{
			ID:        evt.ID,
			Type:      string(evt.Type),
			ServiceID: evt.ServiceID,
			Name:      evt.Name,
			Timestamp: evt.Timestamp,
			Details:   evt.Details,
		})
	}
	if l.bus != nil {
		l.bus.Publish(events.ServiceEvent{
			Type:      evt.Type,
			ServiceID: evt.ServiceID,
			Name:      evt.Name,
			Timestamp: evt.Timestamp,
		})
	}
	return evt
}

// EventFilter narrows a paged events() query.
type EventFilter struct {
	SinceID string
	Type    events.ServiceEventType
	Limit   int
}

// list returns events matching the filter, oldest first, honoring the
// retention window.
func (l *eventLog) list(filter EventFilter) []Event {
	cutoff := time.Now().Add(-eventRetention)

	l.mu.Lock()
	snapshot := make([]Event, len(l.ring))
	copy(snapshot, l.ring)
	l.mu.Unlock()

	var out []Event
	seenSince := filter.SinceID == ""
	for _, e := range snapshot {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if !seenSince {
			if e.ID == filter.SinceID {
				seenSince = true
			}
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// prune removes durable events older than the retention window.
func (l *eventLog) prune() {
	if l.store == nil {
		return
	}
	_ = l.store.PruneServiceEventsBefore(time.Now().Add(-eventRetention))
}
