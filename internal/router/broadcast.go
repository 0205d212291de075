package router

import (
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/google/uuid"
)

// Broadcast mirrors queue.Message but carries an explicit recipient set;
// an empty Recipients means "every currently-online agent".
type Broadcast struct {
	ID         string
	Sender     string
	Recipients []string
	Content    []byte
	Priority   queue.Priority
	Metadata   map[string]string
}

// broadcastMetadataKey is the metadata key every fan-out message carries,
// pointing back at its parent Broadcast.
const broadcastMetadataKey = "broadcast_id"

// Expand fans b out into one queue.Message per target agent: b.Recipients
// verbatim if non-empty, otherwise every agent currently online in dir.
// Each resulting message carries b's id under the "broadcast_id" metadata
// key so recipients can correlate fan-out siblings.
func (b Broadcast) Expand(dir *Directory) ([]*queue.Message, error) {
	var targets []string
	if len(b.Recipients) > 0 {
		targets = b.Recipients
	} else {
		for _, a := range dir.ListOnline() {
			targets = append(targets, a.ID)
		}
	}

	out := make([]*queue.Message, 0, len(targets))
	for _, recipient := range targets {
		m, err := queue.NewMessage(b.Sender, recipient, b.Content, b.Priority)
		if err != nil {
			return nil, err
		}
		for k, v := range b.Metadata {
			m.Metadata[k] = v
		}
		m.Metadata[broadcastMetadataKey] = b.ID
		out = append(out, m)
	}
	return out, nil
}

// NewBroadcast builds a Broadcast with a generated id.
func NewBroadcast(sender string, recipients []string, content []byte, priority queue.Priority) Broadcast {
	return Broadcast{
		ID:         uuid.NewString(),
		Sender:     sender,
		Recipients: recipients,
		Content:    content,
		Priority:   priority,
		Metadata:   map[string]string{},
	}
}

// EnqueueFunc is the C1 entry point a Router's fan-out hands expanded
// messages to; kept as a function value so callers can inject mocks.
type EnqueueFunc func(m *queue.Message) error

// RouteBroadcast expands b against r's directory and enqueues each resulting
// message via enqueue without applying routing rules; each enqueued message
// counts toward its recipient's load. Partial failures (a single
// recipient's enqueue failing) are
// collected and returned alongside the count of messages sent; they never
// abort the remaining fan-out.
func (r *Router) RouteBroadcast(b Broadcast, enqueue EnqueueFunc) (sent int, errs []error) {
	messages, err := b.Expand(r.dir)
	if err != nil {
		return 0, []error{err}
	}
	metrics.RouterBroadcastFanout.Observe(float64(len(messages)))

	for _, m := range messages {
		// Broadcast recipients are explicit target agents, not subject to
		// content-based rule routing: bypass Route's rule matching and go
		// straight to delivery once the recipient is already a resolved
		// agent id.
		if err := enqueue(m); err != nil {
			errs = append(errs, err)
			continue
		}
		r.mu.Lock()
		r.agentLoad[m.Recipient]++
		r.messagesRouted++
		r.mu.Unlock()
		sent++
	}
	return sent, errs
}
