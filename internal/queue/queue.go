package queue

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/store"
)

var errEmptyField = ferrors.New(ferrors.Validation, "sender, recipient and content are required")

// ErrQueueFull is returned by Enqueue when the bounded queue is at capacity.
var ErrQueueFull = ferrors.New(ferrors.RateLimited, "queue is at capacity")

// ErrExpired is returned by Enqueue when the message is already past its
// expiry at submission time.
var ErrExpired = ferrors.New(ferrors.Validation, "message already expired")

// Stats reports the current size of each queue structure plus delivery
// latency, matching the public stats() contract.
type Stats struct {
	Queued           int
	InFlight         int
	Retrying         int
	Delivered        int
	AvgDeliveryNanos int64
}

type inFlightEntry struct {
	msg *Message
}

// Handler is the optional push-delivery callback; a non-nil error return is
// treated as a delivery failure and triggers the retry rule.
type Handler func(msg *Message) error

// Queue is C1: a bounded priority-ordered durable message queue with retry
// scheduling, expiry sweeping, and at-least-once delivery semantics.
type Queue struct {
	mu       sync.Mutex
	heapData messageHeap
	inFlight map[string]inFlightEntry
	retry    retryHeap

	maxSize    int
	retryDelay time.Duration
	delivered  int64
	latencySum int64
	latencyN   int64

	handlers map[string]Handler
	receipts map[string][]DeliveryReceipt

	store *store.Store
	bus   *events.Bus[events.DeliveryEvent]
	clock clock.Clock
	log   *slog.Logger

	stopPush chan struct{}
	pushWG   sync.WaitGroup
}

// Config configures queue limits independently from the compiled defaults,
// primarily so tests can shrink the TTL/retry delay/capacity.
type Config struct {
	MaxSize    int
	RetryDelay time.Duration
}

// New creates a Queue, restoring any durably stored messages and retry
// entries from the store so delivery guarantees survive a restart.
func New(cfg Config, s *store.Store, bus *events.Bus[events.DeliveryEvent], clk clock.Clock, log *slog.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxQueued
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if clk == nil {
		clk = clock.Real{}
	}

	q := &Queue{
		inFlight:   make(map[string]inFlightEntry),
		handlers:   make(map[string]Handler),
		maxSize:    cfg.MaxSize,
		retryDelay: cfg.RetryDelay,
		store:      s,
		bus:        bus,
		clock:      clk,
		log:        log,
	}
	heap.Init(&q.heapData)
	heap.Init(&q.retry)

	q.restore()
	return q
}

func (q *Queue) restore() {
	if q.store == nil {
		return
	}
	messages, err := q.store.ListMessages()
	if err != nil {
		if q.log != nil {
			q.log.Warn("failed to restore queued messages", "error", err)
		}
		return
	}
	byID := make(map[string]*Message, len(messages))
	for _, qm := range messages {
		m := fromStored(qm)
		byID[m.ID] = m
	}

	retries, err := q.store.ListAllRetries()
	if err != nil {
		if q.log != nil {
			q.log.Warn("failed to restore retry schedule", "error", err)
		}
		retries = nil
	}
	scheduled := make(map[string]bool, len(retries))
	for _, r := range retries {
		m, ok := byID[r.MessageID]
		if !ok {
			continue
		}
		heap.Push(&q.retry, &retryItem{msg: m, dueAt: r.DueAt})
		scheduled[r.MessageID] = true
	}

	for _, m := range byID {
		if scheduled[m.ID] {
			continue
		}
		heap.Push(&q.heapData, m)
	}
	q.publishDepth()
}

func fromStored(qm store.QueuedMessage) *Message {
	return &Message{
		ID:          qm.ID,
		Sender:      qm.Sender,
		Recipient:   qm.Recipient,
		Content:     qm.Content,
		Priority:    Priority(qm.Priority),
		Status:      Status(qm.Status),
		CreatedAt:   qm.CreatedAt,
		ExpiresAt:   qm.ExpiresAt,
		Attempts:    qm.Attempts,
		MaxAttempts: qm.MaxAttempts,
		Metadata:    qm.Metadata,
	}
}

func toStored(m *Message) store.QueuedMessage {
	return store.QueuedMessage{
		ID:          m.ID,
		Sender:      m.Sender,
		Recipient:   m.Recipient,
		Content:     m.Content,
		Priority:    string(m.Priority),
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		ExpiresAt:   m.ExpiresAt,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		Metadata:    m.Metadata,
	}
}

// Enqueue accepts a message for delivery. Rejects full queues and already
// expired messages.
func (q *Queue) Enqueue(m *Message) error {
	now := q.clock.Now()
	if m.expired(now) {
		return ErrExpired
	}

	q.mu.Lock()
	if q.heapData.Len()+len(q.inFlight)+q.retry.Len() >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	heap.Push(&q.heapData, m)
	q.mu.Unlock()

	q.persist(m)
	metrics.QueueEnqueued.WithLabelValues(m.Recipient, string(m.Priority)).Inc()
	q.publishDepth()
	q.publish(events.DeliveryEnqueued, m)
	return nil
}

// Poll returns up to n highest-priority, oldest-within-priority messages
// addressed to recipient, moving them into the in-flight set. Polling is
// not an acknowledgement.
func (q *Queue) Poll(recipient string, n int) []*Message {
	if n <= 0 {
		return nil
	}
	now := q.clock.Now()
	q.sweepExpiredLocked(now)

	q.mu.Lock()
	var out []*Message
	var held messageHeap
	for q.heapData.Len() > 0 && len(out) < n {
		m := heap.Pop(&q.heapData).(*Message)
		if m.expired(now) {
			q.expireLocked(m)
			continue
		}
		if m.Recipient != recipient {
			held = append(held, m)
			continue
		}
		q.inFlight[m.ID] = inFlightEntry{msg: m}
		out = append(out, m)
	}
	for _, m := range held {
		heap.Push(&q.heapData, m)
	}
	q.mu.Unlock()

	for _, m := range out {
		metrics.QueueWaitDuration.WithLabelValues(recipient).Observe(now.Sub(m.CreatedAt).Seconds())
		q.publish(events.DeliveryDelivered, m)
	}
	q.publishDepth()
	return out
}

// Ack removes a message from the in-flight set. Acking an unknown id is a
// no-op, not an error. Equivalent to AckWithPayload(msgID, recipient, nil).
func (q *Queue) Ack(msgID, recipient string) error {
	return q.AckWithPayload(msgID, recipient, nil)
}

// AckWithPayload is Ack plus an optional application-defined ack payload
// (e.g. a result or confirmation body), recorded alongside the delivery
// receipt returned by Receipts.
func (q *Queue) AckWithPayload(msgID, recipient string, payload []byte) error {
	now := q.clock.Now()
	q.mu.Lock()
	entry, ok := q.inFlight[msgID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if entry.msg.Recipient != recipient {
		q.mu.Unlock()
		return ferrors.New(ferrors.Forbidden, "message not addressed to recipient")
	}
	delete(q.inFlight, msgID)
	entry.msg.Status = StatusDelivered
	q.delivered++
	q.latencySum += now.Sub(entry.msg.CreatedAt).Nanoseconds()
	q.latencyN++
	q.recordReceipt(recipient, DeliveryReceipt{
		MessageID:   entry.msg.ID,
		Recipient:   recipient,
		DeliveredAt: now,
		Payload:     payload,
	})
	q.mu.Unlock()

	if q.store != nil {
		_ = q.store.DeleteMessage(msgID)
	}
	metrics.QueueDelivered.WithLabelValues(entry.msg.Recipient).Inc()
	q.publish(events.DeliveryAcked, entry.msg)
	q.publishDepth()
	return nil
}

// Nack reports a delivery failure for an in-flight message, scheduling a
// retry if attempts remain and the message hasn't expired, otherwise
// marking it FAILED and dropping it.
func (q *Queue) Nack(msgID string) error {
	now := q.clock.Now()

	q.mu.Lock()
	entry, ok := q.inFlight[msgID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.inFlight, msgID)
	m := entry.msg
	m.Attempts++

	if m.expired(now) {
		q.mu.Unlock()
		q.expireLocked(m)
		q.publishDepth()
		return nil
	}

	if m.Attempts >= m.MaxAttempts {
		m.Status = StatusFailed
		q.mu.Unlock()
		if q.store != nil {
			_ = q.store.DeleteMessage(msgID)
		}
		metrics.QueueDeadLettered.WithLabelValues(m.Recipient).Inc()
		q.publish(events.DeliveryDeadLettered, m)
		q.publishDepth()
		return nil
	}

	m.Status = StatusRetry
	dueAt := now.Add(q.retryDelay)
	heap.Push(&q.retry, &retryItem{msg: m, dueAt: dueAt})
	q.mu.Unlock()

	if q.store != nil {
		_ = q.store.SaveRetryEntry(store.RetryEntry{MessageID: m.ID, DueAt: dueAt})
	}
	metrics.QueueRetries.WithLabelValues(m.Recipient).Inc()
	q.publish(events.DeliveryRetried, m)
	q.publishDepth()
	return nil
}

// SweepRetries moves any due retry entries back into the main queue. It's
// safe to call opportunistically (e.g. from Poll) or on a timer.
func (q *Queue) SweepRetries() int {
	now := q.clock.Now()
	q.mu.Lock()
	var requeued []*Message
	var requeuedDueAt []time.Time
	for q.retry.Len() > 0 && !q.retry[0].dueAt.After(now) {
		item := heap.Pop(&q.retry).(*retryItem)
		if item.msg.expired(now) {
			q.expireLocked(item.msg)
			continue
		}
		item.msg.Status = StatusPending
		heap.Push(&q.heapData, item.msg)
		requeued = append(requeued, item.msg)
		requeuedDueAt = append(requeuedDueAt, item.dueAt)
	}
	q.mu.Unlock()

	for i, m := range requeued {
		if q.store != nil {
			_ = q.store.DeleteRetryEntry(requeuedDueAt[i], m.ID)
			_ = q.store.SaveMessage(toStored(m))
		}
	}
	if len(requeued) > 0 {
		q.publishDepth()
	}
	return len(requeued)
}

func (q *Queue) sweepExpiredLocked(now time.Time) {
	q.mu.Lock()
	var kept messageHeap
	var expired []*Message
	for q.heapData.Len() > 0 {
		m := heap.Pop(&q.heapData).(*Message)
		if m.expired(now) {
			expired = append(expired, m)
			continue
		}
		kept = append(kept, m)
	}
	for _, m := range kept {
		heap.Push(&q.heapData, m)
	}
	q.mu.Unlock()

	for _, m := range expired {
		q.expireLocked(m)
	}
}

// expireLocked marks a message expired after it has already been removed
// from whichever heap held it; it acquires no lock itself.
func (q *Queue) expireLocked(m *Message) {
	m.Status = StatusExpired
	if q.store != nil {
		_ = q.store.DeleteMessage(m.ID)
	}
	q.publish(events.DeliveryExpired, m)
}

func (q *Queue) persist(m *Message) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveMessage(toStored(m)); err != nil && q.log != nil {
		q.log.Warn("failed to persist queued message", "id", m.ID, "error", err)
	}
}

func (q *Queue) publish(t events.DeliveryEventType, m *Message) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.DeliveryEvent{
		Type:      t,
		MessageID: m.ID,
		Queue:     m.Recipient,
		Attempt:   m.Attempts,
		Timestamp: q.clock.Now(),
	})
}

func (q *Queue) publishDepth() {
	q.mu.Lock()
	depth := q.heapData.Len()
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues("default").Set(float64(depth))
}

// Stats reports current structure sizes and average delivery latency.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var avg int64
	if q.latencyN > 0 {
		avg = q.latencySum / q.latencyN
	}
	return Stats{
		Queued:           q.heapData.Len(),
		InFlight:         len(q.inFlight),
		Retrying:         q.retry.Len(),
		Delivered:        int(q.delivered),
		AvgDeliveryNanos: avg,
	}
}
