// Package queue implements C1: a bounded, priority-ordered durable message
// queue with retry scheduling, expiry, and at-least-once delivery.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders messages within the queue; CRITICAL always dominates
// regardless of age.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// weight returns the composite-score priority component; higher sorts first.
func (p Priority) weight() int {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityMedium:
		return 10
	case PriorityLow:
		return 1
	default:
		return 1
	}
}

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Status is a message's position in the C1 delivery state machine.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusRetry     Status = "RETRY"
	StatusExpired   Status = "EXPIRED"
)

const (
	defaultTTL         = 24 * time.Hour
	defaultMaxAttempts = 3
	defaultRetryDelay  = 60 * time.Second
	defaultMaxQueued   = 10000
)

// Message is the unit of work C1 stores and delivers. Once Status is
// Delivered it is terminal; Attempts never exceeds MaxAttempts.
type Message struct {
	ID          string
	Sender      string
	Recipient   string
	Content     []byte
	Priority    Priority
	Status      Status
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Metadata    map[string]string
}

// NewMessage builds a Message with default expiry/attempt-cap applied,
// generating an id if one wasn't supplied.
func NewMessage(sender, recipient string, content []byte, priority Priority) (*Message, error) {
	if sender == "" || recipient == "" || len(content) == 0 {
		return nil, errEmptyField
	}
	if !priority.valid() {
		priority = PriorityMedium
	}
	now := time.Now().UTC()
	return &Message{
		ID:          uuid.NewString(),
		Sender:      sender,
		Recipient:   recipient,
		Content:     content,
		Priority:    priority,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(defaultTTL),
		Attempts:    0,
		MaxAttempts: defaultMaxAttempts,
		Metadata:    map[string]string{},
	}, nil
}

func (m *Message) expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// score is the composite (priorityWeight, enqueueTimestamp) ordering key;
// a lower score value sorts earlier in the min-heap, so weight is negated.
type score struct {
	negWeight int
	enqueued  int64
}

func scoreOf(m *Message) score {
	return score{negWeight: -m.Priority.weight(), enqueued: m.CreatedAt.UnixNano()}
}

func (s score) less(o score) bool {
	if s.negWeight != o.negWeight {
		return s.negWeight < o.negWeight
	}
	return s.enqueued < o.enqueued
}
