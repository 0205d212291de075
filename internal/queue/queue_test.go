package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/events"
	"github.com/agentfabric/fabric/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *clock.Fake) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := events.New[events.DeliveryEvent]()
	q := New(Config{MaxSize: 10, RetryDelay: 5 * time.Second}, s, bus, fake, nil)
	return q, fake
}

func mustMessage(t *testing.T, sender, recipient string, priority Priority) *Message {
	t.Helper()
	m, err := NewMessage(sender, recipient, []byte("payload"), priority)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	return m
}

// TestPriorityDominatesAge enqueues an old LOW message followed by a new
// CRITICAL one; the CRITICAL message must still poll first.
func TestPriorityDominatesAge(t *testing.T) {
	q, fake := newTestQueue(t)

	low := mustMessage(t, "a", "agent-1", PriorityLow)
	if err := q.Enqueue(low); err != nil {
		t.Fatalf("Enqueue(low) error = %v", err)
	}

	fake.Advance(time.Hour)
	critical := mustMessage(t, "a", "agent-1", PriorityCritical)
	if err := q.Enqueue(critical); err != nil {
		t.Fatalf("Enqueue(critical) error = %v", err)
	}

	got := q.Poll("agent-1", 2)
	if len(got) != 2 {
		t.Fatalf("Poll() returned %d messages, want 2", len(got))
	}
	if got[0].ID != critical.ID {
		t.Errorf("first polled message = %s, want the CRITICAL message", got[0].ID)
	}
	if got[1].ID != low.ID {
		t.Errorf("second polled message = %s, want the LOW message", got[1].ID)
	}
}

// TestFIFOWithinPriority checks that two messages of the same priority poll
// in enqueue order.
func TestFIFOWithinPriority(t *testing.T) {
	q, fake := newTestQueue(t)

	first := mustMessage(t, "a", "agent-1", PriorityMedium)
	_ = q.Enqueue(first)
	fake.Advance(time.Second)
	second := mustMessage(t, "a", "agent-1", PriorityMedium)
	_ = q.Enqueue(second)

	got := q.Poll("agent-1", 2)
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("Poll() order = %v, want [%s %s]", got, first.ID, second.ID)
	}
}

// TestRetryThenAck exercises the full failure -> retry -> redelivery -> ack
// cycle.
func TestRetryThenAck(t *testing.T) {
	q, fake := newTestQueue(t)

	m := mustMessage(t, "a", "agent-1", PriorityHigh)
	_ = q.Enqueue(m)

	polled := q.Poll("agent-1", 1)
	if len(polled) != 1 {
		t.Fatalf("Poll() returned %d messages, want 1", len(polled))
	}

	if err := q.Nack(polled[0].ID); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	if got := q.Stats().Retrying; got != 1 {
		t.Fatalf("Stats().Retrying = %d, want 1", got)
	}

	// Not due yet.
	if n := q.SweepRetries(); n != 0 {
		t.Fatalf("SweepRetries() = %d, want 0 before the delay elapses", n)
	}

	fake.Advance(6 * time.Second)
	if n := q.SweepRetries(); n != 1 {
		t.Fatalf("SweepRetries() = %d, want 1 once due", n)
	}

	redelivered := q.Poll("agent-1", 1)
	if len(redelivered) != 1 || redelivered[0].ID != m.ID {
		t.Fatalf("redelivered message mismatch: %v", redelivered)
	}
	if redelivered[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", redelivered[0].Attempts)
	}

	if err := q.Ack(redelivered[0].ID, "agent-1"); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	stats := q.Stats()
	if stats.InFlight != 0 || stats.Delivered != 1 {
		t.Errorf("Stats() = %+v, want InFlight=0 Delivered=1", stats)
	}
}

func TestNackExhaustsRetriesToDeadLetter(t *testing.T) {
	q, _ := newTestQueue(t)
	m := mustMessage(t, "a", "agent-1", PriorityLow)
	m.MaxAttempts = 1
	_ = q.Enqueue(m)

	polled := q.Poll("agent-1", 1)
	if len(polled) != 1 {
		t.Fatalf("Poll() returned %d, want 1", len(polled))
	}
	if err := q.Nack(polled[0].ID); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	stats := q.Stats()
	if stats.Retrying != 0 || stats.InFlight != 0 {
		t.Errorf("Stats() = %+v, want the message dropped, not retried", stats)
	}
}

func TestAckUnknownIDIsNoop(t *testing.T) {
	q, _ := newTestQueue(t)
	if err := q.Ack("does-not-exist", "agent-1"); err != nil {
		t.Fatalf("Ack() on unknown id returned error = %v, want nil", err)
	}
}

func TestEnqueueRejectsExpiredMessage(t *testing.T) {
	q, fake := newTestQueue(t)
	m := mustMessage(t, "a", "agent-1", PriorityLow)
	m.ExpiresAt = fake.Now().Add(-time.Minute)

	if err := q.Enqueue(m); err != ErrExpired {
		t.Fatalf("Enqueue() error = %v, want ErrExpired", err)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q, _ := newTestQueue(t)
	q.maxSize = 1

	first := mustMessage(t, "a", "agent-1", PriorityLow)
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue(first) error = %v", err)
	}

	second := mustMessage(t, "a", "agent-1", PriorityLow)
	if err := q.Enqueue(second); err != ErrQueueFull {
		t.Fatalf("Enqueue(second) error = %v, want ErrQueueFull", err)
	}
}

func TestNewMessageRejectsEmptyFields(t *testing.T) {
	if _, err := NewMessage("", "agent-1", []byte("x"), PriorityLow); err == nil {
		t.Error("expected error for empty sender")
	}
	if _, err := NewMessage("a", "", []byte("x"), PriorityLow); err == nil {
		t.Error("expected error for empty recipient")
	}
	if _, err := NewMessage("a", "agent-1", nil, PriorityLow); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestPollOnlyReturnsAddressedMessages(t *testing.T) {
	q, _ := newTestQueue(t)
	other := mustMessage(t, "a", "agent-2", PriorityHigh)
	mine := mustMessage(t, "a", "agent-1", PriorityLow)
	_ = q.Enqueue(other)
	_ = q.Enqueue(mine)

	got := q.Poll("agent-1", 5)
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Fatalf("Poll(agent-1) = %v, want only %s", got, mine.ID)
	}

	// The unrelated message must still be pollable by its own recipient.
	gotOther := q.Poll("agent-2", 5)
	if len(gotOther) != 1 || gotOther[0].ID != other.ID {
		t.Fatalf("Poll(agent-2) = %v, want only %s", gotOther, other.ID)
	}
}

func TestRestoreFromStore(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}

	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := events.New[events.DeliveryEvent]()
	q := New(Config{MaxSize: 10}, s, bus, fake, nil)
	m := mustMessage(t, "a", "agent-1", PriorityHigh)
	if err := q.Enqueue(m); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	s.Close()

	s2, err := store.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("re-open store.Open() error = %v", err)
	}
	defer s2.Close()
	q2 := New(Config{MaxSize: 10}, s2, bus, fake, nil)

	got := q2.Poll("agent-1", 1)
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("restored Poll() = %v, want %s", got, m.ID)
	}
}
