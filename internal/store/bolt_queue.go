package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// QueuedMessage is the durable representation of an in-queue message,
// persisted so the priority heap and retry schedule can be rebuilt after a
// restart without losing at-least-once delivery guarantees.
type QueuedMessage struct {
	ID          string            `json:"id"`
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	Content     []byte            `json:"content"`
	Priority    string            `json:"priority"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"max_attempts"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RetryEntry is the durable representation of a message awaiting its next
// delivery attempt, keyed by the time it becomes due.
type RetryEntry struct {
	MessageID string    `json:"message_id"`
	DueAt     time.Time `json:"due_at"`
}

// SaveMessage upserts a message into the durable queue bucket.
func (s *Store) SaveMessage(msg QueuedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueueMessages).Put([]byte(msg.ID), data)
	})
}

// DeleteMessage removes a message from the durable queue bucket, e.g. on
// acknowledgement, expiry, or final delivery failure.
func (s *Store) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueueMessages).Delete([]byte(id))
	})
}

// ListMessages returns every durably stored message, used to rebuild the
// in-memory priority heap on startup.
func (s *Store) ListMessages() ([]QueuedMessage, error) {
	var messages []QueuedMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueMessages)
		return b.ForEach(func(k, v []byte) error {
			var msg QueuedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			messages = append(messages, msg)
			return nil
		})
	})
	return messages, err
}

// retryKey orders retry entries by due time so a cursor scan yields them in
// due order; the message id is appended to keep keys unique when two
// messages share a due time.
func retryKey(dueAt time.Time, messageID string) []byte {
	return []byte(dueAt.UTC().Format(time.RFC3339Nano) + "::" + messageID)
}

// SaveRetryEntry schedules a message for redelivery at DueAt.
func (s *Store) SaveRetryEntry(entry RetryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal retry entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueueRetry).Put(retryKey(entry.DueAt, entry.MessageID), data)
	})
}

// DeleteRetryEntry removes a scheduled retry, e.g. once it has been
// requeued into the main structure or the message was acknowledged first.
func (s *Store) DeleteRetryEntry(dueAt time.Time, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueueRetry).Delete(retryKey(dueAt, messageID))
	})
}

// ListDueRetries returns all retry entries due at or before now, in due
// order, used both to rebuild the retry heap on startup and to drive the
// sweep loop directly off the store when no in-memory heap entry exists yet.
func (s *Store) ListDueRetries(now time.Time) ([]RetryEntry, error) {
	var due []RetryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueRetry)
		c := b.Cursor()
		cutoff := []byte(now.UTC().Format(time.RFC3339Nano) + "::\xff")
		for k, v := c.First(); k != nil && string(k) <= string(cutoff); k, v = c.Next() {
			var entry RetryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			due = append(due, entry)
		}
		return nil
	})
	return due, err
}

// ListAllRetries returns every scheduled retry entry, used to rebuild the
// in-memory retry heap on startup.
func (s *Store) ListAllRetries() ([]RetryEntry, error) {
	var entries []RetryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueRetry)
		return b.ForEach(func(k, v []byte) error {
			var entry RetryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	return entries, err
}
