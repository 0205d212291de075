// Package store persists fabric state to a single embedded BoltDB file, one
// bucket per concern, so a restart can rebuild in-memory structures (queue
// heaps, registry dependency graph, rate-limit windows) from durable state.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketQueueMessages = []byte("queue_messages")
	bucketQueueRetry    = []byte("queue_retry")
	bucketServices      = []byte("registry_services")
	bucketServiceEvents = []byte("registry_events")
	bucketServiceDeps   = []byte("registry_deps")
	bucketRateLimits    = []byte("rate_limits")
	bucketSettings      = []byte("settings")
	bucketAuditLog      = []byte("audit_log")
	bucketUsers         = []byte("users")
	bucketSessions      = []byte("sessions")
	bucketRoles         = []byte("roles")
	bucketAPITokens     = []byte("api_tokens")
	bucketWebAuthnCreds = []byte("webauthn_credentials")
	bucketAPIKeys       = []byte("gateway_api_keys")
	bucketAgents        = []byte("router_agents")
	bucketPendingTOTP   = []byte("pending_totp")
)

var allBuckets = [][]byte{
	bucketQueueMessages,
	bucketQueueRetry,
	bucketServices,
	bucketServiceEvents,
	bucketServiceDeps,
	bucketRateLimits,
	bucketSettings,
	bucketAuditLog,
	bucketUsers,
	bucketSessions,
	bucketRoles,
	bucketAPITokens,
	bucketWebAuthnCreds,
	bucketAPIKeys,
	bucketAgents,
	bucketPendingTOTP,
}

// Store wraps a BoltDB database for fabric persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// AuditEntry is a timestamped record of an administrative or lifecycle
// action, used by the gateway's operator audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// AppendAudit writes an audit entry to the audit log bucket.
func (s *Store) AppendAudit(entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		key := []byte(entry.Timestamp.Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// ListAudit returns the most recent audit entries, newest first, up to limit.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditLog)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key from the settings bucket.
// Returns empty string if the key doesn't exist.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}
