package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ServiceRecord is the durable representation of a service registration.
type ServiceRecord struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	HealthCheck   string            `json:"health_check,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Version       string            `json:"version,omitempty"`
	Weight        int               `json:"weight"`
	Status        string            `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	TTLSeconds    int               `json:"ttl_seconds"`
	Dependencies  []string          `json:"dependencies,omitempty"`
}

// ServiceEventRecord is the durable representation of a registry lifecycle
// event, keyed by timestamp so a cursor scan yields them in time order.
type ServiceEventRecord struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	ServiceID string            `json:"service_id"`
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

func serviceNameIndexKey(name, id string) []byte {
	return []byte("idx::name::" + name + "::" + id)
}

func serviceNameIndexPrefix(name string) []byte {
	return []byte("idx::name::" + name + "::")
}

// SaveService upserts a service registration and its name index.
func (s *Store) SaveService(rec ServiceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal service record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)

		if existing := b.Get([]byte(rec.ID)); existing != nil {
			var old ServiceRecord
			if json.Unmarshal(existing, &old) == nil && old.Name != rec.Name {
				_ = b.Delete(serviceNameIndexKey(old.Name, rec.ID))
			}
		}

		if err := b.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return b.Put(serviceNameIndexKey(rec.Name, rec.ID), []byte(""))
	})
}

// GetService retrieves a service registration by id.
func (s *Store) GetService(id string) (*ServiceRecord, error) {
	var rec ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("service %q not found", id)
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteService removes a service registration and its name index entry.
func (s *Store) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var rec ServiceRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return b.Delete([]byte(id))
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return b.Delete(serviceNameIndexKey(rec.Name, id))
	})
}

// ListServices returns every durably stored service registration, used to
// rebuild registry state on startup.
func (s *Store) ListServices() ([]ServiceRecord, error) {
	var records []ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var rec ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}

// ListServicesByName returns all registrations for a given service name.
func (s *Store) ListServicesByName(name string) ([]ServiceRecord, error) {
	var records []ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		prefix := serviceNameIndexPrefix(name)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := string(k[len(prefix):])
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			var rec ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// eventKey orders events by timestamp, appending the id to keep keys
// unique when two events share a timestamp.
func eventKey(ts time.Time, id string) []byte {
	return []byte(ts.UTC().Format(time.RFC3339Nano) + "::" + id)
}

// AppendServiceEvent stores a registry lifecycle event in time order.
func (s *Store) AppendServiceEvent(evt ServiceEventRecord) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal service event: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceEvents).Put(eventKey(evt.Timestamp, evt.ID), data)
	})
}

// ListServiceEvents returns the most recent events, oldest first, capped
// at limit. Pass limit <= 0 for no cap.
func (s *Store) ListServiceEvents(limit int) ([]ServiceEventRecord, error) {
	var events []ServiceEventRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceEvents)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var evt ServiceEventRecord
			if err := json.Unmarshal(v, &evt); err != nil {
				continue
			}
			events = append(events, evt)
		}
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
		return nil
	})
	return events, err
}

// PruneServiceEventsBefore deletes events older than cutoff, implementing
// the bounded retention window.
func (s *Store) PruneServiceEventsBefore(cutoff time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceEvents)
		c := b.Cursor()
		cutoffKey := []byte(cutoff.UTC().Format(time.RFC3339Nano))

		var toDelete [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoffKey) < 0; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveDependencies persists the dependency set for a service id.
func (s *Store) SaveDependencies(serviceID string, dependencies []string) error {
	data, err := json.Marshal(dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceDeps).Put([]byte(serviceID), data)
	})
}

// ListDependencies returns the full dependency-graph edge set, keyed by
// service id, used to rebuild the in-memory graph on startup.
func (s *Store) ListDependencies() (map[string][]string, error) {
	result := make(map[string][]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServiceDeps)
		return b.ForEach(func(k, v []byte) error {
			var deps []string
			if err := json.Unmarshal(v, &deps); err != nil {
				return nil
			}
			result[string(k)] = deps
			return nil
		})
	})
	return result, err
}

// DeleteDependencies removes the stored dependency set for a service id.
func (s *Store) DeleteDependencies(serviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServiceDeps).Delete([]byte(serviceID))
	})
}
