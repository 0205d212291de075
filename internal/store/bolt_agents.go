package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// AgentRecord is the durable representation of a C7 router agent
// registration, so reconnecting agents survive a gateway restart.
type AgentRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Status       string            `json:"status"`
	LastSeen     time.Time         `json:"last_seen"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SaveAgent upserts an agent registration.
func (s *Store) SaveAgent(rec AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(rec.ID), data)
	})
}

// DeleteAgent removes an agent registration.
func (s *Store) DeleteAgent(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Delete([]byte(id))
	})
}

// ListAgents returns every durably stored agent registration, used to
// rebuild the router directory on startup.
func (s *Store) ListAgents() ([]AgentRecord, error) {
	var records []AgentRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		return b.ForEach(func(k, v []byte) error {
			var rec AgentRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}
