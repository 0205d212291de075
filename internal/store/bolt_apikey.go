package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentfabric/fabric/internal/authn"
)

func apiKeyHashIndexKey(hash string) []byte {
	return []byte("idx::hash::" + hash)
}

// SaveAPIKey upserts a gateway API key and its hash index, used for the
// O(1) lookup VerifyAPIKey needs on every authenticated request.
func (s *Store) SaveAPIKey(key authn.APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal api key: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		if err := b.Put([]byte(key.ID), data); err != nil {
			return err
		}
		return b.Put(apiKeyHashIndexKey(key.KeyHash), []byte(key.ID))
	})
}

// GetAPIKeyByHash implements authn.APIKeyStore.
func (s *Store) GetAPIKeyByHash(hash string) (*authn.APIKey, error) {
	var key authn.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		id := b.Get(apiKeyHashIndexKey(hash))
		if id == nil {
			return fmt.Errorf("api key not found")
		}
		v := b.Get(id)
		if v == nil {
			return fmt.Errorf("api key not found")
		}
		return json.Unmarshal(v, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// TouchAPIKey implements authn.APIKeyStore, recording last-used time and
// bumping the use counter.
func (s *Store) TouchAPIKey(id string, usedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var key authn.APIKey
		if err := json.Unmarshal(v, &key); err != nil {
			return err
		}
		key.LastUsedAt = usedAt
		key.UseCount++
		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// GetAPIKey retrieves an API key by id.
func (s *Store) GetAPIKey(id string) (*authn.APIKey, error) {
	var key authn.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("api key %q not found", id)
		}
		return json.Unmarshal(v, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys returns every registered gateway API key.
func (s *Store) ListAPIKeys() ([]authn.APIKey, error) {
	var keys []authn.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var key authn.APIKey
			if err := json.Unmarshal(v, &key); err != nil {
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

// DeleteAPIKey removes an API key and its hash index entry.
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var key authn.APIKey
		if err := json.Unmarshal(v, &key); err != nil {
			return b.Delete([]byte(id))
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return b.Delete(apiKeyHashIndexKey(key.KeyHash))
	})
}
