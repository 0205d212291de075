package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentfabric/fabric/internal/authn"
)

// ---- index key helpers ----

func userIndexKey(username string) []byte {
	return []byte("idx::username::" + username)
}

func sessionUserIndexKey(userID, token string) []byte {
	return []byte("idx::user::" + userID + "::" + token)
}

func sessionUserIndexPrefix(userID string) []byte {
	return []byte("idx::user::" + userID + "::")
}

func apiTokenHashIndexKey(hash string) []byte {
	return []byte("idx::hash::" + hash)
}

func apiTokenUserIndexKey(userID, tokenID string) []byte {
	return []byte("idx::user::" + userID + "::" + tokenID)
}

func apiTokenUserIndexPrefix(userID string) []byte {
	return []byte("idx::user::" + userID + "::")
}

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

// ============================================================
// Operator user CRUD
// ============================================================

// CreateUser persists a new operator and its username index atomically.
func (s *Store) CreateUser(user authn.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if existing := b.Get(userIndexKey(user.Username)); existing != nil {
			return fmt.Errorf("username %q already exists", user.Username)
		}
		if err := b.Put([]byte(user.ID), data); err != nil {
			return err
		}
		return b.Put(userIndexKey(user.Username), []byte(user.ID))
	})
}

// CreateFirstUser atomically creates the initial operator only if no users exist.
func (s *Store) CreateFirstUser(user authn.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				count++
			}
		}
		if count > 0 {
			return authn.ErrUsersExist
		}

		if err := b.Put([]byte(user.ID), data); err != nil {
			return err
		}
		return b.Put(userIndexKey(user.Username), []byte(user.ID))
	})
}

// GetUser retrieves an operator by ID.
func (s *Store) GetUser(id string) (*authn.User, error) {
	var user authn.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("user %q not found", id)
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername retrieves an operator by their unique username.
func (s *Store) GetUserByUsername(username string) (*authn.User, error) {
	var user authn.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		idBytes := b.Get(userIndexKey(username))
		if idBytes == nil {
			return fmt.Errorf("user with username %q not found", username)
		}
		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("user %q index orphan", username)
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser updates an existing operator record, rotating the username
// index atomically if the username changed.
func (s *Store) UpdateUser(user authn.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)

		existing := b.Get([]byte(user.ID))
		if existing == nil {
			return fmt.Errorf("user %q not found", user.ID)
		}
		var old authn.User
		if err := json.Unmarshal(existing, &old); err != nil {
			return fmt.Errorf("unmarshal existing user: %w", err)
		}

		if old.Username != user.Username {
			if v := b.Get(userIndexKey(user.Username)); v != nil {
				return fmt.Errorf("username %q already exists", user.Username)
			}
			if err := b.Delete(userIndexKey(old.Username)); err != nil {
				return err
			}
			if err := b.Put(userIndexKey(user.Username), []byte(user.ID)); err != nil {
				return err
			}
		}

		return b.Put([]byte(user.ID), data)
	})
}

// DeleteUser removes an operator, its username index, and all associated
// sessions and API tokens in a single transaction.
func (s *Store) DeleteUser(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ub := tx.Bucket(bucketUsers)

		v := ub.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("user %q not found", id)
		}
		var user authn.User
		if err := json.Unmarshal(v, &user); err != nil {
			return fmt.Errorf("unmarshal user: %w", err)
		}

		if err := ub.Delete([]byte(id)); err != nil {
			return err
		}
		if err := ub.Delete(userIndexKey(user.Username)); err != nil {
			return err
		}

		sb := tx.Bucket(bucketSessions)
		prefix := sessionUserIndexPrefix(id)
		sc := sb.Cursor()
		for k, _ := sc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = sc.Next() {
			token := string(k[len(prefix):])
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			if err := sb.Delete([]byte(token)); err != nil {
				return err
			}
			if err := sb.Delete(keyCopy); err != nil {
				return err
			}
		}

		ab := tx.Bucket(bucketAPITokens)
		aprefix := apiTokenUserIndexPrefix(id)
		ac := ab.Cursor()
		for k, _ := ac.Seek(aprefix); k != nil && bytes.HasPrefix(k, aprefix); k, _ = ac.Next() {
			tokenID := string(k[len(aprefix):])
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)

			tv := ab.Get([]byte(tokenID))
			if tv != nil {
				var apiToken authn.APIToken
				if err := json.Unmarshal(tv, &apiToken); err == nil {
					_ = ab.Delete(apiTokenHashIndexKey(apiToken.TokenHash))
				}
			}

			if err := ab.Delete([]byte(tokenID)); err != nil {
				return err
			}
			if err := ab.Delete(keyCopy); err != nil {
				return err
			}
		}

		return nil
	})
}

// ListUsers returns all operators (excluding index keys).
func (s *Store) ListUsers() ([]authn.User, error) {
	var users []authn.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var user authn.User
			if err := json.Unmarshal(v, &user); err != nil {
				return nil
			}
			users = append(users, user)
			return nil
		})
	})
	return users, err
}

// UserCount returns the number of operator records (excluding index keys).
func (s *Store) UserCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				count++
			}
		}
		return nil
	})
	return count, err
}

// ============================================================
// Session CRUD
// ============================================================

// CreateSession persists a session and its user index atomically.
func (s *Store) CreateSession(session authn.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if err := b.Put([]byte(session.Token), data); err != nil {
			return err
		}
		return b.Put(sessionUserIndexKey(session.UserID, session.Token), []byte(""))
	})
}

// GetSession retrieves a session by its token.
func (s *Store) GetSession(token string) (*authn.Session, error) {
	var session authn.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		v := b.Get([]byte(token))
		if v == nil {
			return fmt.Errorf("session not found")
		}
		return json.Unmarshal(v, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes a session and its user index entry.
func (s *Store) DeleteSession(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)

		v := b.Get([]byte(token))
		if v == nil {
			return nil
		}
		var session authn.Session
		if err := json.Unmarshal(v, &session); err != nil {
			return b.Delete([]byte(token))
		}
		if err := b.Delete([]byte(token)); err != nil {
			return err
		}
		return b.Delete(sessionUserIndexKey(session.UserID, token))
	})
}

// DeleteSessionsForUser removes all sessions belonging to the given user.
func (s *Store) DeleteSessionsForUser(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		prefix := sessionUserIndexPrefix(userID)
		c := b.Cursor()

		var tokens []string
		var indexKeys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			token := string(k[len(prefix):])
			tokens = append(tokens, token)
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			indexKeys = append(indexKeys, keyCopy)
		}

		for i, token := range tokens {
			if err := b.Delete([]byte(token)); err != nil {
				return err
			}
			if err := b.Delete(indexKeys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSessionsForUser returns all sessions belonging to the given user.
func (s *Store) ListSessionsForUser(userID string) ([]authn.Session, error) {
	var sessions []authn.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		prefix := sessionUserIndexPrefix(userID)
		c := b.Cursor()

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			token := string(k[len(prefix):])
			v := b.Get([]byte(token))
			if v == nil {
				continue
			}
			var session authn.Session
			if err := json.Unmarshal(v, &session); err != nil {
				continue
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	return sessions, err
}

// DeleteExpiredSessions removes all sessions whose ExpiresAt is in the past.
func (s *Store) DeleteExpiredSessions() (int, error) {
	var deleted int
	now := time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		c := b.Cursor()

		type expiredEntry struct {
			token    string
			indexKey []byte
		}
		var expired []expiredEntry

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if isIndexKey(k) {
				continue
			}
			var session authn.Session
			if err := json.Unmarshal(v, &session); err != nil {
				continue
			}
			if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(now) {
				idxKey := sessionUserIndexKey(session.UserID, session.Token)
				expired = append(expired, expiredEntry{token: string(k), indexKey: idxKey})
			}
		}

		for _, e := range expired {
			if err := b.Delete([]byte(e.token)); err != nil {
				return err
			}
			if err := b.Delete(e.indexKey); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ============================================================
// Role CRUD
// ============================================================

// GetRole retrieves a role by ID.
func (s *Store) GetRole(id string) (*authn.Role, error) {
	var role authn.Role
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoles)
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("role %q not found", id)
		}
		return json.Unmarshal(v, &role)
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// ListRoles returns all stored roles.
func (s *Store) ListRoles() ([]authn.Role, error) {
	var roles []authn.Role
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoles)
		return b.ForEach(func(k, v []byte) error {
			var role authn.Role
			if err := json.Unmarshal(v, &role); err != nil {
				return nil
			}
			roles = append(roles, role)
			return nil
		})
	})
	return roles, err
}

// SeedBuiltinRoles inserts the built-in roles if they don't already exist.
func (s *Store) SeedBuiltinRoles() error {
	roles := authn.BuiltinRoles()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoles)
		for _, role := range roles {
			if existing := b.Get([]byte(role.ID)); existing != nil {
				continue
			}
			data, err := json.Marshal(role)
			if err != nil {
				return fmt.Errorf("marshal role %q: %w", role.ID, err)
			}
			if err := b.Put([]byte(role.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================
// Operator API token CRUD
// ============================================================

// CreateAPIToken persists an operator API token with hash and user indexes.
func (s *Store) CreateAPIToken(token authn.APIToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal api token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		if err := b.Put([]byte(token.ID), data); err != nil {
			return err
		}
		if err := b.Put(apiTokenHashIndexKey(token.TokenHash), []byte(token.ID)); err != nil {
			return err
		}
		return b.Put(apiTokenUserIndexKey(token.UserID, token.ID), []byte(""))
	})
}

// GetAPITokenByHash retrieves an operator API token by its SHA-256 hash.
func (s *Store) GetAPITokenByHash(hash string) (*authn.APIToken, error) {
	var token authn.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		idBytes := b.Get(apiTokenHashIndexKey(hash))
		if idBytes == nil {
			return fmt.Errorf("api token not found")
		}
		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("api token index orphan for hash %q", hash)
		}
		return json.Unmarshal(v, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DeleteAPIToken removes an operator API token and all its indexes.
func (s *Store) DeleteAPIToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var token authn.APIToken
		if err := json.Unmarshal(v, &token); err != nil {
			return b.Delete([]byte(id))
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := b.Delete(apiTokenHashIndexKey(token.TokenHash)); err != nil {
			return err
		}
		return b.Delete(apiTokenUserIndexKey(token.UserID, token.ID))
	})
}

// ListAPITokensForUser returns all operator API tokens belonging to the given user.
func (s *Store) ListAPITokensForUser(userID string) ([]authn.APIToken, error) {
	var tokens []authn.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		prefix := apiTokenUserIndexPrefix(userID)
		c := b.Cursor()

		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			tokenID := string(k[len(prefix):])
			v := b.Get([]byte(tokenID))
			if v == nil {
				continue
			}
			var token authn.APIToken
			if err := json.Unmarshal(v, &token); err != nil {
				continue
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	return tokens, err
}

// ============================================================
// WebAuthn credential CRUD
// ============================================================

func webauthnCredKey(credID []byte) []byte {
	return []byte(base64.RawURLEncoding.EncodeToString(credID))
}

func webauthnUserIndexKey(userID string, credID []byte) []byte {
	return []byte("idx::user::" + userID + "::" + base64.RawURLEncoding.EncodeToString(credID))
}

func webauthnUserIndexPrefix(userID string) []byte {
	return []byte("idx::user::" + userID + "::")
}

func webauthnHandleIndexKey(handle []byte) []byte {
	return []byte("idx::handle::" + base64.RawURLEncoding.EncodeToString(handle))
}

// CreateWebAuthnCredential stores a credential and its indexes.
func (s *Store) CreateWebAuthnCredential(cred authn.WebAuthnCredential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal webauthn credential: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		if err := b.Put(webauthnCredKey(cred.ID), data); err != nil {
			return err
		}
		if err := b.Put(webauthnUserIndexKey(cred.UserID, cred.ID), []byte("")); err != nil {
			return err
		}
		ub := tx.Bucket(bucketUsers)
		uv := ub.Get([]byte(cred.UserID))
		if uv != nil {
			var user authn.User
			if err := json.Unmarshal(uv, &user); err == nil && len(user.WebAuthnUserID) > 0 {
				if err := b.Put(webauthnHandleIndexKey(user.WebAuthnUserID), []byte(cred.UserID)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetWebAuthnCredential retrieves a credential by its ID.
func (s *Store) GetWebAuthnCredential(credID []byte) (*authn.WebAuthnCredential, error) {
	var cred authn.WebAuthnCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		v := b.Get(webauthnCredKey(credID))
		if v == nil {
			return authn.ErrCredentialNotFound
		}
		return json.Unmarshal(v, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// ListWebAuthnCredentialsForUser returns all credentials for a user.
func (s *Store) ListWebAuthnCredentialsForUser(userID string) ([]authn.WebAuthnCredential, error) {
	var creds []authn.WebAuthnCredential
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		prefix := webauthnUserIndexPrefix(userID)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			credB64 := string(k[len(prefix):])
			credIDBytes, err := base64.RawURLEncoding.DecodeString(credB64)
			if err != nil {
				continue
			}
			v := b.Get(webauthnCredKey(credIDBytes))
			if v == nil {
				continue
			}
			var cred authn.WebAuthnCredential
			if err := json.Unmarshal(v, &cred); err != nil {
				continue
			}
			creds = append(creds, cred)
		}
		return nil
	})
	return creds, err
}

// DeleteWebAuthnCredential removes a credential and its indexes.
func (s *Store) DeleteWebAuthnCredential(credID []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		key := webauthnCredKey(credID)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		var cred authn.WebAuthnCredential
		if err := json.Unmarshal(v, &cred); err != nil {
			return b.Delete(key)
		}
		if err := b.Delete(key); err != nil {
			return err
		}
		_ = b.Delete(webauthnUserIndexKey(cred.UserID, cred.ID))
		return nil
	})
}

// GetUserByWebAuthnHandle looks up a user by WebAuthn user handle (for discoverable login).
func (s *Store) GetUserByWebAuthnHandle(handle []byte) (*authn.User, error) {
	var user authn.User
	err := s.db.View(func(tx *bolt.Tx) error {
		wb := tx.Bucket(bucketWebAuthnCreds)
		userIDBytes := wb.Get(webauthnHandleIndexKey(handle))
		if userIDBytes == nil {
			return authn.ErrCredentialNotFound
		}
		ub := tx.Bucket(bucketUsers)
		v := ub.Get(userIDBytes)
		if v == nil {
			return authn.ErrCredentialNotFound
		}
		return json.Unmarshal(v, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AnyWebAuthnCredentialsExist checks if any passkeys are registered system-wide.
func (s *Store) AnyWebAuthnCredentialsExist() (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebAuthnCreds)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				exists = true
				return nil
			}
		}
		return nil
	})
	return exists, err
}

// ============================================================
// Pending TOTP tokens (2-step login handoff)
// ============================================================

type pendingTOTPRecord struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SavePendingTOTP stores the handoff token issued after a correct password
// but before the TOTP code has been verified.
func (s *Store) SavePendingTOTP(token, userID string, expiresAt time.Time) error {
	data, err := json.Marshal(pendingTOTPRecord{UserID: userID, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal pending totp: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingTOTP).Put([]byte(token), data)
	})
}

// GetPendingTOTP resolves a handoff token to its user ID, rejecting tokens
// that have expired.
func (s *Store) GetPendingTOTP(token string) (string, error) {
	var rec pendingTOTPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPendingTOTP).Get([]byte(token))
		if v == nil {
			return fmt.Errorf("pending totp token not found")
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return "", err
	}
	if time.Now().After(rec.ExpiresAt) {
		_ = s.DeletePendingTOTP(token)
		return "", fmt.Errorf("pending totp token expired")
	}
	return rec.UserID, nil
}

// DeletePendingTOTP removes a handoff token; idempotent.
func (s *Store) DeletePendingTOTP(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPendingTOTP).Delete([]byte(token))
	})
}
