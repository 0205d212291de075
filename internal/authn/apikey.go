package authn

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// APIKey is a registered credential for service-to-service gateway auth,
// distinct from the operator APIToken used for the admin dashboard.
type APIKey struct {
	ID          string    `json:"id"`
	KeyHash     string    `json:"key_hash"` // SHA-256 hex of the raw key
	Owner       string    `json:"owner"`
	Permissions []string  `json:"permissions"`
	Active      bool      `json:"active"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	UseCount    int64     `json:"use_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIKeyStore persists API keys indexed by their hash.
type APIKeyStore interface {
	GetAPIKeyByHash(hash string) (*APIKey, error)
	TouchAPIKey(id string, usedAt time.Time) error
}

// HashAPIKey hashes a raw API key for storage/lookup.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Result is the outcome of any C6 authentication mechanism.
type Result struct {
	Success       bool
	OwnerID       string
	Permissions   []string
	Metadata      map[string]string
	FailureReason string
}

// VerifyAPIKey validates a raw API key against the store: it must exist,
// be active, and not be expired. On success it records usage.
func VerifyAPIKey(store APIKeyStore, raw string, now time.Time) Result {
	if raw == "" {
		return Result{FailureReason: "missing api key"}
	}
	key, err := store.GetAPIKeyByHash(HashAPIKey(raw))
	if err != nil || key == nil {
		return Result{FailureReason: "unknown api key"}
	}
	if !key.Active {
		return Result{FailureReason: "api key inactive"}
	}
	if !key.ExpiresAt.IsZero() && now.After(key.ExpiresAt) {
		return Result{FailureReason: "api key expired"}
	}

	_ = store.TouchAPIKey(key.ID, now)

	return Result{
		Success:     true,
		OwnerID:     key.Owner,
		Permissions: key.Permissions,
		Metadata:    map[string]string{"auth_method": "api_key"},
	}
}
