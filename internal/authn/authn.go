// Package authn is the fabric authenticator: API-key, bearer (JWT), and
// webhook-signature verification for service-to-service gateway traffic,
// plus an operator login surface (passwords, TOTP, WebAuthn, sessions) for
// the administrative endpoints.
package authn

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Permission represents a granular operator capability.
type Permission string

const (
	PermServicesView     Permission = "services.view"
	PermServicesRegister Permission = "services.register"
	PermServicesManage   Permission = "services.manage"
	PermQueueView        Permission = "queue.view"
	PermQueuePurge       Permission = "queue.purge"
	PermBreakerView      Permission = "breaker.view"
	PermBreakerReset     Permission = "breaker.reset"
	PermBalancerManage   Permission = "balancer.manage"
	PermRateLimitManage  Permission = "ratelimit.manage"
	PermRouterManage     Permission = "router.manage"
	PermUsersManage      Permission = "users.manage"
	PermAuditView        Permission = "audit.view"
)

// AllPermissions returns every defined permission.
func AllPermissions() []Permission {
	return []Permission{
		PermServicesView, PermServicesRegister, PermServicesManage,
		PermQueueView, PermQueuePurge, PermBreakerView, PermBreakerReset,
		PermBalancerManage, PermRateLimitManage, PermRouterManage,
		PermUsersManage, PermAuditView,
	}
}

// User represents an operator account with dashboard/admin API access.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"password_hash"`
	RoleID         string    `json:"role_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Locked         bool      `json:"locked"`
	LockedUntil    time.Time `json:"locked_until"`
	FailedLogins   int       `json:"failed_logins"`
	WebAuthnUserID []byte    `json:"webauthn_user_id,omitempty"`
	TOTPEnabled    bool      `json:"totp_enabled"`
	TOTPSecret     string    `json:"totp_secret,omitempty"`
	RecoveryCodes  []string  `json:"recovery_codes,omitempty"`
}

// EnsureWebAuthnUserID generates a random WebAuthn user ID if one isn't set.
// Returns true if a new ID was generated (caller should persist the user).
func (u *User) EnsureWebAuthnUserID() (bool, error) {
	if len(u.WebAuthnUserID) > 0 {
		return false, nil
	}
	id := make([]byte, 64)
	if _, err := rand.Read(id); err != nil {
		return false, fmt.Errorf("generate webauthn user id: %w", err)
	}
	u.WebAuthnUserID = id
	return true, nil
}

// Session represents an active operator login session.
type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Role defines a named set of permissions.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	BuiltIn     bool         `json:"built_in"`
}

// APIToken represents an operator-issued bearer token for programmatic
// dashboard/admin API access. This is distinct from the per-agent API keys
// used by the gateway's service-to-service ingress (see apikey.go).
type APIToken struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	TokenHash   string       `json:"token_hash"`
	UserID      string       `json:"user_id"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	LastUsedAt  time.Time    `json:"last_used_at"`
}

// RequestContext is extracted from the request by middleware and placed in context.
type RequestContext struct {
	User        *User
	Session     *Session
	APIToken    *APIToken
	AgentID     string
	Permissions []Permission
	AuthEnabled bool
}

// HasPermission checks if the request context includes a specific permission.
func (rc *RequestContext) HasPermission(p Permission) bool {
	for _, perm := range rc.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// contextKey is an unexported type for context keys.
type contextKey struct{}

// ContextKey is the key used to store RequestContext in context.Context.
var ContextKey = contextKey{}
