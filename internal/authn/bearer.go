package authn

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// BearerClaims is the claim set fabric signs into gateway bearer tokens.
type BearerClaims struct {
	OwnerID     string   `json:"owner_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// BearerVerifier validates HMAC-signed bearer tokens against a shared
// signing key, extracting owner and permissions from the claims.
type BearerVerifier struct {
	signingKey []byte
}

// NewBearerVerifier creates a verifier using the given HMAC signing key.
func NewBearerVerifier(signingKey string) *BearerVerifier {
	return &BearerVerifier{signingKey: []byte(signingKey)}
}

// ExtractBearerToken pulls the raw token out of an Authorization header
// value, or returns "" if the header isn't a bearer scheme.
func ExtractBearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Verify validates a raw bearer token and returns the resolved auth Result.
func (v *BearerVerifier) Verify(raw string) Result {
	if raw == "" {
		return Result{FailureReason: "missing bearer token"}
	}

	claims := &BearerClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil || !token.Valid {
		return Result{FailureReason: "invalid or expired bearer token"}
	}

	return Result{
		Success:     true,
		OwnerID:     claims.OwnerID,
		Permissions: claims.Permissions,
		Metadata:    map[string]string{"auth_method": "bearer"},
	}
}

// IssueBearerToken signs a new bearer token for ownerID with the given
// permissions and lifetime. Used by the operator admin surface to mint
// service credentials.
func (v *BearerVerifier) IssueBearerToken(ownerID string, permissions []string, claims jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &BearerClaims{
		OwnerID:           ownerID,
		Permissions:       permissions,
		RegisteredClaims:  claims,
	})
	return token.SignedString(v.signingKey)
}
