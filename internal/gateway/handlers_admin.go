package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/ferrors"
)

// adminLoginRequest is the body for POST /admin/login.
type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleAdminLogin authenticates an operator with a username/password pair.
// On success it sets the session cookie; if the account has TOTP enabled it
// instead returns a pending token the client must resubmit to
// POST /admin/login/totp.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "username and password are required"))
		return
	}

	ip := clientIP(r)
	session, user, err := s.deps.Admin.Login(r.Context(), req.Username, req.Password, ip, r.UserAgent())
	if err != nil {
		var totpErr *authn.ErrTOTPRequired
		if errors.As(err, &totpErr) {
			writeJSON(w, http.StatusOK, map[string]any{
				"totp_required": true,
				"totp_token":    totpErr.PendingToken,
			})
			return
		}
		writeErr(w, r, adminAuthError(err))
		return
	}

	authn.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Admin.CookieSecure)
	resp := map[string]any{"username": user.Username}
	if s.deps.WebAuthn != nil && !s.deps.Admin.HasPasskeys(user.ID) {
		resp["suggest_passkey"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type adminLoginTOTPRequest struct {
	PendingToken string `json:"totp_token"`
	Code         string `json:"code"`
}

// handleAdminLoginTOTP completes a password login that required a second
// factor, validating either a TOTP code or a recovery code.
func (s *Server) handleAdminLoginTOTP(w http.ResponseWriter, r *http.Request) {
	var req adminLoginTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	if req.PendingToken == "" || req.Code == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "totp_token and code are required"))
		return
	}

	session, err := s.deps.Admin.VerifyTOTP(r.Context(), req.PendingToken, req.Code, clientIP(r), r.UserAgent())
	if err != nil {
		writeErr(w, r, adminAuthError(err))
		return
	}
	authn.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Admin.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAdminLogout revokes the caller's session and clears its cookie.
func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if token := authn.GetSessionToken(r); token != "" {
		_ = s.deps.Admin.Logout(token)
	}
	authn.ClearSessionCookie(w, s.deps.Admin.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setDependenciesRequest struct {
	Dependencies []string `json:"dependencies"`
}

// handleAdminSetDependencies replaces a service's declared dependency edges,
// gated on services.manage and audited against the acting operator.
func (s *Server) handleAdminSetDependencies(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setDependenciesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	rc := authn.GetRequestContext(r.Context())
	if err := s.deps.Registry.SetDependencies(rc, id, req.Dependencies); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type forceDeregisterRequest struct {
	Reason string `json:"reason"`
}

// handleAdminForceDeregister removes a service registration regardless of
// its declared dependents, gated on services.manage and audited.
func (s *Server) handleAdminForceDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req forceDeregisterRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	rc := authn.GetRequestContext(r.Context())
	if err := s.deps.Registry.ForceDeregister(rc, id, req.Reason); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAdminAuditLog returns the most recent administrative audit entries.
func (s *Server) handleAdminAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	entries, err := s.deps.Store.ListAudit(limit)
	if err != nil {
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to load audit log"))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// adminAuthError maps the authn package's sentinel login errors to fabric's
// ferrors.Kind taxonomy so writeErr produces the right HTTP status.
func adminAuthError(err error) error {
	switch {
	case errors.Is(err, authn.ErrRateLimited):
		return ferrors.New(ferrors.RateLimited, "too many login attempts")
	case errors.Is(err, authn.ErrAccountLocked):
		return ferrors.New(ferrors.Forbidden, "account is temporarily locked")
	case errors.Is(err, authn.ErrInvalidCredentials):
		return ferrors.New(ferrors.Unauthenticated, "invalid username or password")
	case errors.Is(err, authn.ErrTOTPInvalidCode):
		return ferrors.New(ferrors.Unauthenticated, "invalid TOTP code")
	case errors.Is(err, authn.ErrTOTPInvalidToken):
		return ferrors.New(ferrors.Unauthenticated, "session expired, please log in again")
	case errors.Is(err, authn.ErrTOTPNotEnabled):
		return ferrors.New(ferrors.Validation, "TOTP is not enabled for this user")
	default:
		if strings.Contains(err.Error(), "not found") {
			return ferrors.New(ferrors.NotFound, err.Error())
		}
		return ferrors.New(ferrors.Internal, err.Error())
	}
}
