package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/ferrors"
)

// adminWebAuthnUser adapts an authn.User (plus its already-loaded
// credentials) to the webauthn.User interface the ceremony engine expects.
type adminWebAuthnUser struct {
	user  *authn.User
	creds []webauthn.Credential
}

func (u *adminWebAuthnUser) WebAuthnID() []byte                         { return u.user.WebAuthnUserID }
func (u *adminWebAuthnUser) WebAuthnName() string                       { return u.user.Username }
func (u *adminWebAuthnUser) WebAuthnDisplayName() string                { return u.user.Username }
func (u *adminWebAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func toWebAuthnCredentials(creds []authn.WebAuthnCredential) []webauthn.Credential {
	out := make([]webauthn.Credential, len(creds))
	for i, c := range creds {
		var transport []protocol.AuthenticatorTransport
		for _, t := range c.Transport {
			transport = append(transport, protocol.AuthenticatorTransport(t))
		}
		out[i] = webauthn.Credential{
			ID:              c.ID,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transport,
			Flags: webauthn.CredentialFlags{
				UserPresent:    c.Flags.UserPresent,
				UserVerified:   c.Flags.UserVerified,
				BackupEligible: c.Flags.BackupEligible,
				BackupState:    c.Flags.BackupState,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:       c.Authenticator.AAGUID,
				SignCount:    c.Authenticator.SignCount,
				CloneWarning: c.Authenticator.CloneWarning,
				Attachment:   protocol.AuthenticatorAttachment(c.Authenticator.Attachment),
			},
		}
	}
	return out
}

func fromWebAuthnCredential(cred *webauthn.Credential, userID, name string) authn.WebAuthnCredential {
	var transport []string
	for _, t := range cred.Transport {
		transport = append(transport, string(t))
	}
	return authn.WebAuthnCredential{
		ID:              cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transport:       transport,
		Flags: authn.WebAuthnFlags{
			UserPresent:    cred.Flags.UserPresent,
			UserVerified:   cred.Flags.UserVerified,
			BackupEligible: cred.Flags.BackupEligible,
			BackupState:    cred.Flags.BackupState,
		},
		Authenticator: authn.WebAuthnAuthenticator{
			AAGUID:       cred.Authenticator.AAGUID,
			SignCount:    cred.Authenticator.SignCount,
			CloneWarning: cred.Authenticator.CloneWarning,
			Attachment:   string(cred.Authenticator.Attachment),
		},
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// webauthnSessionCookie carries the Begin/Finish handoff for the
// unauthenticated discoverable-login ceremony (registration ceremonies key
// off the already-authenticated user ID instead).
const webauthnSessionCookie = "fabric_webauthn_session"

// handleAdminPasskeyRegisterBegin starts enrolling a new passkey for the
// already-authenticated operator.
func (s *Server) handleAdminPasskeyRegisterBegin(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebAuthn == nil {
		writeErr(w, r, ferrors.New(ferrors.NotFound, "passkeys not configured"))
		return
	}
	rc := authn.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		writeErr(w, r, ferrors.New(ferrors.Unauthenticated, "authentication required"))
		return
	}

	user := rc.User
	if changed, err := user.EnsureWebAuthnUserID(); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to generate webauthn user id"))
		return
	} else if changed {
		user.UpdatedAt = time.Now().UTC()
		if err := s.deps.Admin.Users.UpdateUser(*user); err != nil {
			writeErr(w, r, ferrors.New(ferrors.Internal, "failed to persist user"))
			return
		}
	}

	var existing []webauthn.Credential
	if s.deps.Admin.WebAuthnCreds != nil {
		stored, _ := s.deps.Admin.WebAuthnCreds.ListWebAuthnCredentialsForUser(user.ID)
		existing = toWebAuthnCredentials(stored)
	}

	wu := &adminWebAuthnUser{user: user, creds: existing}
	creation, sessionData, err := s.deps.WebAuthn.BeginRegistration(wu,
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		s.deps.Log.Error("webauthn begin registration failed", "error", err)
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to begin registration"))
		return
	}

	s.deps.Admin.Ceremonies.Put("register::"+user.ID, sessionData, user.ID)
	writeJSON(w, http.StatusOK, creation)
}

// handleAdminPasskeyRegisterFinish completes passkey enrollment.
func (s *Server) handleAdminPasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebAuthn == nil {
		writeErr(w, r, ferrors.New(ferrors.NotFound, "passkeys not configured"))
		return
	}
	rc := authn.GetRequestContext(r.Context())
	if rc == nil || rc.User == nil {
		writeErr(w, r, ferrors.New(ferrors.Unauthenticated, "authentication required"))
		return
	}
	user := rc.User

	ceremony := s.deps.Admin.Ceremonies.Get("register::" + user.ID)
	if ceremony == nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "no pending registration ceremony"))
		return
	}
	sessionData, ok := ceremony.Data.(*webauthn.SessionData)
	if !ok {
		writeErr(w, r, ferrors.New(ferrors.Internal, "invalid ceremony data"))
		return
	}

	var existing []webauthn.Credential
	if s.deps.Admin.WebAuthnCreds != nil {
		stored, _ := s.deps.Admin.WebAuthnCreds.ListWebAuthnCredentialsForUser(user.ID)
		existing = toWebAuthnCredentials(stored)
	}
	wu := &adminWebAuthnUser{user: user, creds: existing}

	cred, err := s.deps.WebAuthn.FinishRegistration(wu, *sessionData, r)
	if err != nil {
		s.deps.Log.Warn("webauthn finish registration failed", "error", err, "user", user.Username)
		writeErr(w, r, ferrors.New(ferrors.Validation, "registration verification failed"))
		return
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "Passkey"
	}
	if err := s.deps.Admin.WebAuthnCreds.CreateWebAuthnCredential(fromWebAuthnCredential(cred, user.ID, name)); err != nil {
		s.deps.Log.Error("failed to store webauthn credential", "error", err)
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to store credential"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": name})
}

// handleAdminPasskeyLoginBegin starts a discoverable (usernameless) passkey
// login ceremony.
func (s *Server) handleAdminPasskeyLoginBegin(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebAuthn == nil {
		writeErr(w, r, ferrors.New(ferrors.NotFound, "passkeys not configured"))
		return
	}

	assertion, sessionData, err := s.deps.WebAuthn.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationPreferred),
	)
	if err != nil {
		s.deps.Log.Error("webauthn begin discoverable login failed", "error", err)
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to begin passkey login"))
		return
	}

	sessionID, err := authn.GenerateSessionToken()
	if err != nil {
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to generate ceremony id"))
		return
	}
	s.deps.Admin.Ceremonies.Put("login::"+sessionID, sessionData, "")

	http.SetCookie(w, &http.Cookie{
		Name:     webauthnSessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   s.deps.Admin.CookieSecure,
	})
	writeJSON(w, http.StatusOK, assertion)
}

// handleAdminPasskeyLoginFinish completes the discoverable login ceremony
// and, on success, issues a session the same way password login does.
func (s *Server) handleAdminPasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	if s.deps.WebAuthn == nil {
		writeErr(w, r, ferrors.New(ferrors.NotFound, "passkeys not configured"))
		return
	}

	cookie, err := r.Cookie(webauthnSessionCookie)
	if err != nil || cookie.Value == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "no pending login ceremony"))
		return
	}
	ceremony := s.deps.Admin.Ceremonies.Get("login::" + cookie.Value)
	if ceremony == nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "login ceremony expired or not found"))
		return
	}
	sessionData, ok := ceremony.Data.(*webauthn.SessionData)
	if !ok {
		writeErr(w, r, ferrors.New(ferrors.Internal, "invalid ceremony data"))
		return
	}

	var resolved *authn.User
	userHandler := func(rawID, userHandle []byte) (webauthn.User, error) {
		user, err := s.deps.Admin.WebAuthnCreds.GetUserByWebAuthnHandle(userHandle)
		if err != nil || user == nil {
			return nil, authn.ErrCredentialNotFound
		}
		resolved = user
		creds, _ := s.deps.Admin.WebAuthnCreds.ListWebAuthnCredentialsForUser(user.ID)
		return &adminWebAuthnUser{user: user, creds: toWebAuthnCredentials(creds)}, nil
	}

	cred, err := s.deps.WebAuthn.FinishDiscoverableLogin(userHandler, *sessionData, r)
	if err != nil {
		s.deps.Log.Warn("webauthn finish discoverable login failed", "error", err)
		writeErr(w, r, ferrors.New(ferrors.Unauthenticated, "passkey authentication failed"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     webauthnSessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   s.deps.Admin.CookieSecure,
	})

	if cred.Authenticator.SignCount > 0 {
		if stored, err := s.deps.Admin.WebAuthnCreds.GetWebAuthnCredential(cred.ID); err == nil && stored != nil {
			stored.Authenticator.SignCount = cred.Authenticator.SignCount
			_ = s.deps.Admin.WebAuthnCreds.DeleteWebAuthnCredential(stored.ID)
			_ = s.deps.Admin.WebAuthnCreds.CreateWebAuthnCredential(*stored)
		}
	}

	if resolved == nil {
		writeErr(w, r, ferrors.New(ferrors.Internal, "failed to resolve credential owner"))
		return
	}

	session, _, err := s.deps.Admin.LoginWithWebAuthn(r.Context(), resolved.ID, clientIP(r), r.UserAgent())
	if err != nil {
		writeErr(w, r, adminAuthError(err))
		return
	}
	authn.SetSessionCookie(w, session.Token, session.ExpiresAt, s.deps.Admin.CookieSecure)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
