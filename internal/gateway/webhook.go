package gateway

import (
	"io"
	"net/http"

	"github.com/agentfabric/fabric/internal/authn"
	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/router"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	webhookTimestampHeader = "X-Webhook-Timestamp"
	webhookEventHeader     = "X-Webhook-Event"
)

// handleWebhook verifies an inbound provider webhook's HMAC signature
// against a per-provider secret, translates the event into a routed
// message via the router's capability-sniffing translation, and enqueues it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	secret, err := s.deps.Store.LoadSetting("webhook_secret:" + provider)
	if err != nil || secret == "" {
		writeErr(w, r, ferrors.New(ferrors.NotFound, "unknown webhook provider "+provider))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "unreadable request body"))
		return
	}

	signature := r.Header.Get(webhookSignatureHeader)
	timestamp := r.Header.Get(webhookTimestampHeader)
	if signature == "" || timestamp == "" {
		writeErr(w, r, ferrors.New(ferrors.Unauthenticated, "missing webhook signature headers"))
		return
	}

	if err := authn.VerifyWebhookSignature(secret, string(body), timestamp, signature, s.clock.Now()); err != nil {
		writeErr(w, r, ferrors.Wrap(ferrors.Unauthenticated, "webhook signature verification failed", err))
		return
	}

	ev := router.ExternalEvent{
		Provider:  provider,
		EventType: r.Header.Get(webhookEventHeader),
		Content:   body,
		Metadata:  map[string]string{},
	}
	m, err := s.deps.Router.ToMessage(ev)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.deps.Queue.Enqueue(m); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": m.ID, "status": "accepted"})
}
