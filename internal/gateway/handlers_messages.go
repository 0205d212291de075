package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/agentfabric/fabric/internal/router"
)

type messageRequest struct {
	Recipient      string            `json:"recipient"`
	Content        string            `json:"content"`
	Priority       string            `json:"priority,omitempty"`
	ExpiresInHours float64           `json:"expires_in_hours,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func senderOf(r *http.Request) string {
	if ac := GetAuthContext(r.Context()); ac != nil && ac.OwnerID != "" {
		return ac.OwnerID
	}
	return "gateway"
}

func (s *Server) handleMessageEnqueue(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	priority := queue.Priority(req.Priority)
	m, err := queue.NewMessage(senderOf(r), req.Recipient, []byte(req.Content), priority)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if req.ExpiresInHours > 0 {
		m.ExpiresAt = s.clock.Now().Add(time.Duration(req.ExpiresInHours * float64(time.Hour)))
	}
	for k, v := range req.Metadata {
		m.Metadata[k] = v
	}
	if err := s.deps.Queue.Enqueue(m); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message_id": m.ID,
		"status":     string(m.Status),
		"recipient":  m.Recipient,
	})
}

type broadcastRequest struct {
	Recipients     []string          `json:"recipients,omitempty"`
	Content        string            `json:"content"`
	Priority       string            `json:"priority,omitempty"`
	ExpiresInHours float64           `json:"expires_in_hours,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	if req.Content == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "content is required"))
		return
	}
	b := router.NewBroadcast(senderOf(r), req.Recipients, []byte(req.Content), queue.Priority(req.Priority))
	for k, v := range req.Metadata {
		b.Metadata[k] = v
	}
	targetAgents := len(req.Recipients)
	sent, errs := s.deps.Router.RouteBroadcast(b, s.deps.Queue.Enqueue)
	if targetAgents == 0 {
		targetAgents = sent + len(errs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"broadcast_id":  b.ID,
		"messages_sent": sent,
		"target_agents": targetAgents,
	})
}

func (s *Server) handleMessagePoll(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	messages := s.deps.Queue.Poll(agent, limit)
	writeJSON(w, http.StatusOK, messages)
}

type ackRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleMessageAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "agent_id query parameter is required"))
		return
	}
	var req ackRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.deps.Queue.AckWithPayload(id, agentID, req.Payload); err != nil {
		writeErr(w, r, err)
		return
	}
	s.deps.Router.RecordCompletion(agentID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

// handleMessageReceipts returns agent's bounded delivery-receipt history.
func (s *Server) handleMessageReceipts(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	writeJSON(w, http.StatusOK, s.deps.Queue.Receipts(agent))
}
