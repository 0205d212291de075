package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/agentfabric/fabric/internal/router"
)

type agentRegisterRequest struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Endpoint     string            `json:"endpoint,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	if req.Name == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "name is required"))
		return
	}
	agent := router.Agent{
		ID: uuid.NewString(), Name: req.Name, Capabilities: req.Capabilities,
		Status: router.AgentOnline, Endpoint: req.Endpoint, Metadata: req.Metadata,
	}
	if err := s.deps.Directory.Register(agent); err != nil {
		writeErr(w, r, err)
		return
	}
	if s.deps.MQTT != nil && req.Metadata["transport"] == "mqtt" {
		s.deps.Queue.Register(agent.ID, func(m *queue.Message) error {
			return s.deps.MQTT.PublishDelivery(m)
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": agent.ID})
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	status := router.AgentStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, s.deps.Directory.List(status))
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Directory.Heartbeat(id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
