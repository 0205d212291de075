package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentfabric/fabric/internal/ferrors"
	"github.com/agentfabric/fabric/internal/registry"
)

// serviceRegisterRequest is the body of POST /services/register.
type serviceRegisterRequest struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	HealthCheck  string            `json:"health_check,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Version      string            `json:"version,omitempty"`
	Weight       int               `json:"weight,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

func (s *Server) handleServiceRegister(w http.ResponseWriter, r *http.Request) {
	var req serviceRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, ferrors.New(ferrors.Validation, "malformed request body"))
		return
	}
	if req.Name == "" || req.Host == "" {
		writeErr(w, r, ferrors.New(ferrors.Validation, "name and host are required"))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	inst := registry.Instance{
		ID: req.ID, Name: req.Name, Host: req.Host, Port: req.Port,
		Metadata: req.Metadata, HealthCheck: req.HealthCheck,
		Tags: req.Tags, Version: req.Version, Weight: req.Weight,
	}
	if err := s.deps.Registry.Register(inst, req.Dependencies); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service_id": req.ID,
		"timestamp":  timestamp(),
	})
}

func (s *Server) handleServiceDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Registry.Deregister(id, r.URL.Query().Get("reason")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleServiceGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, _, err := s.deps.Registry.Get(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, status, err := s.deps.Registry.Get(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id": id, "status": string(status), "timestamp": timestamp(),
	})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.deps.Registry.GetHealth(id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleServiceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Registry.Heartbeat(id); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServiceDiscover(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	healthyOnly := true
	if v := r.URL.Query().Get("healthy_only"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			healthyOnly = parsed
		}
	}
	services := s.deps.Registry.Discover(name, registry.DiscoverFilter{HealthyOnly: healthyOnly})
	writeJSON(w, http.StatusOK, map[string]any{
		"services":    services,
		"total_count": len(services),
	})
}

func (s *Server) handleServiceHealthy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	services := s.deps.Registry.Discover(name, registry.DiscoverFilter{HealthyOnly: true})
	if len(services) == 0 {
		writeErr(w, r, ferrors.New(ferrors.NotFound, "no healthy instance of "+name))
		return
	}
	writeJSON(w, http.StatusOK, services[0])
}

func (s *Server) handleServiceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.ListAll())
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":   true,
		"timestamp": timestamp(),
		"services":  len(s.deps.Registry.ListAll()),
		"agents":    s.deps.Directory.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": timestamp(),
	})
}
