package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAgentRegisterListHeartbeat(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/register", strings.NewReader(
		`{"name":"worker-1","capabilities":["quality"]}`))
	rec := httptest.NewRecorder()
	srv.handleAgentRegister(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var reg struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg.AgentID == "" {
		t.Fatal("agent_id missing")
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	listRec := httptest.NewRecorder()
	srv.handleAgentList(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	if !strings.Contains(listRec.Body.String(), reg.AgentID) {
		t.Fatalf("list response missing registered agent: %s", listRec.Body.String())
	}

	hbReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+reg.AgentID+"/heartbeat", nil)
	hbReq.SetPathValue("id", reg.AgentID)
	hbRec := httptest.NewRecorder()
	srv.handleAgentHeartbeat(hbRec, hbReq)
	if hbRec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %s", hbRec.Code, hbRec.Body.String())
	}
}

func TestAgentRegisterRejectsMissingName(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/register", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.handleAgentRegister(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}
