package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMessageEnqueuePollAckRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)

	enqueueBody := `{"recipient":"agent-1","content":"hello","priority":"HIGH"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(enqueueBody))
	rec := httptest.NewRecorder()
	srv.handleMessageEnqueue(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("enqueue status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var enqueueResp struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &enqueueResp); err != nil {
		t.Fatalf("decode enqueue response: %v", err)
	}
	if enqueueResp.MessageID == "" {
		t.Fatal("message_id missing from enqueue response")
	}

	pollReq := httptest.NewRequest(http.MethodGet, "/api/v1/messages/agent-1", nil)
	pollReq.SetPathValue("agent", "agent-1")
	pollRec := httptest.NewRecorder()
	srv.handleMessagePoll(pollRec, pollReq)
	if pollRec.Code != http.StatusOK {
		t.Fatalf("poll status = %d", pollRec.Code)
	}
	if !strings.Contains(pollRec.Body.String(), enqueueResp.MessageID) {
		t.Fatalf("poll response %s does not contain message id %s", pollRec.Body.String(), enqueueResp.MessageID)
	}

	ackReq := httptest.NewRequest(http.MethodPost, "/api/v1/messages/"+enqueueResp.MessageID+"/ack?agent_id=agent-1", nil)
	ackReq.SetPathValue("id", enqueueResp.MessageID)
	ackRec := httptest.NewRecorder()
	srv.handleMessageAck(ackRec, ackReq)
	if ackRec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body = %s", ackRec.Code, ackRec.Body.String())
	}
}

func TestMessageAckRequiresAgentID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/m1/ack", nil)
	req.SetPathValue("id", "m1")
	rec := httptest.NewRecorder()
	srv.handleMessageAck(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for missing agent_id", rec.Code)
	}
}

func TestBroadcastFansOutToExplicitRecipients(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body := `{"recipients":["a1","a2"],"content":"announce"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/broadcast", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleBroadcast(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		MessagesSent int `json:"messages_sent"`
		TargetAgents int `json:"target_agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TargetAgents != 2 {
		t.Errorf("target_agents = %d, want 2", resp.TargetAgents)
	}
	if resp.MessagesSent != 2 {
		t.Errorf("messages_sent = %d, want 2", resp.MessagesSent)
	}
}
