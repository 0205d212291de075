package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/agentfabric/fabric/internal/metrics"
	"github.com/agentfabric/fabric/internal/queue"
	"github.com/agentfabric/fabric/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEnvelope is the JSON shape exchanged over /ws/{agent} in both
// directions, per spec.md's client/server message catalog.
type wsEnvelope struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	Priority  string `json:"priority,omitempty"`
}

// wsConn wraps a gorilla/websocket connection with a write mutex: the
// queue's push-delivery loop and the connection's own read loop (replying
// to heartbeats) both write concurrently, and gorilla/websocket forbids
// concurrent writers.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// handleWebSocket upgrades the connection, marks the agent ONLINE, wires a
// push-delivery handler so queued messages stream to the client as they
// arrive, and processes client-originated control messages until the
// connection closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")

	if _, err := s.deps.Directory.Get(agentID); err != nil {
		writeErr(w, r, err)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", "agent", agentID, "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	_ = s.deps.Directory.UpdateStatus(agentID, router.AgentOnline)
	metrics.GatewayWSConnections.Inc()
	defer func() {
		s.deps.Queue.Deregister(agentID)
		_ = s.deps.Directory.UpdateStatus(agentID, router.AgentOffline)
		metrics.GatewayWSConnections.Dec()
	}()

	s.deps.Queue.Register(agentID, func(m *queue.Message) error {
		return conn.writeJSON(wsEnvelope{
			Type:      "message",
			MessageID: m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Content:   string(m.Content),
			Priority:  string(m.Priority),
		})
	})

	for {
		var env wsEnvelope
		if err := raw.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case "heartbeat":
			_ = s.deps.Directory.Heartbeat(agentID)
			_ = conn.writeJSON(wsEnvelope{Type: "heartbeat_ack"})
		case "ack":
			_ = s.deps.Queue.Ack(env.MessageID, agentID)
		case "send_message":
			priority := queue.Priority(env.Priority)
			m, err := queue.NewMessage(agentID, env.Recipient, []byte(env.Content), priority)
			if err != nil {
				continue
			}
			_ = s.deps.Queue.Enqueue(m)
		}
	}
}
