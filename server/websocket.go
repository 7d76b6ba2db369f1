package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nebucaz/spendcast-agent/agent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The chat page is served from the same origin in deployments; local
	// clients connect from file:// during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsInbound is what a chat client sends.
type wsInbound struct {
	Message string `json:"message"`
}

// wsOutbound is what the server pushes back.
type wsOutbound struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	ToolCalls []agent.ToolCallRecord `json:"tool_calls,omitempty"`
}

// handleWebsocket runs a real-time chat loop: one inbound message, one full
// orchestrated turn, one outbound response, until the client disconnects.
func (s *APIServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logf("websocket read: %v", err)
			}
			return
		}
		if in.Message == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		result, err := s.Agent.HandleTurn(ctx, in.Message)
		cancel()

		out := wsOutbound{Type: "response", Message: result.Answer, ToolCalls: result.ToolCalls}
		if err != nil {
			out = wsOutbound{Type: "error", Message: err.Error()}
		}
		if err := conn.WriteJSON(out); err != nil {
			s.logf("websocket write: %v", err)
			return
		}
	}
}
