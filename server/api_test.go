package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebucaz/spendcast-agent/agent"
	"github.com/nebucaz/spendcast-agent/mcp"
)

type stubTurner struct {
	result agent.TurnResult
	err    error
	turns  []string
}

func (s *stubTurner) HandleTurn(_ context.Context, userQuery string) (agent.TurnResult, error) {
	s.turns = append(s.turns, userQuery)
	return s.result, s.err
}

type stubRunner struct{}

func (stubRunner) Providers() []string { return []string{"bank"} }

func (stubRunner) ListTools(_ context.Context, providerID string) ([]mcp.ToolManifestEntry, error) {
	if providerID != "bank" {
		return nil, mcp.ErrProviderNotFound
	}
	return []mcp.ToolManifestEntry{{Provider: "bank", Name: "lookup_balance", Description: "Look up a balance"}}, nil
}

func (stubRunner) CallTool(_ context.Context, _ string, _ mcp.ToolCallRequest, _ time.Duration) (mcp.ToolCallResult, error) {
	return mcp.ToolCallResult{Status: mcp.StatusSuccess}, nil
}

func newTestServer(t *testing.T, turner Turner) *httptest.Server {
	t.Helper()
	api := &APIServer{Agent: turner, Runner: stubRunner{}, Broker: agent.NewBroker(time.Minute)}
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestChatEndpoint(t *testing.T) {
	turner := &stubTurner{result: agent.TurnResult{
		Answer: "Your balance is 42.50.",
		ToolCalls: []agent.ToolCallRecord{{
			Proposal: agent.Proposal{ID: "p-1", Tool: "lookup_balance", Provider: "bank"},
			Approved: true,
			Result:   &mcp.ToolCallResult{Status: mcp.StatusSuccess, Payload: "42.50"},
		}},
	}}
	ts := newTestServer(t, turner)

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message": "what is my balance?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Your balance is 42.50.", body.Answer)
	assert.NotEmpty(t, body.SessionID)
	require.Len(t, body.ToolCalls, 1)
	assert.Equal(t, "lookup_balance", body.ToolCalls[0].Proposal.Tool)
	assert.Equal(t, []string{"what is my balance?"}, turner.turns)
}

func TestChatEndpointRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t, &stubTurner{})
	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatEndpointSurfacesTurnError(t *testing.T) {
	ts := newTestServer(t, &stubTurner{err: errors.New("model unreachable")})
	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		strings.NewReader(`{"message": "hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "model unreachable")
}

func TestToolsEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubTurner{})
	resp, err := http.Get(ts.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Tools []struct {
			Name     string `json:"name"`
			Provider string `json:"provider"`
		} `json:"tools"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "lookup_balance", body.Tools[0].Name)
	assert.Equal(t, "bank", body.Tools[0].Provider)
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubTurner{})
	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 1, body["providers"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	broker := agent.NewBroker(5 * time.Second)
	api := &APIServer{Agent: &stubTurner{}, Runner: stubRunner{}, Broker: broker}
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	decided := make(chan agent.Decision, 1)
	go func() {
		decision, err := broker.Approve(context.Background(), agent.Proposal{ID: "p-9", Tool: "lookup_balance"})
		assert.NoError(t, err)
		decided <- decision
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/approvals")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Pending []agent.Proposal `json:"pending"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return len(body.Pending) == 1 && body.Pending[0].ID == "p-9"
	}, time.Second, 20*time.Millisecond)

	resp, err := http.Post(ts.URL+"/api/approvals/decide", "application/json",
		strings.NewReader(`{"proposal_id": "p-9", "approved": true, "decided_by": "web"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	decision := <-decided
	assert.True(t, decision.Approved)
	assert.Equal(t, "web", decision.DecidedBy)
}

func TestWebsocketChat(t *testing.T) {
	turner := &stubTurner{result: agent.TurnResult{Answer: "pong"}}
	ts := newTestServer(t, turner)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": "ping"}))

	var out wsOutbound
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "response", out.Type)
	assert.Equal(t, "pong", out.Message)
	assert.Equal(t, []string{"ping"}, turner.turns)
}
