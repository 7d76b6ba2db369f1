package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nebucaz/spendcast-agent/agent"
	"github.com/nebucaz/spendcast-agent/audit"
	"github.com/nebucaz/spendcast-agent/persistence"
)

// Turner runs one user turn. Satisfied by the agent orchestrator.
type Turner interface {
	HandleTurn(ctx context.Context, userQuery string) (agent.TurnResult, error)
}

// APIServer exposes the chat loop and tool plumbing over HTTP, with a
// websocket channel for real-time chat clients.
type APIServer struct {
	Agent  Turner
	Runner agent.ToolRunner
	// Broker is set when approvals are decided out of band; nil hides the
	// approval endpoints.
	Broker *agent.Broker
	// Trail and Store are optional observability and persistence hooks.
	Trail  audit.Logger
	Store  *persistence.TranscriptStore
	Logger *log.Logger
}

// ChatRequest describes the incoming chat payload.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse carries the final answer and the turn's tool call trail.
type ChatResponse struct {
	SessionID string                 `json:"session_id"`
	Answer    string                 `json:"answer"`
	ToolCalls []agent.ToolCallRecord `json:"tool_calls,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext allows the caller to control shutdown via context cancellation.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	if s.Logger != nil {
		s.Logger.Printf("API listening on %s", addr)
	}
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler builds the route table.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/providers", s.handleProviders)
	mux.HandleFunc("/api/audit", s.handleAudit)
	mux.HandleFunc("/api/approvals", s.handleApprovals)
	mux.HandleFunc("/api/approvals/decide", s.handleDecide)
	mux.HandleFunc("/ws", s.handleWebsocket)
	return mux
}

func (s *APIServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	result, err := s.Agent.HandleTurn(ctx, req.Message)
	resp := ChatResponse{SessionID: req.SessionID, Answer: result.Answer, ToolCalls: result.ToolCalls}
	if err != nil {
		resp.Error = err.Error()
		s.logf("chat turn failed: %v", err)
	} else {
		s.persistTurn(ctx, req, result)
	}
	writeJSON(w, resp)
}

func (s *APIServer) persistTurn(ctx context.Context, req ChatRequest, result agent.TurnResult) {
	if s.Store == nil {
		return
	}
	if err := s.Store.AppendTurn(ctx, req.SessionID, agent.RoleUser, req.Message); err != nil {
		s.logf("persist user turn: %v", err)
		return
	}
	if err := s.Store.AppendTurn(ctx, req.SessionID, agent.RoleModel, result.Answer); err != nil {
		s.logf("persist answer: %v", err)
		return
	}
	if err := s.Store.RecordToolCalls(ctx, req.SessionID, result.ToolCalls); err != nil {
		s.logf("persist tool calls: %v", err)
	}
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	providers := 0
	if s.Runner != nil {
		providers = len(s.Runner.Providers())
	}
	writeJSON(w, map[string]interface{}{
		"status":    "running",
		"providers": providers,
	})
}

func (s *APIServer) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.Runner == nil {
		writeJSON(w, map[string]interface{}{"tools": []interface{}{}})
		return
	}
	type toolView struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Provider    string `json:"provider"`
	}
	tools := []toolView{}
	for _, providerID := range s.Runner.Providers() {
		entries, err := s.Runner.ListTools(r.Context(), providerID)
		if err != nil {
			s.logf("list tools for %s: %v", providerID, err)
			continue
		}
		for _, entry := range entries {
			tools = append(tools, toolView{Name: entry.Name, Description: entry.Description, Provider: entry.Provider})
		}
	}
	writeJSON(w, map[string]interface{}{"tools": tools})
}

func (s *APIServer) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.Runner != nil {
		names = s.Runner.Providers()
	}
	writeJSON(w, map[string]interface{}{"providers": names})
}

func (s *APIServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.Trail == nil {
		writeJSON(w, map[string]interface{}{"records": []interface{}{}})
		return
	}
	records, err := s.Trail.Query(r.Context(), audit.Query{
		Action:   audit.Action(r.URL.Query().Get("action")),
		Provider: r.URL.Query().Get("provider"),
		Tool:     r.URL.Query().Get("tool"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"records": records})
}

func (s *APIServer) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.Broker == nil {
		http.Error(w, "approvals are not brokered on this server", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"pending": s.Broker.Pending()})
}

func (s *APIServer) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.Broker == nil {
		http.Error(w, "approvals are not brokered on this server", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var decision agent.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Broker.Resolve(decision); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"resolved": decision.ProposalID})
}

func (s *APIServer) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
