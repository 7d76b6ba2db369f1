package mcp

import (
	"sync"
	"time"
)

// ToolParam describes one argument a provider tool accepts.
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolManifestEntry is one tool a provider declared during its handshake.
// Manifests are only trusted for the discovery round that produced them;
// every run re-fetches them from a fresh process.
type ToolManifestEntry struct {
	Provider    string
	Name        string
	Description string
	Params      []ToolParam
}

// RequiredParams returns the names of the parameters the tool declares as
// required, in declaration order.
func (e ToolManifestEntry) RequiredParams() []string {
	var required []string
	for _, p := range e.Params {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return required
}

// ToolCallRequest is a single structured invocation extracted from model
// output. ID correlates the request with the wire exchange and the
// originating model turn.
type ToolCallRequest struct {
	ID        string
	Tool      string
	Arguments map[string]any
}

// CallStatus classifies the outcome of one tool invocation.
type CallStatus string

const (
	StatusSuccess CallStatus = "success"
	StatusError   CallStatus = "error"
	StatusTimeout CallStatus = "timeout"
)

// ToolCallResult is the settled outcome of one invocation. Exactly one of
// Payload or ErrorDetail is meaningful, selected by Status.
type ToolCallResult struct {
	Status      CallStatus
	Payload     string
	ErrorDetail string
	Stderr      string
	Elapsed     time.Duration

	handle *ProcessHandle
}

// Handle exposes the (terminated) process handle for observability and
// post-mortem state checks. May be nil when no process was ever spawned.
func (r ToolCallResult) Handle() *ProcessHandle { return r.handle }

// LifecycleState tracks where a provider process is in its single-use life.
type LifecycleState string

const (
	StateIdle             LifecycleState = "idle"
	StateStarting         LifecycleState = "starting"
	StateAwaitingResponse LifecycleState = "awaiting_response"
	StateCompleted        LifecycleState = "completed"
	StateTimedOut         LifecycleState = "timed_out"
	StateCrashed          LifecycleState = "crashed"
	StateTerminated       LifecycleState = "terminated"
)

// ProcessHandle wraps one spawned provider process. It is owned by exactly
// one client session and is never shared between concurrent calls.
type ProcessHandle struct {
	mu        sync.Mutex
	pid       int
	state     LifecycleState
	startedAt time.Time
}

func newProcessHandle() *ProcessHandle {
	return &ProcessHandle{state: StateIdle}
}

// State returns the current lifecycle state.
func (h *ProcessHandle) State() LifecycleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PID returns the operating-system process id, zero before spawn.
func (h *ProcessHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// StartedAt returns the spawn timestamp.
func (h *ProcessHandle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

func (h *ProcessHandle) markStarting() {
	h.mu.Lock()
	h.state = StateStarting
	h.startedAt = time.Now()
	h.mu.Unlock()
}

func (h *ProcessHandle) markSpawned(pid int) {
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()
}

func (h *ProcessHandle) transition(state LifecycleState) {
	h.mu.Lock()
	// Terminated is final; outcome states are not overwritten by later
	// bookkeeping except by the terminal transition itself.
	if h.state != StateTerminated {
		h.state = state
	}
	h.mu.Unlock()
}
