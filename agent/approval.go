package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Proposal is one tool call awaiting an approval decision.
type Proposal struct {
	ID          string         `json:"id"`
	Provider    string         `json:"provider"`
	Tool        string         `json:"tool"`
	Arguments   map[string]any `json:"arguments"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Decision resolves a proposal.
type Decision struct {
	ProposalID string `json:"proposal_id"`
	Approved   bool   `json:"approved"`
	DecidedBy  string `json:"decided_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ApprovalPort decides whether a proposed tool call may execute. The
// orchestrator awaits the decision before dispatching; implementations range
// from auto-approve to an interactive console or web prompt.
type ApprovalPort interface {
	Approve(ctx context.Context, proposal Proposal) (Decision, error)
}

// ApprovalFunc adapts a plain function to the port.
type ApprovalFunc func(ctx context.Context, proposal Proposal) (Decision, error)

func (f ApprovalFunc) Approve(ctx context.Context, proposal Proposal) (Decision, error) {
	return f(ctx, proposal)
}

// AutoApprove grants every proposal. The policy for unattended runs.
func AutoApprove() ApprovalPort {
	return ApprovalFunc(func(_ context.Context, proposal Proposal) (Decision, error) {
		return Decision{ProposalID: proposal.ID, Approved: true, DecidedBy: "auto"}, nil
	})
}

// Broker queues proposals for an out-of-band decider, such as a web client
// polling pending approvals. Approve blocks the calling orchestrator until
// Resolve is invoked, the context expires, or the broker timeout elapses.
type Broker struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]Proposal
	waiters map[string]chan Decision
}

// NewBroker builds a broker; a zero timeout defaults to five minutes.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Broker{
		timeout: timeout,
		pending: make(map[string]Proposal),
		waiters: make(map[string]chan Decision),
	}
}

// Approve registers the proposal and waits for its decision.
func (b *Broker) Approve(ctx context.Context, proposal Proposal) (Decision, error) {
	waitCh := make(chan Decision, 1)

	b.mu.Lock()
	b.pending[proposal.ID] = proposal
	b.waiters[proposal.ID] = waitCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, proposal.ID)
		delete(b.waiters, proposal.ID)
		b.mu.Unlock()
	}()

	select {
	case decision := <-waitCh:
		return decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case <-time.After(b.timeout):
		return Decision{ProposalID: proposal.ID, Approved: false, Reason: "approval timed out"}, nil
	}
}

// Resolve delivers the decision for a pending proposal.
func (b *Broker) Resolve(decision Decision) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiter, ok := b.waiters[decision.ProposalID]
	if !ok {
		return fmt.Errorf("proposal %s not found", decision.ProposalID)
	}
	waiter <- decision
	close(waiter)
	delete(b.waiters, decision.ProposalID)
	return nil
}

// Pending lists the proposals still awaiting a decision.
func (b *Broker) Pending() []Proposal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Proposal, 0, len(b.pending))
	for _, proposal := range b.pending {
		out = append(out, proposal)
	}
	return out
}
