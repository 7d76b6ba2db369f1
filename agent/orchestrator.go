package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nebucaz/spendcast-agent/audit"
	"github.com/nebucaz/spendcast-agent/mcp"
)

// Model is the text-generation boundary. Implementations receive the full
// rendered prompt and return the model's text.
type Model interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ToolRunner is what the orchestrator needs from the on-demand manager.
type ToolRunner interface {
	Providers() []string
	ListTools(ctx context.Context, providerID string) ([]mcp.ToolManifestEntry, error)
	CallTool(ctx context.Context, providerID string, req mcp.ToolCallRequest, timeout time.Duration) (mcp.ToolCallResult, error)
}

// Options tune one orchestrator instance.
type Options struct {
	// Approval gates every proposal. Nil means auto-approve.
	Approval ApprovalPort
	// CallTimeout bounds each tool invocation; zero uses the runner default.
	CallTimeout time.Duration
	// Trail receives one record per discovery round, proposal, decision,
	// and settled invocation. Nil disables trail recording.
	Trail  audit.Logger
	Logger *log.Logger
}

// ToolCallRecord is one entry of a turn's auditable trail: what was
// proposed, whether it was approved, and how it settled.
type ToolCallRecord struct {
	Proposal     Proposal            `json:"proposal"`
	Approved     bool                `json:"approved"`
	DeniedReason string              `json:"denied_reason,omitempty"`
	Result       *mcp.ToolCallResult `json:"result,omitempty"`
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	Answer    string           `json:"answer"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	// Issues holds parse failures that survived the corrective retry.
	Issues []Issue `json:"issues,omitempty"`
}

// Orchestrator sequences the two-phase flow for one user turn at a time:
// discovery against the aggregated manifests, approval and concurrent
// execution of the proposed calls, then final-answer synthesis.
type Orchestrator struct {
	model  Model
	runner ToolRunner
	opts   Options
}

// NewOrchestrator wires the model and tool runner together.
func NewOrchestrator(model Model, runner ToolRunner, opts Options) *Orchestrator {
	if opts.Approval == nil {
		opts.Approval = AutoApprove()
	}
	return &Orchestrator{model: model, runner: runner, opts: opts}
}

// HandleTurn runs one complete user turn. Only two failures cross this
// boundary as Go errors: the model being unreachable during discovery, and
// context cancellation. Everything else degrades into the answer and the
// audit trail.
func (o *Orchestrator) HandleTurn(ctx context.Context, userQuery string) (TurnResult, error) {
	manifests := o.aggregateManifests(ctx)
	conv := NewConversation()
	conv.Append(RoleUser, userQuery)

	reply, err := o.model.Generate(ctx, discoveryPrompt(userQuery, manifests))
	if err != nil {
		return TurnResult{}, fmt.Errorf("discovery generation: %w", err)
	}
	conv.Append(RoleModel, reply)

	parser := NewParser(manifests)
	requests, issues := parser.Parse(reply)

	// No markers at all means the model answered directly.
	if len(requests) == 0 && len(issues) == 0 {
		return TurnResult{Answer: reply}, nil
	}

	// One corrective round for whatever failed to parse; tool-reported
	// errors later on are terminal outcomes, not retries.
	if len(issues) > 0 {
		for _, issue := range issues {
			conv.Append(RoleCorrection, issue.Correction())
		}
		retryReply, err := o.model.Generate(ctx, correctionPrompt(userQuery, issues, manifests))
		if err != nil {
			return TurnResult{}, fmt.Errorf("corrective generation: %w", err)
		}
		conv.Append(RoleModel, retryReply)
		retryRequests, retryIssues := parser.Parse(retryReply)
		for _, req := range retryRequests {
			req.ID = fmt.Sprintf("call-%d", len(requests)+1)
			requests = append(requests, req)
		}
		issues = retryIssues
	}

	records := o.approveAndExecute(ctx, parser, requests)
	if ctx.Err() != nil {
		return TurnResult{}, ctx.Err()
	}
	for _, rec := range records {
		conv.Append(RoleToolResult, renderRecord(rec))
	}
	for _, issue := range issues {
		conv.Append(RoleCorrection, issue.Correction())
	}

	if len(records) == 0 && len(issues) > 0 {
		// Nothing executed and the retry did not fix the calls either.
		return TurnResult{
			Answer:    "I could not execute the tools needed for this request.",
			Issues:    issues,
			ToolCalls: records,
		}, nil
	}

	answer, err := o.model.Generate(ctx, synthesisPrompt(userQuery, conv.Render()))
	if err != nil {
		o.logf("[agent] synthesis failed, degrading to raw results: %v", err)
		answer = degradedAnswer(records)
	}
	return TurnResult{Answer: answer, ToolCalls: records, Issues: issues}, nil
}

// aggregateManifests collects every provider's tool list once per turn.
// Providers are queried concurrently since each listing spawns its own
// process; the merged manifest keeps provider declaration order. A provider
// that fails discovery is skipped, not fatal; its tools are simply absent
// from the round.
func (o *Orchestrator) aggregateManifests(ctx context.Context) []mcp.ToolManifestEntry {
	providers := o.runner.Providers()
	perProvider := make([][]mcp.ToolManifestEntry, len(providers))

	var wg sync.WaitGroup
	for i, providerID := range providers {
		wg.Add(1)
		go func(i int, providerID string) {
			defer wg.Done()
			entries, err := o.runner.ListTools(ctx, providerID)
			if err != nil {
				o.logf("[agent] discovery failed for provider %s: %v", providerID, err)
				o.record(ctx, audit.Record{
					Action:   audit.ActionDiscovery,
					Provider: providerID,
					Result:   "failed",
					Metadata: map[string]interface{}{"error": err.Error()},
				})
				return
			}
			perProvider[i] = entries
			o.record(ctx, audit.Record{
				Action:   audit.ActionDiscovery,
				Provider: providerID,
				Result:   "ok",
				Metadata: map[string]interface{}{"tools": len(entries)},
			})
		}(i, providerID)
	}
	wg.Wait()

	var manifests []mcp.ToolManifestEntry
	for _, entries := range perProvider {
		manifests = append(manifests, entries...)
	}
	return manifests
}

// approveAndExecute gates each request through the approval port, dispatches
// the approved ones concurrently, and returns records in proposal order
// regardless of completion order.
func (o *Orchestrator) approveAndExecute(ctx context.Context, parser *Parser, requests []mcp.ToolCallRequest) []ToolCallRecord {
	records := make([]ToolCallRecord, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		entry, _ := parser.Lookup(req.Tool)
		proposal := Proposal{
			ID:          uuid.NewString(),
			Provider:    entry.Provider,
			Tool:        req.Tool,
			Arguments:   req.Arguments,
			RequestedAt: time.Now(),
		}
		records[i] = ToolCallRecord{Proposal: proposal}
		o.record(ctx, audit.Record{
			Action:      audit.ActionToolProposed,
			Provider:    proposal.Provider,
			Tool:        proposal.Tool,
			Correlation: proposal.ID,
		})

		decision, err := o.opts.Approval.Approve(ctx, proposal)
		if err != nil {
			records[i].DeniedReason = err.Error()
			o.recordDenied(ctx, proposal, records[i].DeniedReason)
			continue
		}
		if !decision.Approved {
			reason := decision.Reason
			if reason == "" {
				reason = "rejected"
			}
			records[i].DeniedReason = reason
			o.recordDenied(ctx, proposal, reason)
			continue
		}
		records[i].Approved = true
		o.record(ctx, audit.Record{
			Action:      audit.ActionToolApproved,
			Provider:    proposal.Provider,
			Tool:        proposal.Tool,
			Correlation: proposal.ID,
			Result:      decision.DecidedBy,
		})

		wg.Add(1)
		go func(i int, proposal Proposal, req mcp.ToolCallRequest) {
			defer wg.Done()
			result, err := o.runner.CallTool(ctx, proposal.Provider, req, o.opts.CallTimeout)
			if err != nil {
				result = mcp.ToolCallResult{Status: mcp.StatusError, ErrorDetail: err.Error()}
			}
			records[i].Result = &result
			o.record(ctx, audit.Record{
				Action:      audit.ActionToolExecuted,
				Provider:    proposal.Provider,
				Tool:        proposal.Tool,
				Correlation: proposal.ID,
				Result:      string(result.Status),
				Metadata:    map[string]interface{}{"elapsed_ms": result.Elapsed.Milliseconds()},
			})
		}(i, proposal, req)
	}
	wg.Wait()
	return records
}

// renderRecord flattens one settled call into a context line the model can
// ground its synthesis on.
func renderRecord(rec ToolCallRecord) string {
	name := rec.Proposal.Tool
	switch {
	case !rec.Approved:
		return fmt.Sprintf("Tool '%s' was not executed: %s", name, rec.DeniedReason)
	case rec.Result == nil:
		return fmt.Sprintf("Tool '%s' did not settle", name)
	case rec.Result.Status == mcp.StatusSuccess:
		return fmt.Sprintf("Tool '%s' result: %s", name, rec.Result.Payload)
	case rec.Result.Status == mcp.StatusTimeout:
		return fmt.Sprintf("Tool '%s' timed out before responding", name)
	default:
		return fmt.Sprintf("Tool '%s' failed: %s", name, rec.Result.ErrorDetail)
	}
}

func degradedAnswer(records []ToolCallRecord) string {
	var b strings.Builder
	b.WriteString("I executed the requested tools but could not generate a final summary. Raw results:\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "- %s\n", renderRecord(rec))
	}
	return b.String()
}

func (o *Orchestrator) record(ctx context.Context, rec audit.Record) {
	if o.opts.Trail == nil {
		return
	}
	if err := o.opts.Trail.Log(ctx, rec); err != nil {
		o.logf("[agent] trail record dropped: %v", err)
	}
}

func (o *Orchestrator) recordDenied(ctx context.Context, proposal Proposal, reason string) {
	o.record(ctx, audit.Record{
		Action:      audit.ActionToolDenied,
		Provider:    proposal.Provider,
		Tool:        proposal.Tool,
		Correlation: proposal.ID,
		Result:      reason,
	})
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.opts.Logger != nil {
		o.opts.Logger.Printf(format, args...)
	}
}
