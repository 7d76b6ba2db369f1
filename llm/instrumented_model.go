package llm

import (
	"context"
	"strings"
	"time"

	"github.com/nebucaz/spendcast-agent/agent"
	"github.com/nebucaz/spendcast-agent/audit"
)

// InstrumentedModel wraps a text-generation backend and records every prompt
// and response in the audit trail.
type InstrumentedModel struct {
	Inner agent.Model
	Trail audit.Logger
}

func NewInstrumentedModel(inner agent.Model, trail audit.Logger) *InstrumentedModel {
	return &InstrumentedModel{Inner: inner, Trail: trail}
}

func (m *InstrumentedModel) Generate(ctx context.Context, prompt string) (string, error) {
	start := time.Now()
	m.log(ctx, audit.Record{
		Action: audit.ActionModelPrompt,
		Metadata: map[string]interface{}{
			"prompt_chars":   len(prompt),
			"prompt_preview": clip(prompt, 1024),
		},
	})

	text, err := m.Inner.Generate(ctx, prompt)

	record := audit.Record{
		Action: audit.ActionModelResponse,
		Metadata: map[string]interface{}{
			"elapsed_ms":   time.Since(start).Milliseconds(),
			"text_preview": clip(text, 1024),
		},
	}
	if err != nil {
		record.Result = "error"
		record.Metadata["error"] = err.Error()
	} else {
		record.Result = "success"
	}
	m.log(ctx, record)
	return text, err
}

func (m *InstrumentedModel) log(ctx context.Context, record audit.Record) {
	if m == nil || m.Trail == nil {
		return
	}
	_ = m.Trail.Log(ctx, record)
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
