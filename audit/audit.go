package audit

import (
	"context"
	"sync"
	"time"
)

// Action categorizes records for downstream processing.
type Action string

const (
	ActionModelPrompt   Action = "model_prompt"
	ActionModelResponse Action = "model_response"
	ActionToolProposed  Action = "tool_proposed"
	ActionToolApproved  Action = "tool_approved"
	ActionToolDenied    Action = "tool_denied"
	ActionToolExecuted  Action = "tool_executed"
	ActionDiscovery     Action = "discovery"
)

// Record captures a single trace event of one conversational turn.
type Record struct {
	Timestamp   time.Time              `json:"timestamp"`
	Action      Action                 `json:"action"`
	Provider    string                 `json:"provider,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	Result      string                 `json:"result,omitempty"`
	Correlation string                 `json:"correlation_id,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Logger defines the trail backend.
type Logger interface {
	Log(ctx context.Context, record Record) error
	Query(ctx context.Context, filter Query) ([]Record, error)
}

// Query filters trail entries.
type Query struct {
	Action    Action
	Provider  string
	Tool      string
	TimeStart time.Time
	TimeEnd   time.Time
}

// InMemoryLogger appends records to a bounded buffer, dropping the oldest
// entry once full.
type InMemoryLogger struct {
	mu     sync.RWMutex
	buffer []Record
	limit  int
}

// NewInMemoryLogger builds a logger; a zero limit defaults to 2048 entries.
func NewInMemoryLogger(limit int) *InMemoryLogger {
	if limit <= 0 {
		limit = 2048
	}
	return &InMemoryLogger{
		buffer: make([]Record, 0, limit),
		limit:  limit,
	}
}

// Log appends the record to the buffer.
func (l *InMemoryLogger) Log(_ context.Context, record Record) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) == l.limit {
		l.buffer = l.buffer[1:]
	}
	l.buffer = append(l.buffer, record)
	return nil
}

// Query returns the records matching the filter, oldest first.
func (l *InMemoryLogger) Query(_ context.Context, filter Query) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var result []Record
	for _, record := range l.buffer {
		if filter.Action != "" && record.Action != filter.Action {
			continue
		}
		if filter.Provider != "" && record.Provider != filter.Provider {
			continue
		}
		if filter.Tool != "" && record.Tool != filter.Tool {
			continue
		}
		if !filter.TimeStart.IsZero() && record.Timestamp.Before(filter.TimeStart) {
			continue
		}
		if !filter.TimeEnd.IsZero() && record.Timestamp.After(filter.TimeEnd) {
			continue
		}
		result = append(result, record)
	}
	return result, nil
}

// Len reports the number of buffered records.
func (l *InMemoryLogger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buffer)
}
