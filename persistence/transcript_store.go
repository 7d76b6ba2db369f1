package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nebucaz/spendcast-agent/agent"
)

// StoredTurn is one persisted context entry of a chat session.
type StoredTurn struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredToolCall is one persisted entry of a turn's tool call trail.
type StoredToolCall struct {
	SessionID    string         `json:"session_id"`
	ProposalID   string         `json:"proposal_id"`
	Provider     string         `json:"provider"`
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Approved     bool           `json:"approved"`
	DeniedReason string         `json:"denied_reason,omitempty"`
	Status       string         `json:"status,omitempty"`
	Payload      string         `json:"payload,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	ElapsedMS    int64          `json:"elapsed_ms"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TranscriptStore persists chat transcripts and tool call trails in SQLite.
type TranscriptStore struct {
	db *sql.DB
}

// NewTranscriptStore opens/creates the database at dbPath.
func NewTranscriptStore(dbPath string) (*TranscriptStore, error) {
	if dbPath == "" {
		return nil, errors.New("transcript store path required")
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	store := &TranscriptStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *TranscriptStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
	CREATE TABLE IF NOT EXISTS tool_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		tool TEXT NOT NULL,
		arguments TEXT,
		approved BOOLEAN NOT NULL,
		denied_reason TEXT,
		status TEXT,
		payload TEXT,
		error_detail TEXT,
		elapsed_ms INTEGER,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *TranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AppendTurn stores one context entry.
func (s *TranscriptStore) AppendTurn(ctx context.Context, sessionID string, role agent.TurnRole, text string) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(role), text, time.Now().UTC())
	return err
}

// History returns a session's entries in insertion order.
func (s *TranscriptStore) History(ctx context.Context, sessionID string) ([]StoredTurn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, role, text, created_at FROM turns WHERE session_id = ? ORDER BY id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []StoredTurn
	for rows.Next() {
		var turn StoredTurn
		if err := rows.Scan(&turn.SessionID, &turn.Role, &turn.Text, &turn.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// RecordToolCalls stores a turn's settled tool call trail.
func (s *TranscriptStore) RecordToolCalls(ctx context.Context, sessionID string, records []agent.ToolCallRecord) error {
	if sessionID == "" {
		return errors.New("session id required")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO tool_calls (
		session_id, proposal_id, provider, tool, arguments,
		approved, denied_reason, status, payload, error_detail, elapsed_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		args, err := json.Marshal(rec.Proposal.Arguments)
		if err != nil {
			return err
		}
		var status, payload, errorDetail string
		var elapsedMS int64
		if rec.Result != nil {
			status = string(rec.Result.Status)
			payload = rec.Result.Payload
			errorDetail = rec.Result.ErrorDetail
			elapsedMS = rec.Result.Elapsed.Milliseconds()
		}
		if _, err := stmt.ExecContext(ctx,
			sessionID, rec.Proposal.ID, rec.Proposal.Provider, rec.Proposal.Tool, string(args),
			rec.Approved, rec.DeniedReason, status, payload, errorDetail, elapsedMS, time.Now().UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ToolCalls returns a session's trail in insertion order.
func (s *TranscriptStore) ToolCalls(ctx context.Context, sessionID string) ([]StoredToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT session_id, proposal_id, provider, tool, arguments,
		approved, denied_reason, status, payload, error_detail, elapsed_ms, created_at
	FROM tool_calls WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []StoredToolCall
	for rows.Next() {
		var call StoredToolCall
		var args sql.NullString
		if err := rows.Scan(
			&call.SessionID, &call.ProposalID, &call.Provider, &call.Tool, &args,
			&call.Approved, &call.DeniedReason, &call.Status, &call.Payload,
			&call.ErrorDetail, &call.ElapsedMS, &call.CreatedAt,
		); err != nil {
			return nil, err
		}
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &call.Arguments); err != nil {
				return nil, err
			}
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// Sessions lists the distinct session ids with stored turns, newest first.
func (s *TranscriptStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM turns GROUP BY session_id ORDER BY MAX(id) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, id)
	}
	return sessions, rows.Err()
}
