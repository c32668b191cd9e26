package models

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionEscalated SessionStatus = "escalated"
)

// Terminal reports whether the status is final. A session is immutable once
// it leaves running.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionEscalated
}

// AgentSession records one agent's end-to-end handling of one ticket.
type AgentSession struct {
	SessionID      string        `json:"session_id"`
	TicketID       int64         `json:"ticket_id"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	Status         SessionStatus `json:"status"`
	OutcomeSummary string        `json:"outcome_summary,omitempty"`
}

// NewSessionID builds a session identifier of the form
// "<RFC3339 UTC timestamp>-<8 hex chars>".
func NewSessionID(now time.Time) string {
	u := uuid.New()
	return now.UTC().Format(time.RFC3339) + "-" + hex.EncodeToString(u[:4])
}

// EntryType classifies an audit log entry.
type EntryType string

const (
	EntryReasoning  EntryType = "reasoning"
	EntryToolCall   EntryType = "tool_call"
	EntryToolResult EntryType = "tool_result"
)

// AgentLogEntry is one append-only audit record within a session. Seq is
// assigned by the store and is strictly monotonic per session starting at 0.
type AgentLogEntry struct {
	SessionID  string         `json:"session_id"`
	Seq        int            `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	EntryType  EntryType      `json:"entry_type"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolParams map[string]any `json:"tool_params,omitempty"`
	Content    string         `json:"content"`
	ExitCode   *int           `json:"exit_code,omitempty"`
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	Status SessionStatus `json:"status,omitempty"`
	Limit  int           `json:"limit,omitempty"`
}
