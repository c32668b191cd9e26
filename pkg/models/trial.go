package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TrialOutcome is the terminal classification of one chaos trial.
type TrialOutcome string

const (
	TrialResolved  TrialOutcome = "resolved"
	TrialEscalated TrialOutcome = "escalated"
	TrialTimeout   TrialOutcome = "timeout"
	TrialError     TrialOutcome = "error"
)

// Campaign is a labelled batch of trials sharing subject, chaos type, and
// variant. Baseline campaigns run without the agent to measure self-healing.
type Campaign struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	SubjectName string    `json:"subject_name"`
	ChaosType   string    `json:"chaos_type"`
	Variant     string    `json:"variant,omitempty"`
	IsBaseline  bool      `json:"is_baseline"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolInvocation is one tool call captured from the audit log during a
// trial window. Serialised into the trial's commands_json column.
type ToolInvocation struct {
	Timestamp time.Time      `json:"timestamp"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
}

// CommandLine renders the invocation as a canonical single-line string used
// for counting and destructiveness classification. Shell invocations render
// as the raw command; everything else as "tool k=v ..." with sorted keys.
func (t ToolInvocation) CommandLine() string {
	if t.Tool == "shell" {
		if cmd, ok := t.Params["command"].(string); ok {
			return strings.TrimSpace(cmd)
		}
	}
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(t.Tool)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, t.Params[k])
	}
	return b.String()
}

// Trial records one chaos experiment. Immutable after EndedAt.
type Trial struct {
	ID              int64            `json:"id"`
	CampaignID      int64            `json:"campaign_id"`
	StartedAt       time.Time        `json:"started_at"`
	ChaosInjectedAt time.Time        `json:"chaos_injected_at"`
	ChaosMetadata   map[string]any   `json:"chaos_metadata,omitempty"`
	TicketCreatedAt *time.Time       `json:"ticket_created_at,omitempty"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	EndedAt         time.Time        `json:"ended_at"`
	Outcome         TrialOutcome     `json:"outcome"`
	InitialState    map[string]any   `json:"initial_state,omitempty"`
	FinalState      map[string]any   `json:"final_state,omitempty"`
	Commands        []ToolInvocation `json:"commands,omitempty"`
}
