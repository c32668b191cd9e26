// Package models defines the persistent entities shared by the monitor,
// agent, and evaluation harness. All timestamps are UTC.
package models

import "time"

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketEscalated  TicketStatus = "escalated"
)

// Terminal reports whether the status is final. Terminal tickets are never
// transitioned again.
func (s TicketStatus) Terminal() bool {
	return s == TicketResolved || s == TicketEscalated
}

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketResolved, TicketEscalated:
		return true
	}
	return false
}

// Severity classifies how urgent a violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Ticket is a durable record of an invariant violation. At most one ticket
// per (invariant_name, subject_name, violation_key) may be open or
// in_progress at any time.
type Ticket struct {
	ID                int64          `json:"id"`
	InvariantName     string         `json:"invariant_name"`
	SubjectName       string         `json:"subject_name"`
	ViolationKey      string         `json:"violation_key"`
	Severity          Severity       `json:"severity"`
	Status            TicketStatus   `json:"status"`
	OpenedAt          time.Time      `json:"opened_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ViolationDetails  map[string]any `json:"violation_details,omitempty"`
	Diagnosis         string         `json:"diagnosis,omitempty"`
	AssignedSessionID string         `json:"assigned_session_id,omitempty"`
}

// TicketFilter narrows ListTickets results.
type TicketFilter struct {
	Status TicketStatus `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
}
