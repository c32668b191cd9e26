package models

import "time"

// ProposalStatus is the lifecycle state of an action proposal.
type ProposalStatus string

const (
	ProposalProposed  ProposalStatus = "proposed"
	ProposalValidated ProposalStatus = "validated"
	ProposalCancelled ProposalStatus = "cancelled"
	ProposalExecuting ProposalStatus = "executing"
	ProposalCompleted ProposalStatus = "completed"
	ProposalFailed    ProposalStatus = "failed"
)

// ActionProposal is a mutating tool call held for human approval. Proposals
// are only approvable or rejectable while status is validated; rejecting
// moves them to cancelled.
type ActionProposal struct {
	ID              int64          `json:"id"`
	TicketID        int64          `json:"ticket_id"`
	ActionName      string         `json:"action_name"`
	Params          map[string]any `json:"params,omitempty"`
	Status          ProposalStatus `json:"status"`
	ProposedAt      time.Time      `json:"proposed_at"`
	ValidatedAt     *time.Time     `json:"validated_at,omitempty"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	RejectedAt      *time.Time     `json:"rejected_at,omitempty"`
	RejectedBy      string         `json:"rejected_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
}

// IsApproved reports whether the proposal has been approved.
func (p *ActionProposal) IsApproved() bool { return p.ApprovedAt != nil }
