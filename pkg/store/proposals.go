package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/operator/pkg/models"
)

// CreateProposal records a mutating action awaiting approval. Tool-level
// parameter validation has already happened by the time a proposal exists,
// so it is created directly in the validated state.
func (s *Store) CreateProposal(ctx context.Context, ticketID int64, actionName string, params map[string]any) (int64, error) {
	if actionName == "" {
		return 0, NewValidationError("action_name", "must not be empty")
	}
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return 0, err
	}

	var id int64
	now := formatTime(time.Now())
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO action_proposals (ticket_id, action_name, params, status, proposed_at, validated_at)
			VALUES (?, ?, ?, 'validated', ?, ?)`,
			ticketID, actionName, paramsJSON, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert proposal: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ApproveProposal approves a validated proposal. Approval from any other
// status is a state conflict.
func (s *Store) ApproveProposal(ctx context.Context, id int64, approvedBy string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireProposalStatus(ctx, tx, id, models.ProposalValidated); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE action_proposals SET approved_at = ?, approved_by = ? WHERE id = ?`,
			formatTime(time.Now()), approvedBy, id)
		if err != nil {
			return fmt.Errorf("failed to approve proposal: %w", err)
		}
		return nil
	})
}

// RejectProposal rejects a validated proposal, transitioning it to
// cancelled. A reason is required.
func (s *Store) RejectProposal(ctx context.Context, id int64, rejectedBy, reason string) error {
	if reason == "" {
		return NewValidationError("rejection_reason", "must not be empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireProposalStatus(ctx, tx, id, models.ProposalValidated); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE action_proposals SET status = 'cancelled', rejected_at = ?, rejected_by = ?, rejection_reason = ?
			WHERE id = ?`,
			formatTime(time.Now()), rejectedBy, reason, id)
		if err != nil {
			return fmt.Errorf("failed to reject proposal: %w", err)
		}
		return nil
	})
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id int64) (*models.ActionProposal, error) {
	row := s.db.QueryRowContext(ctx, proposalSelect+` WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %d: %w", id, ErrNotFound)
	}
	return p, err
}

// ListProposals returns proposals newest-first, optionally filtered by
// status.
func (s *Store) ListProposals(ctx context.Context, status models.ProposalStatus, limit int) ([]*models.ActionProposal, error) {
	query := proposalSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY proposed_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.ActionProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func requireProposalStatus(ctx context.Context, tx *sql.Tx, id int64, want models.ProposalStatus) error {
	row := tx.QueryRowContext(ctx, `SELECT status FROM action_proposals WHERE id = ?`, id)
	var current string
	switch err := row.Scan(&current); {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("proposal %d: %w", id, ErrNotFound)
	case err != nil:
		return fmt.Errorf("failed to query proposal status: %w", err)
	}
	if models.ProposalStatus(current) != want {
		return fmt.Errorf("proposal %d is %s, expected %s: %w", id, current, want, ErrStateConflict)
	}
	return nil
}

const proposalSelect = `
	SELECT id, ticket_id, action_name, params, status, proposed_at,
	       validated_at, approved_at, approved_by, rejected_at, rejected_by, rejection_reason
	FROM action_proposals`

func scanProposal(row rowScanner) (*models.ActionProposal, error) {
	var (
		p           models.ActionProposal
		params      string
		proposedAt  string
		validatedAt sql.NullString
		approvedAt  sql.NullString
		rejectedAt  sql.NullString
	)
	err := row.Scan(&p.ID, &p.TicketID, &p.ActionName, &params, &p.Status,
		&proposedAt, &validatedAt, &approvedAt, &p.ApprovedBy,
		&rejectedAt, &p.RejectedBy, &p.RejectionReason)
	if err != nil {
		return nil, err
	}
	if p.Params, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if p.ProposedAt, err = parseTime(proposedAt); err != nil {
		return nil, fmt.Errorf("failed to parse proposed_at: %w", err)
	}
	if p.ValidatedAt, err = parseNullTime(validatedAt); err != nil {
		return nil, err
	}
	if p.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return nil, err
	}
	if p.RejectedAt, err = parseNullTime(rejectedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
