package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/operator/pkg/models"
)

// ViolationKeyField is the well-known field under which the violation key is
// recorded inside violation_details.
const ViolationKeyField = "violation_key"

// OpenTicket records a violation, deduplicating against any ticket with the
// same (invariant, subject, key) that is still open or in_progress: in that
// case the existing id is returned and created is false. Closed tickets do
// not block reopening.
func (s *Store) OpenTicket(ctx context.Context, invariantName, subjectName, violationKey string, severity models.Severity, details map[string]any) (id int64, created bool, err error) {
	if invariantName == "" {
		return 0, false, NewValidationError("invariant_name", "must not be empty")
	}
	if subjectName == "" {
		return 0, false, NewValidationError("subject_name", "must not be empty")
	}
	if !severity.Valid() {
		return 0, false, NewValidationError("severity", fmt.Sprintf("unknown severity %q", severity))
	}

	// Copy before stamping the key; the caller's map is not ours to change.
	stamped := make(map[string]any, len(details)+1)
	for k, v := range details {
		stamped[k] = v
	}
	stamped[ViolationKeyField] = violationKey
	detailsJSON, err := marshalJSON(stamped)
	if err != nil {
		return 0, false, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM tickets
			WHERE invariant_name = ? AND subject_name = ? AND violation_key = ?
			  AND status IN ('open', 'in_progress')
			LIMIT 1`,
			invariantName, subjectName, violationKey)
		switch scanErr := row.Scan(&id); {
		case scanErr == nil:
			return nil // existing live ticket; return its id
		case !errors.Is(scanErr, sql.ErrNoRows):
			return fmt.Errorf("failed to query existing ticket: %w", scanErr)
		}

		res, insErr := tx.ExecContext(ctx, `
			INSERT INTO tickets (invariant_name, subject_name, violation_key, severity, status, opened_at, violation_details)
			VALUES (?, ?, ?, ?, 'open', ?, ?)`,
			invariantName, subjectName, violationKey, string(severity), formatTime(time.Now()), detailsJSON)
		if insErr != nil {
			return fmt.Errorf("failed to insert ticket: %w", insErr)
		}
		id, insErr = res.LastInsertId()
		if insErr != nil {
			return fmt.Errorf("failed to read ticket id: %w", insErr)
		}
		created = true
		return nil
	})
	return id, created, err
}

// ClaimOpenTicket atomically transitions the oldest open ticket to
// in_progress, assigning it to sessionID. Returns ErrNoOpenTickets when
// nothing is claimable. The claim is the synchronisation fence between
// monitor and agent.
func (s *Store) ClaimOpenTicket(ctx context.Context, sessionID string) (*models.Ticket, error) {
	var ticket *models.Ticket
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id FROM tickets WHERE status = 'open'
			ORDER BY opened_at ASC, id ASC LIMIT 1`)
		var id int64
		switch scanErr := row.Scan(&id); {
		case errors.Is(scanErr, sql.ErrNoRows):
			return ErrNoOpenTickets
		case scanErr != nil:
			return fmt.Errorf("failed to query open tickets: %w", scanErr)
		}

		res, updErr := tx.ExecContext(ctx, `
			UPDATE tickets SET status = 'in_progress', assigned_session_id = ?
			WHERE id = ? AND status = 'open'`,
			sessionID, id)
		if updErr != nil {
			return fmt.Errorf("failed to claim ticket: %w", updErr)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNoOpenTickets
		}

		t, getErr := getTicketTx(ctx, tx, id)
		if getErr != nil {
			return getErr
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// ResolveTicket transitions a ticket to resolved with a diagnosis summary.
// Only open or in_progress tickets may resolve; terminal states are final.
func (s *Store) ResolveTicket(ctx context.Context, id int64, summary string) error {
	return s.transitionTicket(ctx, id, models.TicketResolved, summary,
		[]models.TicketStatus{models.TicketOpen, models.TicketInProgress})
}

// EscalateTicket transitions a ticket to escalated with a failure reason.
func (s *Store) EscalateTicket(ctx context.Context, id int64, reason string) error {
	return s.transitionTicket(ctx, id, models.TicketEscalated, reason,
		[]models.TicketStatus{models.TicketOpen, models.TicketInProgress})
}

// ResolveTicketIfOpen resolves a ticket only when its status is still open,
// reporting whether it acted. The monitor uses this for auto-close so it can
// never preempt a ticket an agent has claimed.
func (s *Store) ResolveTicketIfOpen(ctx context.Context, id int64, summary string) (bool, error) {
	var acted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = 'resolved', resolved_at = ?, diagnosis = ?
			WHERE id = ? AND status = 'open'`,
			formatTime(time.Now()), summary, id)
		if err != nil {
			return fmt.Errorf("failed to auto-close ticket: %w", err)
		}
		n, _ := res.RowsAffected()
		acted = n > 0
		return nil
	})
	return acted, err
}

func (s *Store) transitionTicket(ctx context.Context, id int64, to models.TicketStatus, summary string, from []models.TicketStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, id)
		var current string
		switch err := row.Scan(&current); {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		case err != nil:
			return fmt.Errorf("failed to query ticket status: %w", err)
		}

		allowed := false
		for _, f := range from {
			if models.TicketStatus(current) == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("ticket %d is %s, cannot transition to %s: %w", id, current, to, ErrStateConflict)
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = ?, resolved_at = ?, diagnosis = ? WHERE id = ?`,
			string(to), formatTime(time.Now()), summary, id)
		if err != nil {
			return fmt.Errorf("failed to transition ticket: %w", err)
		}
		return nil
	})
}

// GetTicket loads one ticket by id.
func (s *Store) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, ticketSelect+` WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTickets returns tickets matching the filter, ordered by opened_at
// newest-first: listings serve the CLI and the viewer, where recent
// tickets matter most.
func (s *Store) ListTickets(ctx context.Context, filter models.TicketFilter) ([]*models.Ticket, error) {
	query := ticketSelect
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY opened_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// LiveTicketKeys returns the (invariant_name, violation_key) pairs of all
// open or in_progress tickets for a subject, with their ids and statuses.
// The monitor builds its tracked set from this.
func (s *Store) LiveTicketKeys(ctx context.Context, subjectName string) ([]*models.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, ticketSelect+`
		WHERE subject_name = ? AND status IN ('open', 'in_progress')
		ORDER BY opened_at ASC`, subjectName)
	if err != nil {
		return nil, fmt.Errorf("failed to query live tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// FirstTicketAfter returns the earliest ticket for subjectName opened at or
// after t, or ErrNotFound. The evaluation harness polls this during its
// detection window.
func (s *Store) FirstTicketAfter(ctx context.Context, t time.Time, subjectName string) (*models.Ticket, error) {
	row := s.db.QueryRowContext(ctx, ticketSelect+`
		WHERE subject_name = ? AND opened_at >= ?
		ORDER BY opened_at ASC, id ASC LIMIT 1`,
		subjectName, formatTime(t))
	ticket, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ticket, err
}

const ticketSelect = `
	SELECT id, invariant_name, subject_name, violation_key, severity, status,
	       opened_at, resolved_at, violation_details, diagnosis, assigned_session_id
	FROM tickets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var (
		t          models.Ticket
		openedAt   string
		resolvedAt sql.NullString
		details    string
	)
	err := row.Scan(&t.ID, &t.InvariantName, &t.SubjectName, &t.ViolationKey,
		&t.Severity, &t.Status, &openedAt, &resolvedAt, &details,
		&t.Diagnosis, &t.AssignedSessionID)
	if err != nil {
		return nil, err
	}
	if t.OpenedAt, err = parseTime(openedAt); err != nil {
		return nil, fmt.Errorf("failed to parse opened_at: %w", err)
	}
	if t.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("failed to parse resolved_at: %w", err)
	}
	if t.ViolationDetails, err = unmarshalMap(details); err != nil {
		return nil, err
	}
	return &t, nil
}

func getTicketTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Ticket, error) {
	row := tx.QueryRowContext(ctx, ticketSelect+` WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
	}
	return t, err
}
