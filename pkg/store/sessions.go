package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/operator/pkg/models"
)

// StartSession creates a running session bound to a ticket and returns its
// generated id ("<RFC3339 timestamp>-<8 hex>").
func (s *Store) StartSession(ctx context.Context, ticketID int64) (string, error) {
	sessionID := models.NewSessionID(time.Now())
	if err := s.CreateSession(ctx, sessionID, ticketID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// CreateSession inserts a running session with a caller-supplied id. The
// agent generates the id before claiming a ticket so the claim can record
// which session owns it.
func (s *Store) CreateSession(ctx context.Context, sessionID string, ticketID int64) error {
	if sessionID == "" {
		return NewValidationError("session_id", "must not be empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_sessions (session_id, ticket_id, started_at, status)
			VALUES (?, ?, ?, 'running')`,
			sessionID, ticketID, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// AppendLog appends one audit entry, assigning seq = max(seq)+1 within the
// same transaction so sequences are gapless and strictly monotonic even with
// concurrent appenders. Entries are never updated or deleted.
func (s *Store) AppendLog(ctx context.Context, sessionID string, entry models.AgentLogEntry) (int, error) {
	var seq int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agent_sessions WHERE session_id = ?`, sessionID)
		var n int
		if err := row.Scan(&n); err != nil {
			return fmt.Errorf("failed to check session: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		row = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq)+1, 0) FROM agent_log_entries WHERE session_id = ?`, sessionID)
		if err := row.Scan(&seq); err != nil {
			return fmt.Errorf("failed to compute next seq: %w", err)
		}

		params, err := marshalJSON(entry.ToolParams)
		if err != nil {
			return err
		}
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_log_entries (session_id, seq, timestamp, entry_type, tool_name, tool_params, content, exit_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, seq, formatTime(ts), string(entry.EntryType),
			entry.ToolName, params, entry.Content, entry.ExitCode)
		if err != nil {
			return fmt.Errorf("failed to append log entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// FinishSession moves a running session to a terminal status. Sessions are
// immutable after completion; finishing a non-running session is a conflict.
func (s *Store) FinishSession(ctx context.Context, sessionID string, status models.SessionStatus, summary string) error {
	if !status.Terminal() {
		return NewValidationError("status", fmt.Sprintf("%q is not a terminal session status", status))
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_sessions SET status = ?, ended_at = ?, outcome_summary = ?
			WHERE session_id = ? AND status = 'running'`,
			string(status), formatTime(time.Now()), summary, sessionID)
		if err != nil {
			return fmt.Errorf("failed to finish session: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			row := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM agent_sessions WHERE session_id = ?`, sessionID)
			var exists int
			if scanErr := row.Scan(&exists); scanErr == nil && exists == 0 {
				return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
			}
			return fmt.Errorf("session %s is not running: %w", sessionID, ErrStateConflict)
		}
		return nil
	})
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.AgentSession, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return sess, err
}

// ListSessions returns sessions newest-first, optionally filtered by status.
func (s *Store) ListSessions(ctx context.Context, filter models.SessionFilter) ([]*models.AgentSession, error) {
	query := sessionSelect
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.AgentSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSessionEntries returns the full audit log of a session in seq order.
func (s *Store) GetSessionEntries(ctx context.Context, sessionID string) ([]*models.AgentLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, entrySelect+`
		WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session entries: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// QueryEntriesByTimeRange returns audit entries across all sessions with
// timestamp in [start, end], ordered by time. The evaluation harness uses
// this to extract the tool calls issued inside a trial window.
func (s *Store) QueryEntriesByTimeRange(ctx context.Context, start, end time.Time) ([]*models.AgentLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, entrySelect+`
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, session_id ASC, seq ASC`,
		formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query entries by time range: %w", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

const sessionSelect = `
	SELECT session_id, ticket_id, started_at, ended_at, status, outcome_summary
	FROM agent_sessions`

func scanSession(row rowScanner) (*models.AgentSession, error) {
	var (
		sess      models.AgentSession
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&sess.SessionID, &sess.TicketID, &startedAt, &endedAt,
		&sess.Status, &sess.OutcomeSummary)
	if err != nil {
		return nil, err
	}
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	return &sess, nil
}

const entrySelect = `
	SELECT session_id, seq, timestamp, entry_type, tool_name, tool_params, content, exit_code
	FROM agent_log_entries`

func collectEntries(rows *sql.Rows) ([]*models.AgentLogEntry, error) {
	var entries []*models.AgentLogEntry
	for rows.Next() {
		var (
			e        models.AgentLogEntry
			ts       string
			params   string
			exitCode sql.NullInt64
		)
		err := rows.Scan(&e.SessionID, &e.Seq, &ts, &e.EntryType,
			&e.ToolName, &params, &e.Content, &exitCode)
		if err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse entry timestamp: %w", err)
		}
		if e.ToolParams, err = unmarshalMap(params); err != nil {
			return nil, err
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
