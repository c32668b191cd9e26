// Package store owns all durable state: tickets, agent sessions, audit log
// entries, action proposals, campaigns, and trials. Up to four processes
// share one SQLite file; every write goes through an immediate transaction
// and SQLite's own locking serialises writers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // pure-Go SQLite driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded wasm build
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStateConflict is returned on a transition attempted from the
	// wrong status.
	ErrStateConflict = errors.New("invalid state transition")

	// ErrNoOpenTickets is returned by ClaimOpenTicket when the queue is
	// empty.
	ErrNoOpenTickets = errors.New("no open tickets")
)

// ValidationError wraps field-specific validation failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Store is a handle onto the shared database. Safe for concurrent use; the
// underlying pool and SQLite file locking coordinate access across
// goroutines and processes.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and if necessary creates) the database at path, ensures the
// schema exists, and runs migrations. Every caller gets a fully initialised
// schema: demo resets and tests routinely delete the file between runs.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _txlock=immediate makes withTx take the write lock at BEGIN. A
	// deferred transaction that reads before writing (the dedup SELECT in
	// OpenTicket, the claim SELECT) would hit SQLITE_BUSY immediately on
	// lock upgrade instead of queueing on busy_timeout.
	dsn := "file:" + path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying pool for health checks and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside an immediate write transaction. SQLite upgrades the
// connection to a write lock up front, so concurrent writers queue on
// busy_timeout instead of failing mid-transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Timestamps are stored as UTC RFC3339 text so lexical order equals time
// order and range scans on indexed columns work.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON column: %w", err)
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON column: %w", err)
	}
	return m, nil
}
