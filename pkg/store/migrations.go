package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one named, idempotent schema change. Migrations are additive
// only: ALTER TABLE ADD COLUMN with the "duplicate column" failure
// swallowed, so re-running against an already-migrated database is a no-op.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of migrations run on every Open after
// the base schema executes.
var migrationsList = []Migration{
	{"tickets_diagnosis_column", migrateAddColumn("tickets", "diagnosis", "TEXT NOT NULL DEFAULT ''")},
	{"tickets_assigned_session_column", migrateAddColumn("tickets", "assigned_session_id", "TEXT NOT NULL DEFAULT ''")},
	{"trials_commands_column", migrateAddColumn("trials", "commands_json", "TEXT NOT NULL DEFAULT '[]'")},
	{"campaigns_variant_column", migrateAddColumn("campaigns", "variant", "TEXT NOT NULL DEFAULT ''")},
}

func runMigrations(db *sql.DB) error {
	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}
	return nil
}

// migrateAddColumn returns a migration that adds a column, ignoring the
// error when it already exists. SQLite has no ADD COLUMN IF NOT EXISTS.
func migrateAddColumn(table, column, definition string) func(*sql.DB) error {
	return func(db *sql.DB) error {
		_, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
		if err != nil && isDuplicateColumn(err) {
			return nil
		}
		return err
	}
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column name")
}
