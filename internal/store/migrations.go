package store

import (
	"database/sql"
	"fmt"

	"casparian/internal/logging"
)

// RunMigrations brings an existing database up to the current schema.
// Migrations are additive: columns are added with defaults, never dropped or
// retyped, so old binaries can still read a migrated database.
func RunMigrations(db *sql.DB) error {
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"jobs", "cancel_requested", "ALTER TABLE jobs ADD COLUMN cancel_requested INTEGER NOT NULL DEFAULT 0"},
		{"jobs", "not_before_ms", "ALTER TABLE jobs ADD COLUMN not_before_ms INTEGER NOT NULL DEFAULT 0"},
		{"jobs", "logs_pointer", "ALTER TABLE jobs ADD COLUMN logs_pointer TEXT"},
		{"selection_snapshots", "portable", "ALTER TABLE selection_snapshots ADD COLUMN portable INTEGER NOT NULL DEFAULT 1"},
		{"tagging_rules", "subscribed", "ALTER TABLE tagging_rules ADD COLUMN subscribed INTEGER DEFAULT 0"},
		{"materializations", "transient", "ALTER TABLE materializations ADD COLUMN transient INTEGER NOT NULL DEFAULT 0"},
	}

	for _, m := range migrations {
		has, err := columnExists(db, m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := db.Exec(m.ddl); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
		logging.StoreDebug("migration applied: %s.%s", m.table, m.column)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
