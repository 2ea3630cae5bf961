package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migration is one forward-only schema step.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "records and secondary indexes",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				collection TEXT NOT NULL CHECK(length(collection) > 0),
				key TEXT NOT NULL CHECK(length(key) > 0),
				value BLOB NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (collection, key)
			)`,
			`CREATE TABLE IF NOT EXISTS record_indexes (
				collection TEXT NOT NULL,
				index_name TEXT NOT NULL,
				index_value TEXT NOT NULL,
				key TEXT NOT NULL,
				PRIMARY KEY (collection, index_name, key),
				FOREIGN KEY (collection, key) REFERENCES records(collection, key) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_record_indexes_lookup
				ON record_indexes(collection, index_name, index_value)`,
		},
	},
}

// migrate applies every migration newer than the recorded schema version.
func migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0)
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, time.Now().Unix(), m.description); err != nil {
		return err
	}
	return tx.Commit()
}
