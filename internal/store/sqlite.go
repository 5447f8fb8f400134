// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation and ledger persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases
	// shared across calls. Transactions must only use their own *sql.Tx.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			user_id                TEXT PRIMARY KEY,
			display_name           TEXT NOT NULL DEFAULT '',
			mode                   TEXT NOT NULL DEFAULT 'bot',
			topic_id               INTEGER,
			last_human_activity_at TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,

			CHECK (mode IN ('bot', 'human'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_topic
			ON conversations(topic_id) WHERE topic_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_conversations_mode ON conversations(mode);

		CREATE TABLE IF NOT EXISTS ledger_events (
			event_id   TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			topic_id   INTEGER,
			direction  TEXT NOT NULL,
			author     TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			type       TEXT NOT NULL,
			text       TEXT,

			CHECK (direction IN ('from_user', 'to_user', 'from_operator', 'to_thread', 'system')),
			CHECK (type IN ('message', 'reply', 'mirror', 'mode_change', 'system', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_events(user_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_ledger_timestamp ON ledger_events(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		check  string
		apply  string
		column string
	}{
		{
			table:  "ledger_events",
			check:  `SELECT 1 FROM pragma_table_info('ledger_events') WHERE name = 'topic_id'`,
			apply:  `ALTER TABLE ledger_events ADD COLUMN topic_id INTEGER`,
			column: "topic_id",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}
