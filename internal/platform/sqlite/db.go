package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Open opens the database at path and applies pending schema migrations.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers anyway, and an in-memory database exists per
	// connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "activity_ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS activity_records (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				user_id TEXT,
				operation TEXT NOT NULL,
				operation_type TEXT NOT NULL CHECK (operation_type IN ('query', 'mutation')),
				entities TEXT NOT NULL DEFAULT '[]',
				occurred_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_records_session ON activity_records (session_id, occurred_at)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_records_user ON activity_records (user_id, occurred_at)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_records_occurred ON activity_records (occurred_at)`,
			`CREATE TABLE IF NOT EXISTS activity_entities (
				record_id TEXT NOT NULL REFERENCES activity_records (id) ON DELETE CASCADE,
				position INTEGER NOT NULL,
				kind TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				occurred_at INTEGER NOT NULL,
				PRIMARY KEY (record_id, position)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_activity_entities_kind ON activity_entities (kind, occurred_at)`,
		},
	},
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logger.Info("applying sqlite migration", "version", m.version, "name", m.name)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}
