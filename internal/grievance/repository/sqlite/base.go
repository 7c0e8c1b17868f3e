// Package sqlite provides the SQL-backed repository implementation. The
// name follows the default deployment; all statements are written against
// the portable subset and rebound through sqlx, so the same code runs on
// PostgreSQL via pgx.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gunaso/gunaso/internal/db/dialect"
)

// Repository provides SQL-backed grievance storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over existing writer and reader
// connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// WithTx runs fn inside a transaction on the writer pool.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rollbackErr)
		}
		return err
	}
	return tx.Commit()
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initEntitySchema(); err != nil {
		return err
	}
	if err := r.initTaskSchema(); err != nil {
		return err
	}
	return r.initIndexes()
}

// RecreateSchema drops every table and rebuilds the schema from
// scratch. All data is lost; the operations tool gates this behind an
// explicit command.
func (r *Repository) RecreateSchema() error {
	// Dependents drop first so the history FK never blocks the drop.
	_, err := r.db.Exec(`
	DROP TABLE IF EXISTS task_entities;
	DROP TABLE IF EXISTS task_records;
	DROP TABLE IF EXISTS grievance_status_history;
	DROP TABLE IF EXISTS translations;
	DROP TABLE IF EXISTS transcriptions;
	DROP TABLE IF EXISTS recordings;
	DROP TABLE IF EXISTS grievances;
	DROP TABLE IF EXISTS complainants;
	`)
	if err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}
	return r.initSchema()
}

func (r *Repository) initEntitySchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS complainants (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		phone TEXT DEFAULT '',
		phone_hash TEXT DEFAULT '',
		email TEXT DEFAULT '',
		address TEXT DEFAULT '',
		province TEXT DEFAULT '',
		district TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grievances (
		id TEXT PRIMARY KEY,
		complainant_id TEXT DEFAULT '',
		description TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		category TEXT DEFAULT '',
		language_code TEXT DEFAULT '',
		province TEXT DEFAULT '',
		district TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'SUBMITTED',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recordings (
		id TEXT PRIMARY KEY,
		grievance_id TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		file_name TEXT DEFAULT '',
		mime_type TEXT DEFAULT '',
		size_bytes INTEGER DEFAULT 0,
		field_name TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcriptions (
		id TEXT PRIMARY KEY,
		grievance_id TEXT NOT NULL,
		recording_id TEXT DEFAULT '',
		automated_transcript TEXT NOT NULL DEFAULT '',
		language_code TEXT DEFAULT '',
		field_name TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS translations (
		id TEXT PRIMARY KEY,
		grievance_id TEXT NOT NULL,
		source_language TEXT DEFAULT '',
		target_language TEXT DEFAULT '',
		translated_text TEXT NOT NULL DEFAULT '',
		translation_method TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	if err != nil {
		return err
	}
	return r.initHistorySchema()
}

// initHistorySchema creates the status history table. The synthetic
// primary key needs per-dialect DDL.
func (r *Repository) initHistorySchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(r.db.DriverName()) {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	_, err := r.db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS grievance_status_history (
		id %s,
		grievance_id TEXT NOT NULL,
		status TEXT NOT NULL,
		note TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (grievance_id) REFERENCES grievances(id) ON DELETE CASCADE
	);
	`, idColumn))
	return err
}

func (r *Repository) initTaskSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS task_records (
		task_id TEXT PRIMARY KEY,
		task_name TEXT NOT NULL,
		status_code TEXT NOT NULL DEFAULT 'IN_PROGRESS',
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		retry_count INTEGER NOT NULL DEFAULT 0,
		retry_history TEXT DEFAULT '[]',
		error_message TEXT DEFAULT '',
		result TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_entities (
		task_id TEXT NOT NULL,
		entity_key TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, entity_key, entity_id)
	);
	`)
	return err
}

func (r *Repository) initIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_grievances_complainant_id ON grievances(complainant_id);
	CREATE INDEX IF NOT EXISTS idx_status_history_grievance_id ON grievance_status_history(grievance_id);
	CREATE INDEX IF NOT EXISTS idx_recordings_grievance_id ON recordings(grievance_id);
	CREATE INDEX IF NOT EXISTS idx_transcriptions_grievance_id ON transcriptions(grievance_id);
	CREATE INDEX IF NOT EXISTS idx_translations_grievance_id ON translations(grievance_id);
	CREATE INDEX IF NOT EXISTS idx_complainants_phone_hash ON complainants(phone_hash);
	CREATE INDEX IF NOT EXISTS idx_task_entities_entity ON task_entities(entity_key, entity_id);
	CREATE INDEX IF NOT EXISTS idx_task_records_status ON task_records(status_code);
	`)
	return err
}
