package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gunaso/gunaso/internal/grievance/models"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// GetTaskRecordTx retrieves a task row inside the caller's transaction,
// returning (nil, nil) when the row does not exist yet.
func (r *Repository) GetTaskRecordTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*models.TaskRecord, error) {
	rec := &models.TaskRecord{}
	err := tx.GetContext(ctx, rec, tx.Rebind(`
		SELECT task_id, task_name, status_code, started_at, completed_at, retry_count, retry_history, error_message, result, created_at, updated_at
		FROM task_records WHERE task_id = ?
	`), taskID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InsertTaskRecord creates the retroactive task row. The caller has
// already upserted the entity the row will be linked to.
func (r *Repository) InsertTaskRecord(ctx context.Context, tx *sqlx.Tx, rec *models.TaskRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.StatusCode == "" {
		rec.StatusCode = v1.StatusInProgress
	}
	if len(rec.RetryHistory) == 0 {
		rec.RetryHistory = models.JSONDoc("[]")
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_records (task_id, task_name, status_code, started_at, retry_count, retry_history, error_message, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.TaskID, rec.TaskName, rec.StatusCode, rec.StartedAt, rec.RetryCount, string(rec.RetryHistory), rec.ErrorMessage, "{}", rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task record %s: %w", rec.TaskID, err)
	}
	return nil
}

// RecordTaskRetries sets the retry counter and appends attempt entries
// to the retry history. The broker's attempt counter is authoritative;
// redelivered writes with a stale counter leave the row unchanged.
func (r *Repository) RecordTaskRetries(ctx context.Context, tx *sqlx.Tx, taskID string, retryCount int, attempts []v1.RetryAttempt) error {
	rec, err := r.GetTaskRecordTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("task record not found: %s", taskID)
	}
	if retryCount <= rec.RetryCount {
		return nil
	}

	var history []v1.RetryAttempt
	if len(rec.RetryHistory) > 0 {
		_ = json.Unmarshal(rec.RetryHistory, &history)
	}
	history = append(history, attempts...)
	raw, err := json.Marshal(history)
	if err != nil {
		raw = []byte("[]")
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE task_records SET retry_count = ?, retry_history = ?, updated_at = ?
		WHERE task_id = ?
	`), retryCount, string(raw), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("record task retries %s: %w", taskID, err)
	}
	return nil
}

// FinalizeTaskRecord sets the terminal status, completion time, and
// result payload of a task row.
func (r *Repository) FinalizeTaskRecord(ctx context.Context, tx *sqlx.Tx, taskID, statusCode, errorMessage string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("{}")
	}
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE task_records SET status_code = ?, completed_at = ?, error_message = ?, result = ?, updated_at = ?
		WHERE task_id = ?
	`), statusCode, now, errorMessage, string(result), now, taskID)
	if err != nil {
		return fmt.Errorf("finalize task record %s: %w", taskID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task record not found: %s", taskID)
	}
	return nil
}

// LinkTaskEntity records the task-to-entity link. The composite primary
// key makes redelivered links a no-op.
func (r *Repository) LinkTaskEntity(ctx context.Context, tx *sqlx.Tx, taskID, entityKey, entityID string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO task_entities (task_id, entity_key, entity_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, entity_key, entity_id) DO NOTHING
	`), taskID, entityKey, entityID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("link task %s to %s %s: %w", taskID, entityKey, entityID, err)
	}
	return nil
}

// GetTaskRecord retrieves a task row by ID.
func (r *Repository) GetTaskRecord(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	rec := &models.TaskRecord{}
	err := r.ro.GetContext(ctx, rec, r.ro.Rebind(`
		SELECT task_id, task_name, status_code, started_at, completed_at, retry_count, retry_history, error_message, result, created_at, updated_at
		FROM task_records WHERE task_id = ?
	`), taskID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task record not found: %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTaskEntities returns the entity links for a task.
func (r *Repository) ListTaskEntities(ctx context.Context, taskID string) ([]*models.TaskEntity, error) {
	var rows []*models.TaskEntity
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT task_id, entity_key, entity_id, created_at
		FROM task_entities WHERE task_id = ?
		ORDER BY created_at ASC
	`), taskID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
