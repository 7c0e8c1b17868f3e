package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/gunaso/gunaso/internal/grievance/models"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// Repository defines the interface for grievance storage operations.
//
// Entity writes are transaction-scoped: the persistence task upserts the
// domain entity and creates or updates the task row in a single
// transaction, so a crash between the two cannot leave a task row
// pointing at a missing entity.
type Repository interface {
	// WithTx runs fn inside a transaction, committing on nil error and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// Entity upserts (insert or update keyed on id).
	UpsertComplainant(ctx context.Context, tx *sqlx.Tx, c *models.Complainant) error
	UpsertGrievance(ctx context.Context, tx *sqlx.Tx, g *models.Grievance) error
	UpsertRecording(ctx context.Context, tx *sqlx.Tx, rec *models.Recording) error
	UpsertTranscription(ctx context.Context, tx *sqlx.Tx, tr *models.Transcription) error
	UpsertTranslation(ctx context.Context, tx *sqlx.Tx, tr *models.Translation) error
	AppendStatusHistory(ctx context.Context, tx *sqlx.Tx, grievanceID, status, note string) error

	// Task row operations. Rows are created retroactively, after the
	// entity they reference exists.
	GetTaskRecordTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*models.TaskRecord, error)
	InsertTaskRecord(ctx context.Context, tx *sqlx.Tx, rec *models.TaskRecord) error
	RecordTaskRetries(ctx context.Context, tx *sqlx.Tx, taskID string, retryCount int, attempts []v1.RetryAttempt) error
	FinalizeTaskRecord(ctx context.Context, tx *sqlx.Tx, taskID, statusCode, errorMessage string, result json.RawMessage) error
	LinkTaskEntity(ctx context.Context, tx *sqlx.Tx, taskID, entityKey, entityID string) error

	// Reads.
	GetComplainant(ctx context.Context, id string) (*models.Complainant, error)
	GetGrievance(ctx context.Context, id string) (*models.Grievance, error)
	GetRecording(ctx context.Context, id string) (*models.Recording, error)
	GetTranscription(ctx context.Context, id string) (*models.Transcription, error)
	GetTranslation(ctx context.Context, id string) (*models.Translation, error)
	GetTaskRecord(ctx context.Context, taskID string) (*models.TaskRecord, error)
	ListStatusHistory(ctx context.Context, grievanceID string) ([]*models.GrievanceStatusHistory, error)
	ListTaskEntities(ctx context.Context, taskID string) ([]*models.TaskEntity, error)
	ListGrievancesMissingHistory(ctx context.Context) ([]string, error)

	Close() error
}
