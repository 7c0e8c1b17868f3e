// Package service implements the persistence core of the pipeline: the
// database task manager consumes task result envelopes, upserts the
// referenced entity, and writes the task row retroactively.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/crypto"
	"github.com/gunaso/gunaso/internal/grievance/models"
	"github.com/gunaso/gunaso/internal/grievance/repository"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// StatusError marks an envelope rejected before any write occurred.
const StatusError = "error"

// requiredFields are checked in this order; the validation error lists
// the missing subset in the same order.
var requiredFields = []string{"status", "entity_key", "id", "values", "grievance_id", "complainant_id"}

// TranslationMethodLLM is recorded on translations produced by the
// language model pipeline.
const TranslationMethodLLM = "LLM"

// DBTaskService is the database task manager. It never lets an error
// escape to the worker runtime: failures are reported inside the
// returned envelope so the producing pipeline stage is not re-run for a
// schema or connection problem.
type DBTaskService struct {
	repo   repository.Repository
	cipher *crypto.FieldCipher
	logger *logger.Logger
}

// NewDBTaskService creates the database task manager.
func NewDBTaskService(repo repository.Repository, cipher *crypto.FieldCipher, log *logger.Logger) *DBTaskService {
	return &DBTaskService{
		repo:   repo,
		cipher: cipher,
		logger: log.WithFields(zap.String("component", "dbtask")),
	}
}

// HandleDBOperation applies one task result envelope: validate, prepare,
// upsert the entity, then create or update the task row — all in a
// single transaction so a crash cannot leave a task row pointing at a
// missing entity.
func (s *DBTaskService) HandleDBOperation(ctx context.Context, tc *registry.Context, env *v1.TaskResult) *v1.TaskResult {
	if env.EntityKey == "" && v1.IsTerminal(env.Status) {
		// Failed attempts and batch aggregations produce no entity of
		// their own; the task row still has to exist and link somewhere.
		return s.recordOutcome(ctx, tc, env)
	}
	if missing := missingRequiredFields(env); len(missing) > 0 {
		msg := fmt.Sprintf("Task result missing required fields: [%s]", quoteList(missing))
		tc.Logger.Warn("Rejecting task result envelope", zap.String("error", msg))
		return &v1.TaskResult{Status: StatusError, Error: msg}
	}
	if !v1.KnownEntityKey(env.EntityKey) {
		msg := fmt.Sprintf("Unknown entity_key: %s", env.EntityKey)
		tc.Logger.Warn("Rejecting task result envelope", zap.String("error", msg))
		return &v1.TaskResult{Status: StatusError, Error: msg}
	}

	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		links, err := s.upsertEntity(ctx, tx, env)
		if err != nil {
			return err
		}
		return s.writeTaskRow(ctx, tx, tc, env, links)
	})
	if err != nil {
		tc.Logger.Error("Database operation failed",
			zap.String("entity_key", env.EntityKey),
			zap.String("entity_id", env.ID),
			zap.Error(err))
		return &v1.TaskResult{
			Status:        v1.StatusFailed,
			Operation:     env.Operation,
			EntityKey:     env.EntityKey,
			ID:            env.ID,
			TaskID:        env.TaskID,
			GrievanceID:   env.GrievanceID,
			ComplainantID: env.ComplainantID,
			Error:         fmt.Sprintf("database operation failed: %v", err),
		}
	}

	tc.Logger.Info("Task result persisted",
		zap.String("entity_key", env.EntityKey),
		zap.String("entity_id", env.ID),
		zap.String("status", env.Status))

	// grievance_id and complainant_id survive into the next stage's input.
	return &v1.TaskResult{
		Status:        v1.StatusSuccess,
		Operation:     env.Operation,
		EntityKey:     env.EntityKey,
		ID:            env.ID,
		TaskID:        env.TaskID,
		GrievanceID:   env.GrievanceID,
		ComplainantID: env.ComplainantID,
		RetryCount:    tc.Attempt,
	}
}

// entityLink is one (entity_key, entity_id) pair the task row links to.
type entityLink struct {
	key string
	id  string
}

// recordOutcome persists a terminal envelope that carries no entity
// payload: the task row is created (or finalized) with a link to the
// grievance the task was working for, and no upsert happens.
func (s *DBTaskService) recordOutcome(ctx context.Context, tc *registry.Context, env *v1.TaskResult) *v1.TaskResult {
	if env.TaskID == "" || env.GrievanceID == "" {
		msg := "Task outcome missing task_id or grievance_id"
		tc.Logger.Warn("Rejecting task outcome envelope", zap.String("error", msg))
		return &v1.TaskResult{Status: StatusError, Error: msg}
	}

	links := []entityLink{{key: v1.EntityGrievance, id: env.GrievanceID}}
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.writeTaskRow(ctx, tx, tc, env, links)
	})
	if err != nil {
		tc.Logger.Error("Database operation failed",
			zap.String("task_id", env.TaskID),
			zap.Error(err))
		return &v1.TaskResult{
			Status:      v1.StatusFailed,
			Operation:   env.Operation,
			TaskID:      env.TaskID,
			GrievanceID: env.GrievanceID,
			Error:       fmt.Sprintf("database operation failed: %v", err),
		}
	}

	tc.Logger.Info("Task outcome persisted",
		zap.String("task_id", env.TaskID),
		zap.String("status", env.Status))
	return &v1.TaskResult{
		Status:      v1.StatusSuccess,
		Operation:   env.Operation,
		TaskID:      env.TaskID,
		GrievanceID: env.GrievanceID,
	}
}

// upsertEntity dispatches the prepared envelope to the per-entity
// upsert and returns the links the task row should record.
func (s *DBTaskService) upsertEntity(ctx context.Context, tx *sqlx.Tx, env *v1.TaskResult) ([]entityLink, error) {
	links := []entityLink{{key: env.EntityKey, id: env.ID}}

	switch env.EntityKey {
	case v1.EntityComplainant:
		c, err := s.prepareComplainant(env.ID, env.Values)
		if err != nil {
			return nil, err
		}
		if err := s.repo.UpsertComplainant(ctx, tx, c); err != nil {
			return nil, err
		}

	case v1.EntityGrievance:
		if err := s.upsertGrievanceSplit(ctx, tx, env); err != nil {
			return nil, err
		}
		if env.ComplainantID != "" {
			links = append(links, entityLink{key: v1.EntityComplainant, id: env.ComplainantID})
		}

	case v1.EntityRecording:
		rec := prepareRecording(env)
		if err := s.repo.UpsertRecording(ctx, tx, rec); err != nil {
			return nil, err
		}

	case v1.EntityTranscription:
		tr := prepareTranscription(env)
		if err := s.repo.UpsertTranscription(ctx, tx, tr); err != nil {
			return nil, err
		}

	case v1.EntityTranslation:
		tr := prepareTranslation(env)
		if err := s.repo.UpsertTranslation(ctx, tx, tr); err != nil {
			return nil, err
		}
	}

	if env.EntityKey != v1.EntityGrievance && env.GrievanceID != "" {
		links = append(links, entityLink{key: v1.EntityGrievance, id: env.GrievanceID})
	}
	return links, nil
}

// upsertGrievanceSplit splits the flat field set into complainant fields
// (prefix complainant_) and grievance fields, dispatches each upsert,
// and appends the SUBMITTED history entry.
func (s *DBTaskService) upsertGrievanceSplit(ctx context.Context, tx *sqlx.Tx, env *v1.TaskResult) error {
	complainantValues := map[string]interface{}{}
	grievanceValues := map[string]interface{}{}
	for k, v := range env.Values {
		if strings.HasPrefix(k, "complainant_") {
			complainantValues[strings.TrimPrefix(k, "complainant_")] = v
			continue
		}
		grievanceValues[k] = v
	}

	if env.ComplainantID != "" && len(complainantValues) > 0 {
		c, err := s.prepareComplainant(env.ComplainantID, complainantValues)
		if err != nil {
			return err
		}
		if err := s.repo.UpsertComplainant(ctx, tx, c); err != nil {
			return err
		}
	}

	g := &models.Grievance{
		ID:            env.ID,
		ComplainantID: env.ComplainantID,
		Description:   stringValue(grievanceValues, "description"),
		Summary:       stringValue(grievanceValues, "summary"),
		Category:      stringValue(grievanceValues, "category"),
		LanguageCode:  firstNonEmpty(stringValue(grievanceValues, "language_code"), env.LanguageCode),
		Province:      stringValue(grievanceValues, "province"),
		District:      stringValue(grievanceValues, "district"),
	}
	if err := s.repo.UpsertGrievance(ctx, tx, g); err != nil {
		return err
	}
	return s.repo.AppendStatusHistory(ctx, tx, env.ID, models.GrievanceSubmitted, "grievance submitted")
}

// writeTaskRow applies the retroactive task row protocol: first attempt
// inserts the row and its entity links, retries bump the counter and
// append history, and both paths finish by writing the terminal status.
func (s *DBTaskService) writeTaskRow(ctx context.Context, tx *sqlx.Tx, tc *registry.Context, env *v1.TaskResult, links []entityLink) error {
	existing, err := s.repo.GetTaskRecordTx(ctx, tx, env.TaskID)
	if err != nil {
		return err
	}

	if existing == nil {
		rec := &models.TaskRecord{
			TaskID:     env.TaskID,
			TaskName:   tc.TaskName,
			StatusCode: v1.StatusInProgress,
		}
		if err := s.repo.InsertTaskRecord(ctx, tx, rec); err != nil {
			return err
		}
		for _, link := range links {
			if err := s.repo.LinkTaskEntity(ctx, tx, env.TaskID, link.key, link.id); err != nil {
				return err
			}
		}
		existing = rec
	}

	// Failure records arrive through a fresh persistence attempt, so the
	// producing task's attempt count rides in the envelope.
	attempt := tc.Attempt
	if env.RetryCount > attempt {
		attempt = env.RetryCount
	}
	if attempt > existing.RetryCount {
		attempts := retroactiveAttempts(existing.RetryCount, attempt, env)
		if err := s.repo.RecordTaskRetries(ctx, tx, env.TaskID, attempt, attempts); err != nil {
			return err
		}
	}

	terminal := env.Status
	if !v1.IsTerminal(terminal) {
		terminal = v1.StatusSuccess
	}
	result, err := json.Marshal(env)
	if err != nil {
		result = json.RawMessage("{}")
	}
	return s.repo.FinalizeTaskRecord(ctx, tx, env.TaskID, terminal, env.Error, result)
}

// retroactiveAttempts synthesizes the history entries for attempts the
// broker delivered before the task row existed.
func retroactiveAttempts(from, to int, env *v1.TaskResult) []v1.RetryAttempt {
	kind := stringValue(env.Values, "error_kind")
	if kind == "" {
		kind = errs.KindUnknown
	}
	var attempts []v1.RetryAttempt
	for i := from; i < to; i++ {
		attempts = append(attempts, v1.RetryAttempt{
			Attempt:      i,
			ErrorKind:    kind,
			ErrorMessage: env.Error,
		})
	}
	return attempts
}

// prepareComplainant encrypts the sensitive fields and derives the
// phone hash before storage.
func (s *DBTaskService) prepareComplainant(id string, values map[string]interface{}) (*models.Complainant, error) {
	c := &models.Complainant{
		ID:       id,
		Province: stringValue(values, "province"),
		District: stringValue(values, "district"),
	}

	phone := stringValue(values, "phone")
	for field, dst := range map[string]*string{
		"name":    &c.Name,
		"phone":   &c.Phone,
		"email":   &c.Email,
		"address": &c.Address,
	} {
		enc, err := s.cipher.EncryptField(stringValue(values, field))
		if err != nil {
			return nil, fmt.Errorf("encrypt complainant %s: %w", field, err)
		}
		*dst = enc
	}
	c.PhoneHash = s.cipher.HashPhone(phone)
	return c, nil
}

// prepareTranscription renames values[field_name] to the transcript
// column and carries the language code.
func prepareTranscription(env *v1.TaskResult) *models.Transcription {
	transcript := ""
	if env.FieldName != "" {
		transcript = stringValue(env.Values, env.FieldName)
	}
	if transcript == "" {
		transcript = stringValue(env.Values, "automated_transcript")
	}
	return &models.Transcription{
		ID:                  env.ID,
		GrievanceID:         env.GrievanceID,
		RecordingID:         stringValue(env.Values, "recording_id"),
		AutomatedTranscript: transcript,
		LanguageCode:        firstNonEmpty(env.LanguageCode, stringValue(env.Values, "language_code")),
		FieldName:           env.FieldName,
	}
}

// prepareTranslation renames language_code to source_language and marks
// the translation method.
func prepareTranslation(env *v1.TaskResult) *models.Translation {
	return &models.Translation{
		ID:                env.ID,
		GrievanceID:       env.GrievanceID,
		SourceLanguage:    firstNonEmpty(env.LanguageCode, stringValue(env.Values, "language_code")),
		TargetLanguage:    stringValue(env.Values, "target_language"),
		TranslatedText:    firstNonEmpty(stringValue(env.Values, "translated_text"), stringValue(env.Values, env.FieldName)),
		TranslationMethod: TranslationMethodLLM,
	}
}

func prepareRecording(env *v1.TaskResult) *models.Recording {
	size := int64(0)
	switch v := env.Values["size_bytes"].(type) {
	case int64:
		size = v
	case int:
		size = int64(v)
	case float64:
		size = int64(v)
	}
	return &models.Recording{
		ID:          env.ID,
		GrievanceID: env.GrievanceID,
		FilePath:    stringValue(env.Values, "file_path"),
		FileName:    stringValue(env.Values, "file_name"),
		MimeType:    stringValue(env.Values, "mime_type"),
		SizeBytes:   size,
		FieldName:   env.FieldName,
	}
}

func missingRequiredFields(env *v1.TaskResult) []string {
	var missing []string
	for _, field := range requiredFields {
		switch field {
		case "status":
			if env.Status == "" {
				missing = append(missing, field)
			}
		case "entity_key":
			if env.EntityKey == "" {
				missing = append(missing, field)
			}
		case "id":
			if env.ID == "" {
				missing = append(missing, field)
			}
		case "values":
			if env.Values == nil {
				missing = append(missing, field)
			}
		case "grievance_id":
			if env.GrievanceID == "" {
				missing = append(missing, field)
			}
		case "complainant_id":
			if env.ComplainantID == "" {
				missing = append(missing, field)
			}
		}
	}
	return missing
}

func quoteList(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = "'" + f + "'"
	}
	return strings.Join(quoted, ", ")
}

func stringValue(values map[string]interface{}, key string) string {
	if values == nil || key == "" {
		return ""
	}
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
