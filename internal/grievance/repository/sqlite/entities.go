package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/gunaso/gunaso/internal/grievance/models"
)

// Entity upserts are keyed on the application-assigned id. On conflict,
// empty incoming fields preserve the stored value: tasks for the same
// entity contribute different fields (a transcription task writes the
// phone, a later extraction task writes name and email) and must not
// erase each other's work under at-least-once delivery.

// UpsertComplainant inserts or updates a complainant row.
func (r *Repository) UpsertComplainant(ctx context.Context, tx *sqlx.Tx, c *models.Complainant) error {
	now := time.Now().UTC()
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO complainants (id, name, phone, phone_hash, email, address, province, district, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), complainants.name),
			phone = COALESCE(NULLIF(excluded.phone, ''), complainants.phone),
			phone_hash = COALESCE(NULLIF(excluded.phone_hash, ''), complainants.phone_hash),
			email = COALESCE(NULLIF(excluded.email, ''), complainants.email),
			address = COALESCE(NULLIF(excluded.address, ''), complainants.address),
			province = COALESCE(NULLIF(excluded.province, ''), complainants.province),
			district = COALESCE(NULLIF(excluded.district, ''), complainants.district),
			updated_at = excluded.updated_at
	`), c.ID, c.Name, c.Phone, c.PhoneHash, c.Email, c.Address, c.Province, c.District, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert complainant %s: %w", c.ID, err)
	}
	return nil
}

// UpsertGrievance inserts or updates a grievance row.
func (r *Repository) UpsertGrievance(ctx context.Context, tx *sqlx.Tx, g *models.Grievance) error {
	now := time.Now().UTC()
	g.UpdatedAt = now
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.Status == "" {
		g.Status = models.GrievanceSubmitted
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO grievances (id, complainant_id, description, summary, category, language_code, province, district, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			complainant_id = COALESCE(NULLIF(excluded.complainant_id, ''), grievances.complainant_id),
			description = COALESCE(NULLIF(excluded.description, ''), grievances.description),
			summary = COALESCE(NULLIF(excluded.summary, ''), grievances.summary),
			category = COALESCE(NULLIF(excluded.category, ''), grievances.category),
			language_code = COALESCE(NULLIF(excluded.language_code, ''), grievances.language_code),
			province = COALESCE(NULLIF(excluded.province, ''), grievances.province),
			district = COALESCE(NULLIF(excluded.district, ''), grievances.district),
			updated_at = excluded.updated_at
	`), g.ID, g.ComplainantID, g.Description, g.Summary, g.Category, g.LanguageCode, g.Province, g.District, g.Status, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert grievance %s: %w", g.ID, err)
	}
	return nil
}

// AppendStatusHistory appends one history row. History is append-only;
// redelivered persistence attempts check for an existing row first so a
// grievance gets exactly one entry per status.
func (r *Repository) AppendStatusHistory(ctx context.Context, tx *sqlx.Tx, grievanceID, status, note string) error {
	var exists int
	err := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT COUNT(1) FROM grievance_status_history WHERE grievance_id = ? AND status = ?
	`), grievanceID, status).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check status history %s: %w", grievanceID, err)
	}
	if exists > 0 {
		return nil
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO grievance_status_history (grievance_id, status, note, created_at)
		VALUES (?, ?, ?, ?)
	`), grievanceID, status, note, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append status history %s: %w", grievanceID, err)
	}
	return nil
}

// UpsertRecording inserts or updates a recording row.
func (r *Repository) UpsertRecording(ctx context.Context, tx *sqlx.Tx, rec *models.Recording) error {
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO recordings (id, grievance_id, file_path, file_name, mime_type, size_bytes, field_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			file_path = COALESCE(NULLIF(excluded.file_path, ''), recordings.file_path),
			file_name = COALESCE(NULLIF(excluded.file_name, ''), recordings.file_name),
			mime_type = COALESCE(NULLIF(excluded.mime_type, ''), recordings.mime_type),
			size_bytes = CASE WHEN excluded.size_bytes > 0 THEN excluded.size_bytes ELSE recordings.size_bytes END,
			field_name = COALESCE(NULLIF(excluded.field_name, ''), recordings.field_name),
			updated_at = excluded.updated_at
	`), rec.ID, rec.GrievanceID, rec.FilePath, rec.FileName, rec.MimeType, rec.SizeBytes, rec.FieldName, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", rec.ID, err)
	}
	return nil
}

// UpsertTranscription inserts or updates a transcription row.
func (r *Repository) UpsertTranscription(ctx context.Context, tx *sqlx.Tx, tr *models.Transcription) error {
	now := time.Now().UTC()
	tr.UpdatedAt = now
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO transcriptions (id, grievance_id, recording_id, automated_transcript, language_code, field_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			recording_id = COALESCE(NULLIF(excluded.recording_id, ''), transcriptions.recording_id),
			automated_transcript = COALESCE(NULLIF(excluded.automated_transcript, ''), transcriptions.automated_transcript),
			language_code = COALESCE(NULLIF(excluded.language_code, ''), transcriptions.language_code),
			field_name = COALESCE(NULLIF(excluded.field_name, ''), transcriptions.field_name),
			updated_at = excluded.updated_at
	`), tr.ID, tr.GrievanceID, tr.RecordingID, tr.AutomatedTranscript, tr.LanguageCode, tr.FieldName, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert transcription %s: %w", tr.ID, err)
	}
	return nil
}

// UpsertTranslation inserts or updates a translation row.
func (r *Repository) UpsertTranslation(ctx context.Context, tx *sqlx.Tx, tr *models.Translation) error {
	now := time.Now().UTC()
	tr.UpdatedAt = now
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = now
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO translations (id, grievance_id, source_language, target_language, translated_text, translation_method, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			source_language = COALESCE(NULLIF(excluded.source_language, ''), translations.source_language),
			target_language = COALESCE(NULLIF(excluded.target_language, ''), translations.target_language),
			translated_text = COALESCE(NULLIF(excluded.translated_text, ''), translations.translated_text),
			translation_method = COALESCE(NULLIF(excluded.translation_method, ''), translations.translation_method),
			updated_at = excluded.updated_at
	`), tr.ID, tr.GrievanceID, tr.SourceLanguage, tr.TargetLanguage, tr.TranslatedText, tr.TranslationMethod, tr.CreatedAt, tr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert translation %s: %w", tr.ID, err)
	}
	return nil
}

// GetComplainant retrieves a complainant by ID.
func (r *Repository) GetComplainant(ctx context.Context, id string) (*models.Complainant, error) {
	c := &models.Complainant{}
	err := r.ro.GetContext(ctx, c, r.ro.Rebind(`
		SELECT id, name, phone, phone_hash, email, address, province, district, created_at, updated_at
		FROM complainants WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("complainant not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetGrievance retrieves a grievance by ID.
func (r *Repository) GetGrievance(ctx context.Context, id string) (*models.Grievance, error) {
	g := &models.Grievance{}
	err := r.ro.GetContext(ctx, g, r.ro.Rebind(`
		SELECT id, complainant_id, description, summary, category, language_code, province, district, status, created_at, updated_at
		FROM grievances WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("grievance not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetRecording retrieves a recording by ID.
func (r *Repository) GetRecording(ctx context.Context, id string) (*models.Recording, error) {
	rec := &models.Recording{}
	err := r.ro.GetContext(ctx, rec, r.ro.Rebind(`
		SELECT id, grievance_id, file_path, file_name, mime_type, size_bytes, field_name, created_at, updated_at
		FROM recordings WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recording not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetTranscription retrieves a transcription by ID.
func (r *Repository) GetTranscription(ctx context.Context, id string) (*models.Transcription, error) {
	tr := &models.Transcription{}
	err := r.ro.GetContext(ctx, tr, r.ro.Rebind(`
		SELECT id, grievance_id, recording_id, automated_transcript, language_code, field_name, created_at, updated_at
		FROM transcriptions WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transcription not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// GetTranslation retrieves a translation by ID.
func (r *Repository) GetTranslation(ctx context.Context, id string) (*models.Translation, error) {
	tr := &models.Translation{}
	err := r.ro.GetContext(ctx, tr, r.ro.Rebind(`
		SELECT id, grievance_id, source_language, target_language, translated_text, translation_method, created_at, updated_at
		FROM translations WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("translation not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// ListStatusHistory returns the history rows for a grievance, oldest first.
func (r *Repository) ListStatusHistory(ctx context.Context, grievanceID string) ([]*models.GrievanceStatusHistory, error) {
	var rows []*models.GrievanceStatusHistory
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT id, grievance_id, status, note, created_at
		FROM grievance_status_history
		WHERE grievance_id = ?
		ORDER BY created_at ASC, id ASC
	`), grievanceID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListGrievancesMissingHistory returns ids of grievances with no
// SUBMITTED history row. Used by the backfill maintenance command.
func (r *Repository) ListGrievancesMissingHistory(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.ro.SelectContext(ctx, &ids, r.ro.Rebind(`
		SELECT g.id FROM grievances g
		WHERE NOT EXISTS (
			SELECT 1 FROM grievance_status_history h
			WHERE h.grievance_id = g.id AND h.status = ?
		)
		ORDER BY g.created_at ASC
	`), models.GrievanceSubmitted)
	if err != nil {
		return nil, err
	}
	return ids, nil
}
