// Package models defines the persisted domain entities of the
// grievance platform.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// JSONDoc is a JSON column stored as TEXT. database/sql hands sqlite
// TEXT columns back as string, which json.RawMessage cannot scan.
type JSONDoc []byte

// Scan implements sql.Scanner.
func (d *JSONDoc) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case string:
		*d = JSONDoc(v)
	case []byte:
		*d = append((*d)[:0], v...)
	default:
		return fmt.Errorf("cannot scan %T into JSONDoc", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (d JSONDoc) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return string(d), nil
}

// MarshalJSON emits the document verbatim.
func (d JSONDoc) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON stores the document verbatim.
func (d *JSONDoc) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// Grievance status history codes.
const (
	GrievanceSubmitted = "SUBMITTED"
	GrievanceInReview  = "IN_REVIEW"
	GrievanceResolved  = "RESOLVED"
	GrievanceRejected  = "REJECTED"
)

// Complainant is the person filing a grievance. Phone, email, name,
// and address are encrypted at rest; PhoneHash is a keyed hash of the
// phone number enabling equality lookup without decryption.
type Complainant struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name,omitempty"`
	Phone     string    `db:"phone" json:"phone,omitempty"`
	PhoneHash string    `db:"phone_hash" json:"-"`
	Email     string    `db:"email" json:"email,omitempty"`
	Address   string    `db:"address" json:"address,omitempty"`
	Province  string    `db:"province" json:"province,omitempty"`
	District  string    `db:"district" json:"district,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Grievance is the central domain entity: one citizen complaint.
type Grievance struct {
	ID            string    `db:"id" json:"id"`
	ComplainantID string    `db:"complainant_id" json:"complainant_id,omitempty"`
	Description   string    `db:"description" json:"description,omitempty"`
	Summary       string    `db:"summary" json:"summary,omitempty"`
	Category      string    `db:"category" json:"category,omitempty"`
	LanguageCode  string    `db:"language_code" json:"language_code,omitempty"`
	Province      string    `db:"province" json:"province,omitempty"`
	District      string    `db:"district" json:"district,omitempty"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// GrievanceStatusHistory rows are appended, never updated.
type GrievanceStatusHistory struct {
	ID          int64     `db:"id" json:"id"`
	GrievanceID string    `db:"grievance_id" json:"grievance_id"`
	Status      string    `db:"status" json:"status"`
	Note        string    `db:"note" json:"note,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Recording is an uploaded audio file attached to a grievance.
type Recording struct {
	ID          string    `db:"id" json:"id"`
	GrievanceID string    `db:"grievance_id" json:"grievance_id"`
	FilePath    string    `db:"file_path" json:"file_path"`
	FileName    string    `db:"file_name" json:"file_name,omitempty"`
	MimeType    string    `db:"mime_type" json:"mime_type,omitempty"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes,omitempty"`
	FieldName   string    `db:"field_name" json:"field_name,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Transcription is the automated transcript of a recording.
type Transcription struct {
	ID                  string    `db:"id" json:"id"`
	GrievanceID         string    `db:"grievance_id" json:"grievance_id"`
	RecordingID         string    `db:"recording_id" json:"recording_id,omitempty"`
	AutomatedTranscript string    `db:"automated_transcript" json:"automated_transcript"`
	LanguageCode        string    `db:"language_code" json:"language_code,omitempty"`
	FieldName           string    `db:"field_name" json:"field_name,omitempty"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// Translation is a machine translation of grievance text.
type Translation struct {
	ID                string    `db:"id" json:"id"`
	GrievanceID       string    `db:"grievance_id" json:"grievance_id"`
	SourceLanguage    string    `db:"source_language" json:"source_language,omitempty"`
	TargetLanguage    string    `db:"target_language" json:"target_language,omitempty"`
	TranslatedText    string    `db:"translated_text" json:"translated_text"`
	TranslationMethod string    `db:"translation_method" json:"translation_method,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// TaskRecord is the persisted state of one orchestrated task. The row
// is created retroactively, after the entity it references exists.
type TaskRecord struct {
	TaskID       string     `db:"task_id" json:"task_id"`
	TaskName     string     `db:"task_name" json:"task_name"`
	StatusCode   string     `db:"status_code" json:"status_code"`
	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	RetryCount   int        `db:"retry_count" json:"retry_count"`
	RetryHistory JSONDoc    `db:"retry_history" json:"retry_history,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	Result       JSONDoc    `db:"result" json:"result,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// TaskEntity links a task row to a domain entity. The composite
// primary key (task_id, entity_key, entity_id) prevents duplicate
// links under at-least-once delivery.
type TaskEntity struct {
	TaskID    string    `db:"task_id" json:"task_id"`
	EntityKey string    `db:"entity_key" json:"entity_key"`
	EntityID  string    `db:"entity_id" json:"entity_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
