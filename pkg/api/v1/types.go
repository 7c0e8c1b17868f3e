// Package v1 defines the wire types shared between the orchestrator,
// the worker runtime, and connected clients.
package v1

import (
	"encoding/json"
	"time"
)

// Task status codes. STARTED and RETRYING are transient; SUCCESS and
// FAILED are terminal. IN_PROGRESS is the initial persisted state of a
// task row before its terminal status is written.
const (
	StatusStarted    = "STARTED"
	StatusSuccess    = "SUCCESS"
	StatusFailed     = "FAILED"
	StatusRetrying   = "RETRYING"
	StatusInProgress = "IN_PROGRESS"
)

// IsTerminal reports whether a status code permits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusSuccess || status == StatusFailed
}

// Pipeline operations. Used to derive specialized status channels
// (status_update:<operation>) and recorded on task results.
const (
	OpFileUpload     = "file_upload"
	OpTranscription  = "transcription"
	OpClassification = "classification"
	OpContactInfo    = "contact_info"
	OpTranslation    = "translation"
	OpStoreResult    = "store_result"
	OpNotification   = "notification"
)

// KnownOperation reports whether op is one of the recognized pipeline
// operations.
func KnownOperation(op string) bool {
	switch op {
	case OpFileUpload, OpTranscription, OpClassification, OpContactInfo,
		OpTranslation, OpStoreResult, OpNotification:
		return true
	}
	return false
}

// Entity keys identify which domain table a task result belongs to.
const (
	EntityGrievance     = "grievance_id"
	EntityComplainant   = "complainant_id"
	EntityRecording     = "recording_id"
	EntityTranscription = "transcription_id"
	EntityTranslation   = "translation_id"
)

// KnownEntityKey reports whether key is one of the closed set of entity keys.
func KnownEntityKey(key string) bool {
	switch key {
	case EntityGrievance, EntityComplainant, EntityRecording,
		EntityTranscription, EntityTranslation:
		return true
	}
	return false
}

// TaskResult is the envelope returned by a task body. The persistence
// layer consumes it to upsert the referenced entity and write the task
// row; downstream pipeline stages consume it as input.
type TaskResult struct {
	Status        string                 `json:"status"`
	Operation     string                 `json:"operation,omitempty"`
	EntityKey     string                 `json:"entity_key,omitempty"`
	ID            string                 `json:"id,omitempty"`
	TaskID        string                 `json:"task_id,omitempty"`
	GrievanceID   string                 `json:"grievance_id,omitempty"`
	ComplainantID string                 `json:"complainant_id,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	Values        map[string]interface{} `json:"values,omitempty"`
	LanguageCode  string                 `json:"language_code,omitempty"`
	FieldName     string                 `json:"field_name,omitempty"`
	RetryCount    int                    `json:"retry_count,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// StatusFrame is a single published message describing a task's state
// change, addressed to a status-bus room.
type StatusFrame struct {
	TaskName    string                 `json:"task_name"`
	Status      string                 `json:"status"`
	GrievanceID string                 `json:"grievance_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// RetryAttempt is one entry in a task's retry history.
type RetryAttempt struct {
	Attempt      int       `json:"attempt"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
	NextDelaySec float64   `json:"next_delay_s"`
}

// Task is the externally visible task record.
type Task struct {
	TaskID       string          `json:"task_id"`
	TaskName     string          `json:"task_name"`
	StatusCode   string          `json:"status_code"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	RetryHistory []RetryAttempt  `json:"retry_history,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
