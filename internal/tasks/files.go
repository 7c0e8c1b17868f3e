package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/grievance/ids"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// maxUploadBytes bounds accepted file sizes (50 MiB).
const maxUploadBytes = 50 << 20

// FilePayload describes one uploaded file.
type FilePayload struct {
	GrievanceID   string `json:"grievance_id"`
	ComplainantID string `json:"complainant_id"`
	SessionID     string `json:"session_id"`
	FilePath      string `json:"file_path"`
	FileName      string `json:"file_name,omitempty"`
	FieldName     string `json:"field_name,omitempty"`
}

// BatchPayload describes a multi-file upload.
type BatchPayload struct {
	GrievanceID   string        `json:"grievance_id"`
	ComplainantID string        `json:"complainant_id"`
	SessionID     string        `json:"session_id"`
	Files         []FilePayload `json:"files"`
}

// aggregatePayload is the chord callback input: the member envelopes in
// submission order plus the addressing merged in at launch.
type aggregatePayload struct {
	GrievanceID   string           `json:"grievance_id"`
	ComplainantID string           `json:"complainant_id"`
	SessionID     string           `json:"session_id"`
	Results       []*v1.TaskResult `json:"results"`
}

// processFileUpload validates a stored upload and records the Recording
// entity values.
func processFileUpload(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p FilePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("file upload payload is malformed: %v", err)
		}
		if p.FilePath == "" || p.GrievanceID == "" {
			return nil, errs.NewInputError("file upload payload requires file_path and grievance_id")
		}

		info, err := os.Stat(p.FilePath)
		if err != nil {
			// fs.PathError classifies as FileNotFound for the retry table.
			return nil, fmt.Errorf("stat upload: %w", err)
		}
		if info.IsDir() {
			return nil, errs.NewInputError("upload path %s is a directory", p.FilePath)
		}
		if info.Size() == 0 {
			return nil, errs.NewInputError("upload %s is empty", p.FilePath)
		}
		if info.Size() > maxUploadBytes {
			return nil, errs.NewInputError("upload %s exceeds the size limit", p.FilePath)
		}

		fileName := p.FileName
		if fileName == "" {
			fileName = filepath.Base(p.FilePath)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(fileName))

		recordingID, err := d.newEntityID(ids.PrefixRecording, p.GrievanceID)
		if err != nil {
			return nil, err
		}

		env := &v1.TaskResult{
			Status:        v1.StatusSuccess,
			Operation:     v1.OpFileUpload,
			EntityKey:     v1.EntityRecording,
			ID:            recordingID,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			FieldName:     p.FieldName,
			Values: map[string]interface{}{
				"file_path":  p.FilePath,
				"file_name":  fileName,
				"mime_type":  mimeType,
				"size_bytes": info.Size(),
			},
		}

		d.store(ctx, tc, env)
		return env, nil
	}
}

// processBatchFiles fans out one process_file_upload per file and
// aggregates the member results through a chord callback.
func processBatchFiles(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p BatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("batch payload is malformed: %v", err)
		}
		if len(p.Files) == 0 {
			return nil, errs.NewInputError("batch payload has no files")
		}

		members := make([]interface{}, 0, len(p.Files))
		for _, f := range p.Files {
			f.GrievanceID = p.GrievanceID
			f.ComplainantID = p.ComplainantID
			f.SessionID = p.SessionID
			members = append(members, f)
		}

		handle, err := d.Composer.Chord(ctx, TaskProcessFileUpload, members, TaskAggregateBatch, map[string]interface{}{
			"grievance_id":   p.GrievanceID,
			"complainant_id": p.ComplainantID,
			"session_id":     p.SessionID,
		})
		if err != nil {
			return nil, fmt.Errorf("launch batch chord: %w", err)
		}

		return &v1.TaskResult{
			Status:        v1.StatusSuccess,
			Operation:     v1.OpFileUpload,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			Values: map[string]interface{}{
				"group_id":   handle.GroupID,
				"file_count": len(p.Files),
			},
		}, nil
	}
}

// aggregateBatchResults resolves the batch as a whole: one frame,
// SUCCESS only when every member succeeded.
func aggregateBatchResults(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p aggregatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("aggregate payload is malformed: %v", err)
		}

		successCount, failedCount := 0, 0
		for _, r := range p.Results {
			if r != nil && r.Status == v1.StatusSuccess {
				successCount++
				continue
			}
			failedCount++
		}

		status := v1.StatusSuccess
		errMsg := ""
		if failedCount > 0 {
			status = v1.StatusFailed
			errMsg = fmt.Sprintf("%d of %d files failed", failedCount, len(p.Results))
		}

		env := &v1.TaskResult{
			Status:        status,
			Operation:     v1.OpFileUpload,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			Error:         errMsg,
			Values: map[string]interface{}{
				"success_count": successCount,
				"failed_count":  failedCount,
			},
		}

		// The batch outcome gets its own task row even though it upserts
		// no entity of its own.
		d.store(ctx, tc, env)
		return env, nil
	}
}
