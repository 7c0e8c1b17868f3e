package tasks

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/grievance/ids"
	"github.com/gunaso/gunaso/internal/llm"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// transcriptField is the envelope field carrying the raw transcript;
// the persistence layer renames it to the transcript column.
const transcriptField = "transcript"

// TranscribePayload is the input of transcribe_audio_file.
type TranscribePayload struct {
	GrievanceID   string `json:"grievance_id"`
	ComplainantID string `json:"complainant_id"`
	SessionID     string `json:"session_id"`
	RecordingID   string `json:"recording_id"`
	AudioPath     string `json:"audio_path"`
	LanguageCode  string `json:"language_code,omitempty"`
}

// ClassifyPayload is the input of classify_and_summarize_grievance and
// extract_contact_info.
type ClassifyPayload struct {
	GrievanceID   string `json:"grievance_id"`
	ComplainantID string `json:"complainant_id"`
	SessionID     string `json:"session_id"`
	Text          string `json:"text"`
	LanguageCode  string `json:"language_code,omitempty"`
}

// TranslatePayload is the input of translate_grievance.
type TranslatePayload struct {
	GrievanceID    string `json:"grievance_id"`
	ComplainantID  string `json:"complainant_id"`
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	SourceLanguage string `json:"language_code,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
}

// transcribeAudioFile turns an uploaded recording into a transcript,
// persists it fire-and-forget, and chains classification.
func transcribeAudioFile(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p TranscribePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("transcribe payload is malformed: %v", err)
		}
		if p.AudioPath == "" || p.GrievanceID == "" {
			return nil, errs.NewInputError("transcribe payload requires audio_path and grievance_id")
		}

		out, err := d.LLM.Process(ctx, &llm.Input{
			Operation:    llm.OpTranscribe,
			AudioPath:    p.AudioPath,
			LanguageCode: p.LanguageCode,
		})
		if err != nil {
			return nil, err
		}

		transcriptionID, err := d.newEntityID(ids.PrefixTranscription, p.GrievanceID)
		if err != nil {
			return nil, err
		}
		language := firstNonEmpty(out.LanguageCode, p.LanguageCode)

		env := &v1.TaskResult{
			Status:        v1.StatusSuccess,
			Operation:     v1.OpTranscription,
			EntityKey:     v1.EntityTranscription,
			ID:            transcriptionID,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			LanguageCode:  language,
			FieldName:     transcriptField,
			Values: map[string]interface{}{
				transcriptField: out.Text,
				"recording_id":  p.RecordingID,
				"language_code": language,
			},
		}

		d.store(ctx, tc, env)
		d.chain(ctx, tc, TaskClassifyAndSummarize, &ClassifyPayload{
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			Text:          out.Text,
			LanguageCode:  language,
		})
		return env, nil
	}
}

// classifyAndSummarize derives category and summary fields from the
// grievance text, then fans out translation and contact extraction.
func classifyAndSummarize(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p ClassifyPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("classify payload is malformed: %v", err)
		}
		if p.Text == "" || p.GrievanceID == "" {
			return nil, errs.NewInputError("classify payload requires text and grievance_id")
		}

		out, err := d.LLM.Process(ctx, &llm.Input{
			Operation:    llm.OpClassify,
			Text:         p.Text,
			LanguageCode: p.LanguageCode,
		})
		if err != nil {
			return nil, err
		}

		values := map[string]interface{}{
			"description": p.Text,
		}
		for field, value := range out.Fields {
			values[field] = value
		}
		if p.LanguageCode != "" {
			values["language_code"] = p.LanguageCode
		}

		env := &v1.TaskResult{
			Status:        v1.StatusSuccess,
			Operation:     v1.OpClassification,
			EntityKey:     v1.EntityGrievance,
			ID:            p.GrievanceID,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			LanguageCode:  p.LanguageCode,
			Values:        values,
		}

		d.store(ctx, tc, env)
		d.chain(ctx, tc, TaskTranslateGrievance, &TranslatePayload{
			GrievanceID:    p.GrievanceID,
			ComplainantID:  p.ComplainantID,
			SessionID:      p.SessionID,
			Text:           p.Text,
			SourceLanguage: p.LanguageCode,
		})
		d.chain(ctx, tc, TaskExtractContactInfo, &p)
		return env, nil
	}
}

// extractContactInfo pulls complainant contact fields out of the
// grievance text and persists them under the complainant_ prefix.
func extractContactInfo(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p ClassifyPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("contact payload is malformed: %v", err)
		}
		if p.Text == "" || p.GrievanceID == "" {
			return nil, errs.NewInputError("contact payload requires text and grievance_id")
		}

		out, err := d.LLM.Process(ctx, &llm.Input{
			Operation:    llm.OpExtractContact,
			Text:         p.Text,
			LanguageCode: p.LanguageCode,
		})
		if err != nil {
			return nil, err
		}

		values := map[string]interface{}{}
		for field, value := range out.Fields {
			if value == "" {
				continue
			}
			values["complainant_"+field] = value
		}

		env := &v1.TaskResult{
			Status:        v1.StatusSuccess,
			Operation:     v1.OpContactInfo,
			EntityKey:     v1.EntityGrievance,
			ID:            p.GrievanceID,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			Values:        values,
		}

		d.store(ctx, tc, env)
		return env, nil
	}
}

// translateGrievance translates the grievance text to English.
func translateGrievance(d Deps) registry.Body {
	return func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		var p TranslatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, errs.NewInputError("translate payload is malformed: %v", err)
		}
		if p.Text == "" || p.GrievanceID == "" {
			return nil, errs.NewInputError("translate payload requires text and grievance_id")
		}
		if p.TargetLanguage == "" {
			p.TargetLanguage = "en"
		}

		out, err := d.LLM.Process(ctx, &llm.Input{
			Operation:      llm.OpTranslate,
			Text:           p.Text,
			LanguageCode:   p.SourceLanguage,
			TargetLanguage: p.TargetLanguage,
		})
		if err != nil {
			return nil, err
		}

		translationID, err := d.newEntityID(ids.PrefixTranslation, p.GrievanceID)
		if err != nil {
			return nil, err
		}

		env := &v1.TaskResult{
			Status:        v1.StatusSuccess,
			Operation:     v1.OpTranslation,
			EntityKey:     v1.EntityTranslation,
			ID:            translationID,
			TaskID:        tc.TaskID,
			GrievanceID:   p.GrievanceID,
			ComplainantID: p.ComplainantID,
			SessionID:     p.SessionID,
			LanguageCode:  p.SourceLanguage,
			Values: map[string]interface{}{
				"translated_text": out.Text,
				"target_language": p.TargetLanguage,
			},
		}

		d.store(ctx, tc, env)
		return env, nil
	}
}

// newEntityID mints an entity id carrying the office and source of the
// grievance it belongs to.
func (d Deps) newEntityID(prefix, grievanceID string) (string, error) {
	office := d.defaultOffice()
	source := ids.SourceAccessible
	if parsed, err := ids.Parse(grievanceID); err == nil {
		office = parsed.Office
		source = parsed.Source
	}
	return ids.New(prefix, office, source)
}

// store enqueues the persistence task fire-and-forget so downstream
// pipeline work proceeds concurrently with the database write.
func (d Deps) store(ctx context.Context, tc *registry.Context, env *v1.TaskResult) {
	if _, err := d.Composer.Enqueue(ctx, TaskStoreResultToDB, env); err != nil {
		tc.Logger.Error("Failed to enqueue persistence task",
			zap.String("entity_key", env.EntityKey),
			zap.Error(err))
	}
}

// chain enqueues the next pipeline stage.
func (d Deps) chain(ctx context.Context, tc *registry.Context, name string, payload interface{}) {
	if _, err := d.Composer.Enqueue(ctx, name, payload); err != nil {
		tc.Logger.Error("Failed to enqueue follow-on task",
			zap.String("next", name),
			zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
