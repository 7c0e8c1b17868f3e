// Package llm wraps the external language-model services used by the
// pipeline: transcription, classification, contact extraction, and
// translation.
package llm

import "context"

// Operations understood by the model gateway.
const (
	OpTranscribe     = "transcribe"
	OpClassify       = "classify"
	OpExtractContact = "extract_contact"
	OpTranslate      = "translate"
)

// Input is one model invocation request.
type Input struct {
	Operation      string `json:"operation"`
	Text           string `json:"text,omitempty"`
	AudioPath      string `json:"audio_path,omitempty"`
	LanguageCode   string `json:"language_code,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
}

// Output is the model gateway's response. Fields carries structured
// extractions (category, summary, complainant contact fields); Text
// carries free-form output (transcript, translation).
type Output struct {
	Text         string            `json:"text,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	LanguageCode string            `json:"language_code,omitempty"`
}

// Service is the opaque model interface task bodies depend on.
type Service interface {
	Process(ctx context.Context, in *Input) (*Output, error)
}
