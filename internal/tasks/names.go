// Package tasks implements the pipeline task bodies and their
// registration. Each body captures its dependencies at registration
// time; chaining happens by enqueueing the next stage with the previous
// stage's result envelope as input.
package tasks

// Task names. These are the Registry keys and the values accepted by
// the enqueue API.
const (
	TaskTranscribeAudioFile  = "transcribe_audio_file"
	TaskClassifyAndSummarize = "classify_and_summarize_grievance"
	TaskExtractContactInfo   = "extract_contact_info"
	TaskTranslateGrievance   = "translate_grievance"
	TaskProcessFileUpload    = "process_file_upload"
	TaskProcessBatchFiles    = "process_batch_files"
	TaskAggregateBatch       = "aggregate_batch_results"
	TaskStoreResultToDB      = "store_result_to_db"
	TaskSendNotification     = "send_notification"
)
