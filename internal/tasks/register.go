package tasks

import (
	"github.com/gunaso/gunaso/internal/common/config"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/grievance/service"
	"github.com/gunaso/gunaso/internal/llm"
	"github.com/gunaso/gunaso/internal/notify"
	"github.com/gunaso/gunaso/internal/orchestrator/pipeline"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
)

// Deps are the shared dependencies the task bodies close over.
type Deps struct {
	Registry  *registry.Registry
	Composer  *pipeline.Composer
	DBTasks   *service.DBTaskService
	LLM       llm.Service
	Providers map[string]notify.Provider
	Config    *config.Config
	Logger    *logger.Logger
}

// RegisterAll attaches every pipeline task to the registry. Called once
// at boot, before the worker pools start consuming.
func RegisterAll(d Deps) {
	d.Registry.MustRegister(TaskTranscribeAudioFile, registry.KindLLM, transcribeAudioFile(d))
	d.Registry.MustRegister(TaskClassifyAndSummarize, registry.KindLLM, classifyAndSummarize(d))
	d.Registry.MustRegister(TaskExtractContactInfo, registry.KindLLM, extractContactInfo(d))
	d.Registry.MustRegister(TaskTranslateGrievance, registry.KindLLM, translateGrievance(d))
	d.Registry.MustRegister(TaskProcessFileUpload, registry.KindFileUpload, processFileUpload(d))
	d.Registry.MustRegister(TaskProcessBatchFiles, registry.KindFileUpload, processBatchFiles(d))
	d.Registry.MustRegister(TaskAggregateBatch, registry.KindDefault, aggregateBatchResults(d))
	d.Registry.MustRegister(TaskStoreResultToDB, registry.KindDatabase, storeResultToDB(d))
	d.Registry.MustRegister(TaskSendNotification, registry.KindMessaging, sendNotification(d))
}

// defaultOffice is the office code used when an entity id cannot supply
// one (two province letters plus two district letters).
func (d Deps) defaultOffice() string {
	return d.Config.Locale.DefaultProvince + d.Config.Locale.DefaultDistrict
}
