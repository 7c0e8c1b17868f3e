// Package handlers exposes the HTTP intake surface: endpoints the web
// tier calls to launch processing pipelines and to read task state.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/grievance/repository"
	"github.com/gunaso/gunaso/internal/orchestrator/pipeline"
	"github.com/gunaso/gunaso/internal/tasks"
)

// IntakeHandlers enqueues pipeline work on behalf of the web tier.
type IntakeHandlers struct {
	composer *pipeline.Composer
	repo     repository.Repository
	logger   *logger.Logger
}

// NewIntakeHandlers creates the intake handler set.
func NewIntakeHandlers(composer *pipeline.Composer, repo repository.Repository, log *logger.Logger) *IntakeHandlers {
	return &IntakeHandlers{
		composer: composer,
		repo:     repo,
		logger:   log.WithFields(zap.String("component", "intake_handlers")),
	}
}

// RegisterRoutes mounts the intake endpoints under /api/v1.
func (h *IntakeHandlers) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/pipeline/voice", h.enqueueVoice)
		api.POST("/pipeline/text", h.enqueueText)
		api.POST("/pipeline/uploads", h.enqueueUploads)
		api.POST("/pipeline/notify", h.enqueueNotify)
		api.GET("/tasks/:task_id", h.getTask)
	}
}

// enqueueVoice launches the voice pipeline: transcription, then
// classification and translation chained by the tasks themselves.
func (h *IntakeHandlers) enqueueVoice(c *gin.Context) {
	var req tasks.TranscribePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if req.GrievanceID == "" || req.AudioPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "grievance_id and audio_path are required"})
		return
	}

	taskID, err := h.composer.Enqueue(c.Request.Context(), tasks.TaskTranscribeAudioFile, &req)
	if err != nil {
		h.logger.Error("Failed to enqueue voice pipeline", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "task_name": tasks.TaskTranscribeAudioFile})
}

// enqueueText launches the text pipeline starting at classification.
func (h *IntakeHandlers) enqueueText(c *gin.Context) {
	var req tasks.ClassifyPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if req.GrievanceID == "" || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "grievance_id and text are required"})
		return
	}

	taskID, err := h.composer.Enqueue(c.Request.Context(), tasks.TaskClassifyAndSummarize, &req)
	if err != nil {
		h.logger.Error("Failed to enqueue text pipeline", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "task_name": tasks.TaskClassifyAndSummarize})
}

// enqueueUploads launches the batch upload chord.
func (h *IntakeHandlers) enqueueUploads(c *gin.Context) {
	var req tasks.BatchPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if req.GrievanceID == "" || len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "grievance_id and files are required"})
		return
	}

	taskID, err := h.composer.Enqueue(c.Request.Context(), tasks.TaskProcessBatchFiles, &req)
	if err != nil {
		h.logger.Error("Failed to enqueue batch uploads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"task_id":    taskID,
		"task_name":  tasks.TaskProcessBatchFiles,
		"file_count": len(req.Files),
	})
}

// enqueueNotify queues one outbound notification.
func (h *IntakeHandlers) enqueueNotify(c *gin.Context) {
	var req tasks.NotifyPayload
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload: " + err.Error()})
		return
	}
	if req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is required"})
		return
	}

	taskID, err := h.composer.Enqueue(c.Request.Context(), tasks.TaskSendNotification, &req)
	if err != nil {
		h.logger.Error("Failed to enqueue notification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "task_name": tasks.TaskSendNotification})
}

// getTask returns the persisted record of one task.
func (h *IntakeHandlers) getTask(c *gin.Context) {
	taskID := c.Param("task_id")

	rec, err := h.repo.GetTaskRecord(c.Request.Context(), taskID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}

	c.JSON(http.StatusOK, rec)
}
