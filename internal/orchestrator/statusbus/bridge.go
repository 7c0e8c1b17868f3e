package statusbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/config"
	"github.com/gunaso/gunaso/internal/common/logger"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// bridgePath is the web-tier endpoint that forwards worker status
// frames onto the bus. It decouples worker processes from the
// websocket layer: any process that can POST can participate.
const bridgePath = "/api/v1/task-status"

// BridgeClient posts status frames to the web tier. Delivery failures
// are logged, never fatal, and never block the task beyond the
// configured timeout.
type BridgeClient struct {
	baseURL string
	client  *http.Client
	logger  *logger.Logger
}

// NewBridgeClient creates a bridge client from the bridge configuration.
func NewBridgeClient(cfg config.BridgeConfig, log *logger.Logger) *BridgeClient {
	return &BridgeClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.TimeoutDuration()},
		logger:  log.WithFields(zap.String("component", "status-bridge")),
	}
}

// PublishFrame implements Publisher over the HTTP bridge.
func (c *BridgeClient) PublishFrame(ctx context.Context, frame *v1.StatusFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal status frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+bridgePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("Status bridge delivery failed",
			zap.String("task_name", frame.TaskName),
			zap.Error(err))
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Status bridge returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.String("task_name", frame.TaskName))
	}
	return nil
}

// RegisterBridgeRoutes mounts the task-status bridge endpoint that
// forwards frames from worker processes onto the bus.
func RegisterBridgeRoutes(router gin.IRouter, publisher Publisher, log *logger.Logger) {
	router.POST(bridgePath, func(c *gin.Context) {
		var frame v1.StatusFrame
		if err := c.ShouldBindJSON(&frame); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status frame: " + err.Error()})
			return
		}

		if err := publisher.PublishFrame(c.Request.Context(), &frame); err != nil {
			log.Error("Failed to publish bridged status frame", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "queued"})
	})
}
