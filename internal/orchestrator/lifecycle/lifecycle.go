// Package lifecycle drives task state transitions: STARTED before the
// body runs, exactly one of SUCCESS, FAILED, or RETRYING after. It
// emits structured log events and status frames; it never writes to
// the database (task rows are created retroactively by the persistence
// layer once the referenced entity exists).
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	"github.com/gunaso/gunaso/internal/orchestrator/retrypolicy"
	"github.com/gunaso/gunaso/internal/orchestrator/statusbus"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// Addressing carries the ids required to route a task's status frames.
type Addressing struct {
	GrievanceID string
	SessionID   string
}

// Manager emits lifecycle events for task attempts and schedules
// retries with exponential backoff and jitter.
type Manager struct {
	status statusbus.Publisher
	broker *broker.Broker
	logger *logger.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(status statusbus.Publisher, b *broker.Broker, log *logger.Logger) *Manager {
	return &Manager{
		status: status,
		broker: b,
		logger: log.WithFields(zap.String("component", "lifecycle")),
	}
}

// StartTask logs and publishes STARTED for an attempt. It performs no
// database writes: the entity the task will produce may not exist yet.
func (m *Manager) StartTask(ctx context.Context, tc *registry.Context, addr Addressing, extra map[string]interface{}) {
	tc.Logger.Info("Task started",
		zap.Int("attempt", tc.Attempt),
		zap.String("grievance_id", addr.GrievanceID))

	data := map[string]interface{}{}
	for k, v := range extra {
		data[k] = v
	}
	m.publish(ctx, tc, addr, v1.StatusStarted, data)
}

// CompleteTask logs and publishes SUCCESS with the produced values.
func (m *Manager) CompleteTask(ctx context.Context, tc *registry.Context, result *v1.TaskResult, addr Addressing) {
	tc.Logger.Info("Task succeeded",
		zap.Int("attempt", tc.Attempt),
		zap.String("operation", result.Operation))

	data := map[string]interface{}{}
	if result.Operation != "" {
		data["operation"] = result.Operation
	}
	if result.FieldName != "" {
		data["field_name"] = result.FieldName
	}
	if len(result.Values) > 0 {
		data["values"] = result.Values
	}
	m.publish(ctx, tc, addr, v1.StatusSuccess, data)
}

// FailTask logs and publishes FAILED with an error descriptor. Values
// a body attached to its failure envelope (batch counters, partial
// output) travel on the frame the same way SUCCESS values do.
func (m *Manager) FailTask(ctx context.Context, tc *registry.Context, operation, errKind, errMsg string, values map[string]interface{}, addr Addressing) {
	tc.Logger.Error("Task failed",
		zap.Int("attempt", tc.Attempt),
		zap.String("error_kind", errKind),
		zap.String("error", errMsg))

	data := map[string]interface{}{
		"error_kind": errKind,
		"error":      errMsg,
	}
	if operation != "" {
		data["operation"] = operation
	}
	if len(values) > 0 {
		data["values"] = values
	}
	m.publish(ctx, tc, addr, v1.StatusFailed, data)
}

// HandleError classifies a task body error and either schedules the
// next attempt (publishing RETRYING) or resolves the attempt as FAILED.
// Returns true when a retry was scheduled.
func (m *Manager) HandleError(ctx context.Context, reg *registry.Registration, tc *registry.Context, msg *broker.Message, taskErr error, addr Addressing) bool {
	kind := errs.Kind(taskErr)
	decision := retrypolicy.Decide(reg.Config.Retry, kind, tc.Attempt)

	if !decision.Retry {
		m.FailTask(ctx, tc, "", kind, taskErr.Error(), nil, addr)
		return false
	}

	tc.Logger.Warn("Task retrying",
		zap.Int("attempt", tc.Attempt),
		zap.String("error_kind", kind),
		zap.Duration("retry_in", decision.Delay))

	m.publish(ctx, tc, addr, v1.StatusRetrying, map[string]interface{}{
		"error_kind":   kind,
		"error":        taskErr.Error(),
		"attempt":      tc.Attempt,
		"next_delay_s": decision.Delay.Seconds(),
	})

	retry := *msg
	retry.Attempt = tc.Attempt + 1
	if err := m.broker.EnqueueIn(ctx, decision.Delay, &retry); err != nil {
		tc.Logger.Error("Failed to schedule retry", zap.Error(err))
		m.FailTask(ctx, tc, "", kind, taskErr.Error(), nil, addr)
		return false
	}
	return true
}

// Progress publishes an IN_PROGRESS frame for long-running bodies.
func (m *Manager) Progress(ctx context.Context, tc *registry.Context, addr Addressing, data map[string]interface{}) {
	m.publish(ctx, tc, addr, v1.StatusInProgress, data)
}

func (m *Manager) publish(ctx context.Context, tc *registry.Context, addr Addressing, status string, data map[string]interface{}) {
	if m.status == nil {
		return
	}
	frame := &v1.StatusFrame{
		TaskName:    tc.TaskName,
		Status:      status,
		GrievanceID: addr.GrievanceID,
		SessionID:   addr.SessionID,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
	if err := m.status.PublishFrame(ctx, frame); err != nil {
		m.logger.Warn("Failed to publish status frame",
			zap.String("task_name", tc.TaskName),
			zap.String("status", status),
			zap.Error(err))
	}
}
