// Package worker runs task invocations delivered by the broker. For
// each message it constructs a task context, executes the registered
// body under soft and hard time limits, and ensures exactly one
// terminal lifecycle resolution per attempt.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/lifecycle"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config bounds a worker pool.
type Config struct {
	Concurrency   int // consumers per queue
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration

	// StoreTask names the persistence task a terminally failed attempt
	// is recorded through, so failed tasks still get a task row. Empty
	// disables the record; the store task itself is never re-recorded.
	StoreTask string
}

// Worker consumes the queues declared by the registry.
type Worker struct {
	registry  *registry.Registry
	broker    *broker.Broker
	lifecycle *lifecycle.Manager
	tracer    trace.Tracer
	logger    *logger.Logger
	cfg       Config

	subs []bus.Subscription
}

// New creates a worker pool over all registered queues.
func New(reg *registry.Registry, b *broker.Broker, lm *lifecycle.Manager, tracer trace.Tracer, log *logger.Logger, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{
		registry:  reg,
		broker:    b,
		lifecycle: lm,
		tracer:    tracer,
		logger:    log.WithFields(zap.String("component", "worker")),
		cfg:       cfg,
	}
}

// Start subscribes Concurrency consumers to every registered queue.
func (w *Worker) Start(ctx context.Context) error {
	for _, queue := range w.registry.Queues() {
		for i := 0; i < w.cfg.Concurrency; i++ {
			sub, err := w.broker.Consume(queue, func(msg *broker.Message) {
				w.run(ctx, msg)
			})
			if err != nil {
				return fmt.Errorf("consume queue %s: %w", queue, err)
			}
			w.subs = append(w.subs, sub)
		}
		w.logger.Info("Consuming queue",
			zap.String("queue", queue),
			zap.Int("concurrency", w.cfg.Concurrency),
			zap.Strings("tasks", w.registry.ListByQueue(queue)))
	}
	return nil
}

// Stop unsubscribes all consumers. In-flight attempts run to
// resolution.
func (w *Worker) Stop() {
	for _, sub := range w.subs {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	w.subs = nil
}

// addressing is the minimal payload shape needed to route frames and
// key failure records.
type addressing struct {
	GrievanceID   string `json:"grievance_id"`
	ComplainantID string `json:"complainant_id"`
	SessionID     string `json:"session_id"`
}

// run executes one delivered message end to end.
func (w *Worker) run(ctx context.Context, msg *broker.Message) {
	reg, ok := w.registry.Get(msg.TaskName)
	if !ok {
		w.logger.Error("Dropping message for unregistered task",
			zap.String("task_name", msg.TaskName),
			zap.String("task_id", msg.TaskID))
		return
	}

	tc := &registry.Context{
		TaskID:   msg.TaskID,
		TaskName: msg.TaskName,
		Attempt:  msg.Attempt,
		Service:  reg.Config.Service,
		Logger: w.logger.WithService(reg.Config.Service).
			WithTaskID(msg.TaskID).
			WithFields(zap.String("task_name", msg.TaskName)),
	}

	var addr addressing
	if len(msg.Payload) > 0 {
		// Addressing fields are optional; tasks without them emit no frames.
		_ = json.Unmarshal(msg.Payload, &addr)
	}
	lcAddr := lifecycle.Addressing{GrievanceID: addr.GrievanceID, SessionID: addr.SessionID}

	spanCtx := ctx
	var span trace.Span
	if w.tracer != nil {
		spanCtx, span = w.tracer.Start(ctx, "task "+msg.TaskName)
		span.SetAttributes(
			attribute.String("task.id", msg.TaskID),
			attribute.Int("task.attempt", msg.Attempt),
			attribute.String("task.queue", msg.Queue),
		)
		defer span.End()
	}

	w.lifecycle.StartTask(spanCtx, tc, lcAddr, nil)

	result, err := w.invoke(spanCtx, reg, tc, msg)

	terminal := true
	switch {
	case err != nil:
		retried := w.lifecycle.HandleError(spanCtx, reg, tc, msg, err, lcAddr)
		if retried {
			terminal = false
		} else {
			result = failureEnvelope(msg, err, addr)
			w.recordFailure(spanCtx, msg, result)
		}
	case result != nil && result.Status == v1.StatusFailed:
		// The body swallowed its error and reported failure directly.
		// Persistence is the body's call: stages that want a row for
		// the failure enqueue it themselves.
		w.lifecycle.FailTask(spanCtx, tc, result.Operation, errs.KindUnknown, result.Error, result.Values, lcAddr)
	default:
		if result == nil {
			result = &v1.TaskResult{Status: v1.StatusSuccess, TaskID: msg.TaskID}
		}
		if result.TaskID == "" {
			result.TaskID = msg.TaskID
		}
		w.lifecycle.CompleteTask(spanCtx, tc, result, lcAddr)
	}

	if terminal && msg.GroupID != "" {
		w.publishChordResult(spanCtx, msg, result)
	}
}

// invoke runs the task body under the configured time limits. The soft
// limit cancels the body's context at its next yield point; if the
// hard limit passes the attempt is abandoned and recorded as a timeout
// (subject to retry).
func (w *Worker) invoke(ctx context.Context, reg *registry.Registration, tc *registry.Context, msg *broker.Message) (*v1.TaskResult, error) {
	bodyCtx := ctx
	var cancel context.CancelFunc
	if w.cfg.SoftTimeLimit > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, w.cfg.SoftTimeLimit)
		defer cancel()
	}

	type outcome struct {
		result *v1.TaskResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				tc.Logger.Error("Task body panicked", zap.Any("panic", r))
				done <- outcome{err: fmt.Errorf("task body panic: %v", r)}
			}
		}()
		result, err := reg.Body(bodyCtx, tc, msg.Payload)
		done <- outcome{result: result, err: err}
	}()

	if w.cfg.HardTimeLimit <= 0 {
		out := <-done
		return out.result, out.err
	}

	timer := time.NewTimer(w.cfg.HardTimeLimit)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		tc.Logger.Error("Task exceeded hard time limit",
			zap.Duration("limit", w.cfg.HardTimeLimit))
		return nil, fmt.Errorf("hard time limit exceeded: %w", errs.ErrTimeout)
	}
}

// publishChordResult forwards the member's terminal envelope to the
// chord coordinator.
func (w *Worker) publishChordResult(ctx context.Context, msg *broker.Message, result *v1.TaskResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		w.logger.Error("Failed to marshal chord result", zap.Error(err))
		return
	}
	data := map[string]interface{}{
		"group_id":    msg.GroupID,
		"group_index": msg.GroupIndex,
		"task_id":     msg.TaskID,
		"result":      json.RawMessage(raw),
	}
	if err := w.broker.PublishChordResult(ctx, msg.GroupID, data); err != nil {
		w.logger.Error("Failed to publish chord result",
			zap.String("group_id", msg.GroupID),
			zap.Error(err))
	}
}

// recordFailure enqueues the terminal failure through the persistence
// task so the task row exists even though the stage produced no entity.
func (w *Worker) recordFailure(ctx context.Context, msg *broker.Message, result *v1.TaskResult) {
	if w.cfg.StoreTask == "" || msg.TaskName == w.cfg.StoreTask {
		return
	}
	if _, err := w.broker.Enqueue(ctx, w.cfg.StoreTask, result); err != nil {
		w.logger.Error("Failed to enqueue failure record",
			zap.String("task_id", msg.TaskID),
			zap.Error(err))
	}
}

// failureEnvelope represents a terminally failed attempt for chord
// aggregation and failure recording.
func failureEnvelope(msg *broker.Message, err error, addr addressing) *v1.TaskResult {
	return &v1.TaskResult{
		Status:        v1.StatusFailed,
		TaskID:        msg.TaskID,
		GrievanceID:   addr.GrievanceID,
		ComplainantID: addr.ComplainantID,
		SessionID:     addr.SessionID,
		Error:         err.Error(),
		RetryCount:    msg.Attempt,
		Values: map[string]interface{}{
			"error_kind": errs.Kind(err),
		},
	}
}
