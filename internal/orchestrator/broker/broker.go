package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
)

// WorkerGroup is the bus queue group shared by all worker processes
// consuming a task queue.
const WorkerGroup = "workers"

// ChordSubjectPrefix carries member terminal envelopes back to the
// chord coordinator.
const ChordSubjectPrefix = "gunaso.chord."

// Broker enqueues task messages with their target queue and priority
// and delivers them to queue-group consumers via the event bus.
type Broker struct {
	bus      bus.EventBus
	registry *registry.Registry
	logger   *logger.Logger

	mu          sync.Mutex
	pending     map[string]*pendingQueue
	dispatching map[string]bool
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a broker on top of the given event bus.
func New(eventBus bus.EventBus, reg *registry.Registry, log *logger.Logger) *Broker {
	return &Broker{
		bus:         eventBus,
		registry:    reg,
		logger:      log.WithFields(zap.String("component", "broker")),
		pending:     make(map[string]*pendingQueue),
		dispatching: make(map[string]bool),
	}
}

// Start launches a dispatcher for every queue known so far. Queues that
// appear later (tasks registered after startup) get their dispatcher
// lazily on first enqueue.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)

	for _, queue := range b.registry.Queues() {
		b.startDispatcher(queue)
	}
	b.logger.Info("Broker started", zap.Strings("queues", b.registry.Queues()))
}

// Stop halts the dispatchers. Buffered messages are dropped; delivery
// is at-least-once, not durable.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.started = false
	b.dispatching = make(map[string]bool)
}

func (b *Broker) queueBuffer(queue string) *pendingQueue {
	if q, ok := b.pending[queue]; ok {
		return q
	}
	q := newPendingQueue()
	b.pending[queue] = q
	return q
}

// startDispatcher spawns the drain goroutine for a queue once per
// broker run. Caller holds b.mu with started set.
func (b *Broker) startDispatcher(queue string) {
	if b.dispatching[queue] {
		return
	}
	b.dispatching[queue] = true
	go b.dispatch(b.ctx, queue, b.queueBuffer(queue))
}

// Enqueue assigns a task id and buffers a first-attempt message for the
// task's registered queue. Returns the broker-assigned task id.
func (b *Broker) Enqueue(ctx context.Context, name string, payload interface{}) (string, error) {
	reg, ok := b.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("task %q is not registered", name)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload for %q: %w", name, err)
	}

	msg := &Message{
		TaskID:     uuid.New().String(),
		TaskName:   name,
		Queue:      reg.Config.Queue,
		Priority:   reg.Config.Priority,
		Attempt:    0,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := b.EnqueueMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.TaskID, nil
}

// EnqueueMessage buffers a prepared message (group members, retries).
func (b *Broker) EnqueueMessage(ctx context.Context, msg *Message) error {
	return b.enqueueAt(msg, time.Time{})
}

// EnqueueIn buffers a message for dispatch after the given delay. Used
// by the lifecycle manager to schedule retry attempts.
func (b *Broker) EnqueueIn(ctx context.Context, delay time.Duration, msg *Message) error {
	if delay <= 0 {
		return b.EnqueueMessage(ctx, msg)
	}
	return b.enqueueAt(msg, time.Now().Add(delay))
}

func (b *Broker) enqueueAt(msg *Message, readyAt time.Time) error {
	if msg.TaskID == "" {
		msg.TaskID = uuid.New().String()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return fmt.Errorf("broker is not started")
	}
	b.startDispatcher(msg.Queue)
	q := b.queueBuffer(msg.Queue)
	b.mu.Unlock()

	q.push(msg, readyAt)
	b.logger.Debug("Task enqueued",
		zap.String("task_id", msg.TaskID),
		zap.String("task_name", msg.TaskName),
		zap.String("queue", msg.Queue),
		zap.Int("attempt", msg.Attempt))
	return nil
}

// dispatch drains one queue buffer onto the bus in priority order.
func (b *Broker) dispatch(ctx context.Context, queue string, q *pendingQueue) {
	subject := events.TaskSubject(queue)
	for {
		msg, wait := q.popReady(time.Now())
		if msg != nil {
			b.publish(ctx, subject, msg)
			continue
		}

		var timer *time.Timer
		var ready <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			ready = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-ready:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (b *Broker) publish(ctx context.Context, subject string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("Failed to marshal task message",
			zap.String("task_id", msg.TaskID), zap.Error(err))
		return
	}

	event := bus.NewEvent("task.dispatch", "broker", map[string]interface{}{
		"message": json.RawMessage(data),
	})
	if err := b.bus.Publish(ctx, subject, event); err != nil {
		b.logger.Error("Failed to dispatch task",
			zap.String("task_id", msg.TaskID),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Consume subscribes handler to a queue as part of the shared worker
// group. Each message is delivered to exactly one group member per
// publish (at-least-once overall).
func (b *Broker) Consume(queue string, handler Handler) (bus.Subscription, error) {
	subject := events.TaskSubject(queue)
	return b.bus.QueueSubscribe(subject, WorkerGroup, func(ctx context.Context, event *bus.Event) error {
		msg, err := decodeMessage(event)
		if err != nil {
			return err
		}
		handler(msg)
		return nil
	})
}

// PublishChordResult sends a group member's terminal envelope to the
// chord coordinator's collection subject.
func (b *Broker) PublishChordResult(ctx context.Context, groupID string, data map[string]interface{}) error {
	event := bus.NewEvent("chord.member_done", "broker", data)
	return b.bus.Publish(ctx, ChordSubjectPrefix+groupID, event)
}

// SubscribeChord receives member terminal envelopes for a group.
func (b *Broker) SubscribeChord(groupID string, handler bus.EventHandler) (bus.Subscription, error) {
	return b.bus.Subscribe(ChordSubjectPrefix+groupID, handler)
}

// QueueDepth returns the number of locally buffered messages for a queue.
func (b *Broker) QueueDepth(queue string) int {
	b.mu.Lock()
	q, ok := b.pending[queue]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

func decodeMessage(event *bus.Event) (*Message, error) {
	raw, ok := event.Data["message"]
	if !ok {
		return nil, fmt.Errorf("task event %s has no message", event.ID)
	}

	// The payload arrives as raw JSON in-process and as a decoded map
	// after a NATS round trip.
	var data []byte
	switch v := raw.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("re-marshal task message: %w", err)
		}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal task message: %w", err)
	}
	return &msg, nil
}
