// Package pipeline composes dependent task graphs: parallel fan-out
// (group), fan-out with a single aggregating callback (chord), and
// chained follow-ons where each task enqueues the next with its result.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// chordTimeout bounds how long a coordinator waits for stragglers
// before aggregating with synthesized failures.
const chordTimeout = 30 * time.Minute

// Composer launches task graphs on the broker.
type Composer struct {
	broker   *broker.Broker
	registry *registry.Registry
	logger   *logger.Logger
}

// NewComposer creates a pipeline composer.
func NewComposer(b *broker.Broker, reg *registry.Registry, log *logger.Logger) *Composer {
	return &Composer{
		broker:   b,
		registry: reg,
		logger:   log.WithFields(zap.String("component", "pipeline")),
	}
}

// GroupHandle identifies a launched fan-out.
type GroupHandle struct {
	GroupID string
	TaskIDs []string
}

// Enqueue launches a single task. Delay 0 makes follow-on persistence
// fire-and-forget so downstream work proceeds concurrently.
func (c *Composer) Enqueue(ctx context.Context, name string, payload interface{}) (string, error) {
	return c.broker.Enqueue(ctx, name, payload)
}

// Group launches one task per payload in parallel. Results are not
// collected; use Chord when an aggregate is needed.
func (c *Composer) Group(ctx context.Context, name string, payloads []interface{}) (*GroupHandle, error) {
	return c.launchGroup(ctx, name, payloads, 0)
}

func (c *Composer) launchGroup(ctx context.Context, name string, payloads []interface{}, groupSize int) (*GroupHandle, error) {
	reg, ok := c.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("task %q is not registered", name)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("group of %q has no members", name)
	}

	handle := &GroupHandle{GroupID: uuid.New().String()}
	for i, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal group member %d: %w", i, err)
		}
		msg := &broker.Message{
			TaskID:     uuid.New().String(),
			TaskName:   name,
			Queue:      reg.Config.Queue,
			Priority:   reg.Config.Priority,
			Payload:    data,
			GroupIndex: i,
			EnqueuedAt: time.Now().UTC(),
		}
		if groupSize > 0 {
			msg.GroupID = handle.GroupID
			msg.GroupSize = groupSize
		}
		if err := c.broker.EnqueueMessage(ctx, msg); err != nil {
			return nil, err
		}
		handle.TaskIDs = append(handle.TaskIDs, msg.TaskID)
	}
	return handle, nil
}

// Chord launches a fan-out and enqueues callback with the list of
// member result envelopes (in submission order) once all members have
// terminated, success or failure. callbackExtra fields are merged into
// the callback payload alongside "results".
func (c *Composer) Chord(ctx context.Context, name string, payloads []interface{}, callback string, callbackExtra map[string]interface{}) (*GroupHandle, error) {
	if _, ok := c.registry.Get(callback); !ok {
		return nil, fmt.Errorf("chord callback %q is not registered", callback)
	}

	collector := &chordCollector{
		composer: c,
		callback: callback,
		extra:    callbackExtra,
		size:     len(payloads),
		results:  make(map[int]*v1.TaskResult),
		logger:   c.logger,
	}

	// Subscribe before launching so no member result can be missed.
	groupID := uuid.New().String()
	sub, err := c.broker.SubscribeChord(groupID, collector.onMemberDone)
	if err != nil {
		return nil, fmt.Errorf("subscribe chord %s: %w", groupID, err)
	}
	collector.sub = sub
	collector.groupID = groupID

	handle, err := c.launchGroupWithID(ctx, name, payloads, groupID)
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	collector.taskIDs = handle.TaskIDs

	go collector.watchTimeout()

	c.logger.Info("Chord launched",
		zap.String("group_id", groupID),
		zap.String("task_name", name),
		zap.String("callback", callback),
		zap.Int("members", len(payloads)))
	return handle, nil
}

func (c *Composer) launchGroupWithID(ctx context.Context, name string, payloads []interface{}, groupID string) (*GroupHandle, error) {
	reg, ok := c.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("task %q is not registered", name)
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("group of %q has no members", name)
	}

	handle := &GroupHandle{GroupID: groupID}
	for i, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal group member %d: %w", i, err)
		}
		msg := &broker.Message{
			TaskID:     uuid.New().String(),
			TaskName:   name,
			Queue:      reg.Config.Queue,
			Priority:   reg.Config.Priority,
			Payload:    data,
			GroupID:    groupID,
			GroupIndex: i,
			GroupSize:  len(payloads),
			EnqueuedAt: time.Now().UTC(),
		}
		if err := c.broker.EnqueueMessage(ctx, msg); err != nil {
			return nil, err
		}
		handle.TaskIDs = append(handle.TaskIDs, msg.TaskID)
	}
	return handle, nil
}

// chordCollector gathers member terminal envelopes and fires the
// aggregating callback exactly once.
type chordCollector struct {
	composer *Composer
	groupID  string
	callback string
	extra    map[string]interface{}
	size     int
	taskIDs  []string
	logger   *logger.Logger

	mu      sync.Mutex
	results map[int]*v1.TaskResult
	fired   bool
	sub     bus.Subscription
}

func (cc *chordCollector) onMemberDone(ctx context.Context, event *bus.Event) error {
	idx, result, err := decodeMemberResult(event)
	if err != nil {
		return err
	}

	cc.mu.Lock()
	if cc.fired {
		cc.mu.Unlock()
		return nil
	}
	if _, dup := cc.results[idx]; !dup {
		cc.results[idx] = result
	}
	complete := len(cc.results) >= cc.size
	cc.mu.Unlock()

	if complete {
		cc.fire(ctx, false)
	}
	return nil
}

func (cc *chordCollector) watchTimeout() {
	timer := time.NewTimer(chordTimeout)
	defer timer.Stop()
	<-timer.C
	cc.fire(context.Background(), true)
}

// fire enqueues the callback with the collected results in submission
// order. Missing members (timeout only) are synthesized as FAILED.
func (cc *chordCollector) fire(ctx context.Context, timedOut bool) {
	cc.mu.Lock()
	if cc.fired {
		cc.mu.Unlock()
		return
	}
	cc.fired = true

	indexes := make([]int, 0, cc.size)
	for i := 0; i < cc.size; i++ {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	results := make([]*v1.TaskResult, 0, cc.size)
	for _, i := range indexes {
		if r, ok := cc.results[i]; ok {
			results = append(results, r)
			continue
		}
		taskID := ""
		if i < len(cc.taskIDs) {
			taskID = cc.taskIDs[i]
		}
		results = append(results, &v1.TaskResult{
			Status: v1.StatusFailed,
			TaskID: taskID,
			Error:  "chord member did not terminate before timeout",
		})
	}
	sub := cc.sub
	cc.mu.Unlock()

	if sub != nil && sub.IsValid() {
		_ = sub.Unsubscribe()
	}
	if timedOut {
		cc.logger.Warn("Chord timed out before all members terminated",
			zap.String("group_id", cc.groupID))
	}

	payload := map[string]interface{}{"results": results}
	for k, v := range cc.extra {
		payload[k] = v
	}
	if _, err := cc.composer.Enqueue(ctx, cc.callback, payload); err != nil {
		cc.logger.Error("Failed to enqueue chord callback",
			zap.String("group_id", cc.groupID),
			zap.String("callback", cc.callback),
			zap.Error(err))
	}
}

func decodeMemberResult(event *bus.Event) (int, *v1.TaskResult, error) {
	idx := 0
	switch v := event.Data["group_index"].(type) {
	case int:
		idx = v
	case float64:
		idx = int(v)
	}

	raw, ok := event.Data["result"]
	if !ok {
		return 0, nil, fmt.Errorf("chord event %s has no result", event.ID)
	}
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
			return 0, nil, fmt.Errorf("re-marshal chord result: %w", err)
		}
	}

	var result v1.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return 0, nil, fmt.Errorf("unmarshal chord result: %w", err)
	}
	return idx, &result, nil
}
