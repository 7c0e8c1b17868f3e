package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

func newTestBroker(t *testing.T) (*Broker, *registry.Registry) {
	t.Helper()
	log := logger.Default()
	reg := registry.New(nil)
	b := New(bus.NewMemoryEventBus(log), reg, log)
	t.Cleanup(b.Stop)
	return b, reg
}

func registerNoop(t *testing.T, reg *registry.Registry, name string, kind registry.TaskKind) {
	t.Helper()
	require.NoError(t, reg.Register(name, kind, func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
		return nil, nil
	}))
}

type received struct {
	mu   sync.Mutex
	msgs []*Message
}

func (r *received) handle(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *received) get(i int) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[i]
}

func (r *received) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.TaskName
	}
	return out
}

func waitCount(t *testing.T, r *received, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received %d messages, want %d", r.count(), want)
}

func TestEnqueue_UnregisteredTask(t *testing.T) {
	b, _ := newTestBroker(t)
	b.Start(context.Background())

	_, err := b.Enqueue(context.Background(), "no_such_task", map[string]string{})
	assert.Error(t, err)
}

func TestEnqueue_BeforeStart(t *testing.T) {
	b, reg := newTestBroker(t)
	registerNoop(t, reg, "store_result_to_db", registry.KindDatabase)

	_, err := b.Enqueue(context.Background(), "store_result_to_db", map[string]string{})
	assert.Error(t, err)
}

func TestEnqueue_DeliversToConsumer(t *testing.T) {
	b, reg := newTestBroker(t)
	registerNoop(t, reg, "store_result_to_db", registry.KindDatabase)
	b.Start(context.Background())

	var r received
	_, err := b.Consume("database", r.handle)
	require.NoError(t, err)

	taskID, err := b.Enqueue(context.Background(), "store_result_to_db", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	waitCount(t, &r, 1)
	msg := r.get(0)
	assert.Equal(t, taskID, msg.TaskID)
	assert.Equal(t, "store_result_to_db", msg.TaskName)
	assert.Equal(t, "database", msg.Queue)
	assert.Equal(t, 0, msg.Attempt)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "v", payload["k"])
}

func TestEnqueue_QueueRegisteredAfterStart(t *testing.T) {
	// Registration order must not matter: a queue that first appears
	// after Start still gets a dispatcher on first enqueue.
	b, reg := newTestBroker(t)
	b.Start(context.Background())
	registerNoop(t, reg, "translate_grievance", registry.KindLLM)

	var r received
	_, err := b.Consume("llm", r.handle)
	require.NoError(t, err)

	taskID, err := b.Enqueue(context.Background(), "translate_grievance", map[string]string{"text": "nms"})
	require.NoError(t, err)

	waitCount(t, &r, 1)
	assert.Equal(t, taskID, r.get(0).TaskID)
	assert.Equal(t, "llm", r.get(0).Queue)
}

func TestEnqueue_PriorityOrderWithinQueue(t *testing.T) {
	// Two tasks of different kinds sharing one queue: the higher
	// priority message buffered first must dispatch first once the
	// dispatcher drains the backlog.
	log := logger.Default()
	reg := registry.New(map[registry.TaskKind]string{
		registry.KindDatabase: "shared",
		registry.KindDefault:  "shared",
	})
	registerNoop(t, reg, "aggregate_batch_results", registry.KindDefault)
	registerNoop(t, reg, "store_result_to_db", registry.KindDatabase)

	b := New(bus.NewMemoryEventBus(log), reg, log)
	defer b.Stop()

	var r received
	_, err := b.Consume("shared", r.handle)
	require.NoError(t, err)

	// Buffer before the dispatcher exists so ordering is observable.
	b.mu.Lock()
	b.started = true
	b.dispatching["shared"] = true
	b.mu.Unlock()
	_, err = b.Enqueue(context.Background(), "aggregate_batch_results", nil)
	require.NoError(t, err)
	_, err = b.Enqueue(context.Background(), "store_result_to_db", nil)
	require.NoError(t, err)
	b.mu.Lock()
	b.started = false
	b.dispatching = make(map[string]bool)
	b.mu.Unlock()

	assert.Equal(t, 2, b.QueueDepth("shared"))
	b.Start(context.Background())

	waitCount(t, &r, 2)
	assert.Equal(t, []string{"store_result_to_db", "aggregate_batch_results"}, r.names())
	assert.Equal(t, 0, b.QueueDepth("shared"))
}

func TestEnqueueIn_DelaysDispatch(t *testing.T) {
	b, reg := newTestBroker(t)
	registerNoop(t, reg, "send_notification", registry.KindMessaging)
	b.Start(context.Background())

	var r received
	_, err := b.Consume("messaging", r.handle)
	require.NoError(t, err)

	msg := &Message{
		TaskID:   "retry-1",
		TaskName: "send_notification",
		Queue:    "messaging",
		Priority: registry.PriorityMedium,
		Attempt:  1,
	}
	start := time.Now()
	require.NoError(t, b.EnqueueIn(context.Background(), 80*time.Millisecond, msg))

	waitCount(t, &r, 1)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, 1, r.get(0).Attempt)
}

func TestChordResultRoundTrip(t *testing.T) {
	b, reg := newTestBroker(t)
	registerNoop(t, reg, "process_file_upload", registry.KindFileUpload)
	b.Start(context.Background())

	done := make(chan map[string]interface{}, 1)
	sub, err := b.SubscribeChord("group-1", func(ctx context.Context, event *bus.Event) error {
		done <- event.Data
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishChordResult(context.Background(), "group-1", map[string]interface{}{
		"group_index": 2,
		"result":      json.RawMessage(`{"status":"SUCCESS"}`),
	}))

	select {
	case data := <-done:
		assert.Equal(t, 2, data["group_index"])
	case <-time.After(2 * time.Second):
		t.Fatal("chord result not delivered")
	}
}

func TestDecodeMessage_MapForm(t *testing.T) {
	// After a NATS round trip the message arrives as a decoded map.
	event := bus.NewEvent("task.dispatch", "broker", map[string]interface{}{
		"message": map[string]interface{}{
			"task_id":   "t-1",
			"task_name": "translate_grievance",
			"queue":     "llm",
			"priority":  7,
			"attempt":   2,
		},
	})
	msg, err := decodeMessage(event)
	require.NoError(t, err)
	assert.Equal(t, "t-1", msg.TaskID)
	assert.Equal(t, 2, msg.Attempt)
}

func TestDecodeMessage_Missing(t *testing.T) {
	event := bus.NewEvent("task.dispatch", "broker", map[string]interface{}{})
	_, err := decodeMessage(event)
	assert.Error(t, err)
}

func TestPendingQueue_PopReadyOrdering(t *testing.T) {
	q := newPendingQueue()
	now := time.Now()

	q.push(&Message{TaskID: "low", Priority: 3, EnqueuedAt: now}, time.Time{})
	q.push(&Message{TaskID: "high", Priority: 9, EnqueuedAt: now.Add(time.Millisecond)}, time.Time{})
	q.push(&Message{TaskID: "mid", Priority: 5, EnqueuedAt: now.Add(2 * time.Millisecond)}, time.Time{})

	var order []string
	for {
		msg, _ := q.popReady(time.Now())
		if msg == nil {
			break
		}
		order = append(order, msg.TaskID)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestPendingQueue_FIFOWithinPriority(t *testing.T) {
	q := newPendingQueue()
	now := time.Now()
	q.push(&Message{TaskID: "first", Priority: 5, EnqueuedAt: now}, time.Time{})
	q.push(&Message{TaskID: "second", Priority: 5, EnqueuedAt: now.Add(time.Millisecond)}, time.Time{})

	msg, _ := q.popReady(time.Now())
	assert.Equal(t, "first", msg.TaskID)
	msg, _ = q.popReady(time.Now())
	assert.Equal(t, "second", msg.TaskID)
}

func TestPendingQueue_DelayedNotReady(t *testing.T) {
	q := newPendingQueue()
	q.push(&Message{TaskID: "later", Priority: 9}, time.Now().Add(time.Hour))

	msg, wait := q.popReady(time.Now())
	assert.Nil(t, msg)
	assert.Greater(t, wait, 59*time.Minute)
	assert.Equal(t, 1, q.len())
}
