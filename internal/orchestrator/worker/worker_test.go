package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/lifecycle"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	"github.com/gunaso/gunaso/internal/orchestrator/statusbus"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// frameRecorder captures published status frames for assertions.
type frameRecorder struct {
	mu     sync.Mutex
	frames []*v1.StatusFrame
}

func (r *frameRecorder) PublishFrame(ctx context.Context, frame *v1.StatusFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *frameRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Status
	}
	return out
}

var _ statusbus.Publisher = (*frameRecorder)(nil)

type harness struct {
	worker *Worker
	broker *broker.Broker
	reg    *registry.Registry
	frames *frameRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logger.Default()
	reg := registry.New(nil)
	b := broker.New(bus.NewMemoryEventBus(log), reg, log)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	frames := &frameRecorder{}
	lm := lifecycle.NewManager(frames, b, log)
	w := New(reg, b, lm, nil, log, cfg)
	t.Cleanup(w.Stop)

	return &harness{worker: w, broker: b, reg: reg, frames: frames}
}

func waitStatuses(t *testing.T, r *frameRecorder, want []string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got := r.statuses()
		if len(got) >= len(want) {
			assert.Equal(t, want, got[:len(want)])
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("statuses %v never reached %v", r.statuses(), want)
}

func TestWorker_SuccessfulAttempt(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	var gotPayload json.RawMessage
	require.NoError(t, h.reg.Register("translate_grievance", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			gotPayload = payload
			return &v1.TaskResult{
				Status:      v1.StatusSuccess,
				Operation:   v1.OpTranslation,
				GrievanceID: "GR-20250115-KOJH-A1B2-A",
			}, nil
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "translate_grievance", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
		"text":         "nms",
	})
	require.NoError(t, err)

	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusSuccess})

	var payload map[string]string
	require.NoError(t, json.Unmarshal(gotPayload, &payload))
	assert.Equal(t, "nms", payload["text"])
}

func TestWorker_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	var mu sync.Mutex
	var attempts []int
	require.NoError(t, h.reg.Register("transcribe_audio_file", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			mu.Lock()
			attempts = append(attempts, tc.Attempt)
			n := len(attempts)
			mu.Unlock()
			if n == 1 {
				return nil, errs.ErrConnection
			}
			return &v1.TaskResult{Status: v1.StatusSuccess}, nil
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "transcribe_audio_file", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
	})
	require.NoError(t, err)

	// First attempt fails transiently, is retried with backoff, then
	// succeeds on the redelivered attempt.
	waitStatuses(t, h.frames, []string{
		v1.StatusStarted, v1.StatusRetrying,
		v1.StatusStarted, v1.StatusSuccess,
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestWorker_TerminalFailurePublishesFailed(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	require.NoError(t, h.reg.Register("classify_and_summarize_grievance", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, errs.NewInputError("text is empty")
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "classify_and_summarize_grievance", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
	})
	require.NoError(t, err)

	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusFailed})
}

func TestWorker_BodyReportedFailure(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	require.NoError(t, h.reg.Register("store_result_to_db", registry.KindDatabase,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			// Failure reported in the envelope, not as an error: terminal,
			// no retry.
			return &v1.TaskResult{Status: v1.StatusFailed, Error: "database operation failed"}, nil
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "store_result_to_db", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
	})
	require.NoError(t, err)

	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusFailed})
	// No RETRYING frame may appear afterwards.
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, h.frames.statuses(), v1.StatusRetrying)
}

func TestWorker_TerminalFailureIsRecorded(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1, StoreTask: "store_result_to_db"})

	stored := make(chan *v1.TaskResult, 1)
	require.NoError(t, h.reg.Register("store_result_to_db", registry.KindDatabase,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			var env v1.TaskResult
			require.NoError(t, json.Unmarshal(payload, &env))
			stored <- &env
			return &v1.TaskResult{Status: v1.StatusSuccess}, nil
		}))
	require.NoError(t, h.reg.Register("classify_and_summarize_grievance", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, errs.NewInputError("text is empty")
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	taskID, err := h.broker.Enqueue(context.Background(), "classify_and_summarize_grievance", map[string]string{
		"grievance_id":   "GR-20250115-KOJH-A1B2-A",
		"complainant_id": "CMP-1",
	})
	require.NoError(t, err)

	select {
	case env := <-stored:
		assert.Equal(t, v1.StatusFailed, env.Status)
		assert.Equal(t, taskID, env.TaskID)
		assert.Equal(t, "GR-20250115-KOJH-A1B2-A", env.GrievanceID)
		assert.Equal(t, "CMP-1", env.ComplainantID)
		assert.Contains(t, env.Error, "text is empty")
		assert.Equal(t, errs.KindInput, env.Values["error_kind"])
	case <-time.After(3 * time.Second):
		t.Fatal("failure envelope never reached the persistence task")
	}
}

func TestWorker_StoreTaskFailureNotRerecorded(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1, StoreTask: "store_result_to_db"})

	var mu sync.Mutex
	deliveries := 0
	require.NoError(t, h.reg.Register("store_result_to_db", registry.KindDatabase,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			mu.Lock()
			deliveries++
			mu.Unlock()
			return nil, errs.NewInputError("malformed envelope")
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "store_result_to_db", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
	})
	require.NoError(t, err)

	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusFailed})
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries)
}

func TestWorker_PanicIsContained(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	require.NoError(t, h.reg.Register("aggregate_batch_results", registry.KindDefault,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			panic("boom")
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "aggregate_batch_results", map[string]string{
		"session_id": "sess-1",
	})
	require.NoError(t, err)

	// A panic classifies as unknown; the Default kind retries unknown
	// errors, so the attempt cycle still resolves without crashing the
	// worker.
	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusRetrying})
}

func TestWorker_HardTimeLimit(t *testing.T) {
	h := newHarness(t, Config{
		Concurrency:   1,
		SoftTimeLimit: 20 * time.Millisecond,
		HardTimeLimit: 60 * time.Millisecond,
	})

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(t, h.reg.Register("transcribe_audio_file", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			<-block // ignores its context entirely
			return nil, nil
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "transcribe_audio_file", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
	})
	require.NoError(t, err)

	// The hard limit abandons the attempt as a timeout, which the LLM
	// policy retries.
	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusRetrying})
}

func TestWorker_SoftLimitCancelsContext(t *testing.T) {
	h := newHarness(t, Config{
		Concurrency:   1,
		SoftTimeLimit: 20 * time.Millisecond,
		HardTimeLimit: 5 * time.Second,
	})

	require.NoError(t, h.reg.Register("translate_grievance", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	_, err := h.broker.Enqueue(context.Background(), "translate_grievance", map[string]string{
		"grievance_id": "GR-20250115-KOJH-A1B2-A",
	})
	require.NoError(t, err)

	// context.DeadlineExceeded classifies as a timeout and is retried.
	waitStatuses(t, h.frames, []string{v1.StatusStarted, v1.StatusRetrying})
}

func TestWorker_ChordMemberPublishesTerminalEnvelope(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	require.NoError(t, h.reg.Register("process_file_upload", registry.KindFileUpload,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return &v1.TaskResult{Status: v1.StatusSuccess, ID: "REC-1"}, nil
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	results := make(chan map[string]interface{}, 1)
	sub, err := h.broker.SubscribeChord("group-7", func(ctx context.Context, event *bus.Event) error {
		results <- event.Data
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg := &broker.Message{
		TaskID:     "member-1",
		TaskName:   "process_file_upload",
		Queue:      "file_upload",
		Priority:   registry.PriorityMedium,
		Payload:    json.RawMessage(`{"session_id":"sess-1"}`),
		GroupID:    "group-7",
		GroupIndex: 1,
		GroupSize:  2,
	}
	require.NoError(t, h.broker.EnqueueMessage(context.Background(), msg))

	select {
	case data := <-results:
		assert.Equal(t, "group-7", data["group_id"])
		assert.Equal(t, 1, data["group_index"])
		assert.Equal(t, "member-1", data["task_id"])
	case <-time.After(3 * time.Second):
		t.Fatal("chord terminal envelope not published")
	}
}

func TestWorker_UnregisteredTaskIsDropped(t *testing.T) {
	h := newHarness(t, Config{Concurrency: 1})

	require.NoError(t, h.reg.Register("known_task", registry.KindDefault,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, nil
		}))
	require.NoError(t, h.worker.Start(context.Background()))

	// A message naming an unknown task on a consumed queue is dropped
	// without emitting lifecycle frames.
	msg := &broker.Message{
		TaskID:   "ghost-1",
		TaskName: "ghost_task",
		Queue:    "default",
	}
	require.NoError(t, h.broker.EnqueueMessage(context.Background(), msg))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.frames.statuses())
}
