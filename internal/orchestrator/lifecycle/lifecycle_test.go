package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

// framePublisher records every frame it is asked to publish.
type framePublisher struct {
	mu     sync.Mutex
	frames []*v1.StatusFrame
}

func (p *framePublisher) PublishFrame(ctx context.Context, frame *v1.StatusFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return nil
}

func (p *framePublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	for i, f := range p.frames {
		out[i] = f.Status
	}
	return out
}

func (p *framePublisher) last() *v1.StatusFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[len(p.frames)-1]
}

func newTestManager(t *testing.T) (*Manager, *framePublisher, *broker.Broker, *registry.Registry) {
	t.Helper()
	log := logger.Default()
	reg := registry.New(nil)
	b := broker.New(bus.NewMemoryEventBus(log), reg, log)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	pub := &framePublisher{}
	return NewManager(pub, b, log), pub, b, reg
}

func taskContext(name string) *registry.Context {
	return &registry.Context{
		TaskID:   "task-1",
		TaskName: name,
		Attempt:  0,
		Service:  "llm-service",
		Logger:   logger.Default(),
	}
}

var addr = Addressing{GrievanceID: "GR-20250115-KOJH-A1B2-A", SessionID: "sess-1"}

func TestStartTask_PublishesStarted(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	tc := taskContext("transcribe_audio_file")

	m.StartTask(context.Background(), tc, addr, map[string]interface{}{"operation": v1.OpTranscription})

	require.Len(t, pub.frames, 1)
	frame := pub.last()
	assert.Equal(t, v1.StatusStarted, frame.Status)
	assert.Equal(t, "transcribe_audio_file", frame.TaskName)
	assert.Equal(t, addr.GrievanceID, frame.GrievanceID)
	assert.Equal(t, addr.SessionID, frame.SessionID)
	assert.Equal(t, v1.OpTranscription, frame.Data["operation"])
}

func TestCompleteTask_CarriesProducedValues(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	tc := taskContext("translate_grievance")

	m.CompleteTask(context.Background(), tc, &v1.TaskResult{
		Status:    v1.StatusSuccess,
		Operation: v1.OpTranslation,
		FieldName: "translated_text",
		Values:    map[string]interface{}{"translated_text": "hello"},
	}, addr)

	frame := pub.last()
	require.NotNil(t, frame)
	assert.Equal(t, v1.StatusSuccess, frame.Status)
	assert.Equal(t, v1.OpTranslation, frame.Data["operation"])
	assert.Equal(t, "translated_text", frame.Data["field_name"])
	values, ok := frame.Data["values"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", values["translated_text"])
}

func TestFailTask_CarriesErrorDescriptor(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	tc := taskContext("store_result_to_db")

	m.FailTask(context.Background(), tc, v1.OpStoreResult, errs.KindIntegrity, "constraint violated", nil, addr)

	frame := pub.last()
	require.NotNil(t, frame)
	assert.Equal(t, v1.StatusFailed, frame.Status)
	assert.Equal(t, errs.KindIntegrity, frame.Data["error_kind"])
	assert.Equal(t, "constraint violated", frame.Data["error"])
	assert.Equal(t, v1.OpStoreResult, frame.Data["operation"])
}

func TestFailTask_CarriesEnvelopeValues(t *testing.T) {
	m, pub, _, _ := newTestManager(t)
	tc := taskContext("aggregate_batch_results")

	m.FailTask(context.Background(), tc, v1.OpFileUpload, errs.KindUnknown, "1 of 3 files failed",
		map[string]interface{}{"success_count": 2, "failed_count": 1}, addr)

	frame := pub.last()
	require.NotNil(t, frame)
	assert.Equal(t, v1.StatusFailed, frame.Status)
	values, ok := frame.Data["values"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, values["success_count"])
	assert.Equal(t, 1, values["failed_count"])
}

func TestHandleError_SchedulesRetryForTransient(t *testing.T) {
	m, pub, b, reg := newTestManager(t)
	require.NoError(t, reg.Register("transcribe_audio_file", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, nil
		}))
	regd, _ := reg.Get("transcribe_audio_file")

	tc := taskContext("transcribe_audio_file")
	msg := &broker.Message{TaskID: tc.TaskID, TaskName: tc.TaskName, Queue: "llm", Priority: registry.PriorityHigh}

	var delivered sync.WaitGroup
	delivered.Add(1)
	_, err := b.Consume("llm", func(got *broker.Message) {
		assert.Equal(t, 1, got.Attempt)
		delivered.Done()
	})
	require.NoError(t, err)

	retried := m.HandleError(context.Background(), regd, tc, msg,
		fmt.Errorf("llm: %w", errs.ErrConnection), addr)
	assert.True(t, retried)
	assert.Equal(t, []string{v1.StatusRetrying}, pub.statuses())

	frame := pub.last()
	assert.Equal(t, errs.KindConnection, frame.Data["error_kind"])
	assert.Greater(t, frame.Data["next_delay_s"].(float64), 0.0)

	done := make(chan struct{})
	go func() { delivered.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry attempt was not redelivered")
	}
}

func TestHandleError_FailsTerminalKinds(t *testing.T) {
	m, pub, _, reg := newTestManager(t)
	require.NoError(t, reg.Register("classify_and_summarize_grievance", registry.KindLLM,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, nil
		}))
	regd, _ := reg.Get("classify_and_summarize_grievance")

	tc := taskContext("classify_and_summarize_grievance")
	msg := &broker.Message{TaskID: tc.TaskID, TaskName: tc.TaskName, Queue: "llm"}

	retried := m.HandleError(context.Background(), regd, tc, msg,
		errs.NewInputError("text is empty"), addr)
	assert.False(t, retried)
	assert.Equal(t, []string{v1.StatusFailed}, pub.statuses())
}

func TestHandleError_ExhaustedRetriesFail(t *testing.T) {
	m, pub, _, reg := newTestManager(t)
	require.NoError(t, reg.Register("send_notification", registry.KindMessaging,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, nil
		}))
	regd, _ := reg.Get("send_notification")

	// Messaging allows 2 retries; attempt index 2 is the last allowed run.
	tc := taskContext("send_notification")
	tc.Attempt = 2
	msg := &broker.Message{TaskID: tc.TaskID, TaskName: tc.TaskName, Queue: "messaging", Attempt: 2}

	retried := m.HandleError(context.Background(), regd, tc, msg, errs.ErrTimeout, addr)
	assert.False(t, retried)
	assert.Equal(t, []string{v1.StatusFailed}, pub.statuses())
}

func TestHandleError_KindOutsideRetryOn(t *testing.T) {
	m, pub, _, reg := newTestManager(t)
	require.NoError(t, reg.Register("process_file_upload", registry.KindFileUpload,
		func(ctx context.Context, tc *registry.Context, payload json.RawMessage) (*v1.TaskResult, error) {
			return nil, nil
		}))
	regd, _ := reg.Get("process_file_upload")

	// FileUpload retries IO and FileNotFound only; a connection error is
	// terminal for this kind.
	tc := taskContext("process_file_upload")
	msg := &broker.Message{TaskID: tc.TaskID, TaskName: tc.TaskName, Queue: "file_upload"}

	retried := m.HandleError(context.Background(), regd, tc, msg, errs.ErrConnection, addr)
	assert.False(t, retried)
	assert.Equal(t, []string{v1.StatusFailed}, pub.statuses())
}

func TestPublish_NilPublisherIsSafe(t *testing.T) {
	log := logger.Default()
	reg := registry.New(nil)
	b := broker.New(bus.NewMemoryEventBus(log), reg, log)
	m := NewManager(nil, b, log)

	assert.NotPanics(t, func() {
		m.StartTask(context.Background(), taskContext("x"), addr, nil)
		m.FailTask(context.Background(), taskContext("x"), "", errs.KindUnknown, errors.New("boom").Error(), nil, addr)
	})
}
