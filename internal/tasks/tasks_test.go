package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunaso/gunaso/internal/common/config"
	"github.com/gunaso/gunaso/internal/common/errs"
	"github.com/gunaso/gunaso/internal/common/logger"
	"github.com/gunaso/gunaso/internal/crypto"
	"github.com/gunaso/gunaso/internal/events/bus"
	"github.com/gunaso/gunaso/internal/grievance/repository/sqlite"
	"github.com/gunaso/gunaso/internal/grievance/service"
	"github.com/gunaso/gunaso/internal/llm"
	"github.com/gunaso/gunaso/internal/notify"
	"github.com/gunaso/gunaso/internal/orchestrator/broker"
	"github.com/gunaso/gunaso/internal/orchestrator/pipeline"
	"github.com/gunaso/gunaso/internal/orchestrator/registry"
	v1 "github.com/gunaso/gunaso/pkg/api/v1"
)

const grievanceID = "GR-20250115-KOJH-A1B2-A"

// fakeLLM answers every operation from a canned function.
type fakeLLM struct {
	fn func(in *llm.Input) (*llm.Output, error)
}

func (f *fakeLLM) Process(ctx context.Context, in *llm.Input) (*llm.Output, error) {
	return f.fn(in)
}

// fakeProvider records sent messages.
type fakeProvider struct {
	mu        sync.Mutex
	sent      []notify.Message
	available bool
	err       error
}

func (p *fakeProvider) Available() bool                           { return p.available }
func (p *fakeProvider) Validate(cfg map[string]interface{}) error { return nil }

func (p *fakeProvider) Send(ctx context.Context, message notify.Message) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, message)
	return nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type testEnv struct {
	deps   Deps
	broker *broker.Broker
	llm    *fakeLLM
	sms    *fakeProvider
	push   *fakeProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Default()
	reg := registry.New(nil)
	b := broker.New(bus.NewMemoryEventBus(log), reg, log)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	repo, err := sqlite.NewWithDB(db, db)
	require.NoError(t, err)
	cipher, err := crypto.NewFieldCipherWithKey(make([]byte, 32))
	require.NoError(t, err)

	env := &testEnv{
		broker: b,
		llm:    &fakeLLM{fn: func(in *llm.Input) (*llm.Output, error) { return &llm.Output{}, nil }},
		sms:    &fakeProvider{available: true},
		push:   &fakeProvider{available: true},
	}
	env.deps = Deps{
		Registry: reg,
		Composer: pipeline.NewComposer(b, reg, log),
		DBTasks:  service.NewDBTaskService(repo, cipher, log),
		LLM:      env.llm,
		Providers: map[string]notify.Provider{
			ChannelSMS:     env.sms,
			ChannelApprise: env.push,
		},
		Config: &config.Config{
			Locale: config.LocaleConfig{DefaultProvince: "KO", DefaultDistrict: "JH"},
			Notify: config.NotifyConfig{AppriseURLs: "ntfy://gunaso"},
		},
		Logger: log,
	}
	RegisterAll(env.deps)
	return env
}

// invoke runs a registered task body directly, bypassing the worker.
func (e *testEnv) invoke(t *testing.T, name string, payload interface{}) (*v1.TaskResult, error) {
	t.Helper()
	reg, ok := e.deps.Registry.Get(name)
	require.True(t, ok, "task %s not registered", name)

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return reg.Body(context.Background(), &registry.Context{
		TaskID:   "task-1",
		TaskName: name,
		Service:  reg.Config.Service,
		Logger:   logger.Default(),
	}, data)
}

// consumeNames collects the task names enqueued to a queue.
func (e *testEnv) consumeNames(t *testing.T, queue string) *sync.Map {
	t.Helper()
	var names sync.Map
	_, err := e.broker.Consume(queue, func(msg *broker.Message) {
		names.Store(msg.TaskName, msg)
	})
	require.NoError(t, err)
	return &names
}

func waitStored(t *testing.T, names *sync.Map, task string) *broker.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := names.Load(task); ok {
			return v.(*broker.Message)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never enqueued", task)
	return nil
}

func TestTranscribeAudioFile_ProducesTranscriptAndChains(t *testing.T) {
	e := newTestEnv(t)
	e.llm.fn = func(in *llm.Input) (*llm.Output, error) {
		assert.Equal(t, llm.OpTranscribe, in.Operation)
		assert.Equal(t, "/data/rec.ogg", in.AudioPath)
		return &llm.Output{Text: "पानी आएन", LanguageCode: "ne"}, nil
	}
	llmQueue := e.consumeNames(t, "llm")
	dbQueue := e.consumeNames(t, "database")

	env, err := e.invoke(t, TaskTranscribeAudioFile, &TranscribePayload{
		GrievanceID: grievanceID,
		RecordingID: "REC-20250115-KOJH-G7H8-A",
		AudioPath:   "/data/rec.ogg",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.StatusSuccess, env.Status)
	assert.Equal(t, v1.EntityTranscription, env.EntityKey)
	assert.Equal(t, "ne", env.LanguageCode)
	assert.Equal(t, "पानी आएन", env.Values["transcript"])

	// Persistence is fire-and-forget; classification chains on the text.
	waitStored(t, dbQueue, TaskStoreResultToDB)
	chained := waitStored(t, llmQueue, TaskClassifyAndSummarize)
	var next ClassifyPayload
	require.NoError(t, json.Unmarshal(chained.Payload, &next))
	assert.Equal(t, "पानी आएन", next.Text)
	assert.Equal(t, grievanceID, next.GrievanceID)
}

func TestClassifyAndSummarize_FansOut(t *testing.T) {
	e := newTestEnv(t)
	e.llm.fn = func(in *llm.Input) (*llm.Output, error) {
		return &llm.Output{Fields: map[string]string{
			"category": "water_supply",
			"summary":  "no water for two weeks",
		}}, nil
	}
	llmQueue := e.consumeNames(t, "llm")

	env, err := e.invoke(t, TaskClassifyAndSummarize, &ClassifyPayload{
		GrievanceID:  grievanceID,
		Text:         "no water in our ward",
		LanguageCode: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.EntityGrievance, env.EntityKey)
	assert.Equal(t, grievanceID, env.ID)
	assert.Equal(t, "water_supply", env.Values["category"])
	assert.Equal(t, "no water in our ward", env.Values["description"])

	waitStored(t, llmQueue, TaskTranslateGrievance)
	waitStored(t, llmQueue, TaskExtractContactInfo)
}

func TestExtractContactInfo_PrefixesFields(t *testing.T) {
	e := newTestEnv(t)
	e.llm.fn = func(in *llm.Input) (*llm.Output, error) {
		return &llm.Output{Fields: map[string]string{
			"name":  "Ram Bahadur",
			"phone": "+9779812345678",
			"email": "",
		}}, nil
	}

	env, err := e.invoke(t, TaskExtractContactInfo, &ClassifyPayload{
		GrievanceID:   grievanceID,
		ComplainantID: "CM-20250115-KOJH-C3D4-A",
		Text:          "contact me at 9812345678, Ram Bahadur",
	})
	require.NoError(t, err)
	assert.Equal(t, "Ram Bahadur", env.Values["complainant_name"])
	assert.Equal(t, "+9779812345678", env.Values["complainant_phone"])
	_, hasEmail := env.Values["complainant_email"]
	assert.False(t, hasEmail, "empty extractions are dropped")
}

func TestTranslateGrievance_DefaultsToEnglish(t *testing.T) {
	e := newTestEnv(t)
	e.llm.fn = func(in *llm.Input) (*llm.Output, error) {
		assert.Equal(t, "en", in.TargetLanguage)
		return &llm.Output{Text: "the water supply stopped"}, nil
	}

	env, err := e.invoke(t, TaskTranslateGrievance, &TranslatePayload{
		GrievanceID:    grievanceID,
		Text:           "पानी आएन",
		SourceLanguage: "ne",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.EntityTranslation, env.EntityKey)
	assert.Equal(t, "the water supply stopped", env.Values["translated_text"])
	assert.Equal(t, "en", env.Values["target_language"])
}

func TestLLMTasks_RejectEmptyInput(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.invoke(t, TaskTranscribeAudioFile, &TranscribePayload{GrievanceID: grievanceID})
	assert.Equal(t, errs.KindInput, errs.Kind(err))

	_, err = e.invoke(t, TaskClassifyAndSummarize, &ClassifyPayload{GrievanceID: grievanceID})
	assert.Equal(t, errs.KindInput, errs.Kind(err))

	_, err = e.invoke(t, TaskTranslateGrievance, &TranslatePayload{Text: "x"})
	assert.Equal(t, errs.KindInput, errs.Kind(err))
}

func TestProcessFileUpload_RecordsFileMetadata(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "voice.ogg")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o644))

	env, err := e.invoke(t, TaskProcessFileUpload, &FilePayload{
		GrievanceID: grievanceID,
		FilePath:    path,
	})
	require.NoError(t, err)
	assert.Equal(t, v1.EntityRecording, env.EntityKey)
	assert.Equal(t, "voice.ogg", env.Values["file_name"])
	assert.Equal(t, int64(len("audio-bytes")), env.Values["size_bytes"])
	assert.Contains(t, env.ID, "REC-")
}

func TestProcessFileUpload_MissingFileRetries(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.invoke(t, TaskProcessFileUpload, &FilePayload{
		GrievanceID: grievanceID,
		FilePath:    filepath.Join(t.TempDir(), "missing.ogg"),
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindFileNotFound, errs.Kind(err))
}

func TestProcessFileUpload_RejectsEmptyFile(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "empty.ogg")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := e.invoke(t, TaskProcessFileUpload, &FilePayload{
		GrievanceID: grievanceID,
		FilePath:    path,
	})
	assert.Equal(t, errs.KindInput, errs.Kind(err))
}

func TestProcessBatchFiles_LaunchesChord(t *testing.T) {
	e := newTestEnv(t)
	fileQueue := e.consumeNames(t, "file_upload")

	env, err := e.invoke(t, TaskProcessBatchFiles, &BatchPayload{
		GrievanceID: grievanceID,
		Files: []FilePayload{
			{FilePath: "/data/a.jpg"},
			{FilePath: "/data/b.jpg"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, env.Values["file_count"])
	assert.NotEmpty(t, env.Values["group_id"])

	member := waitStored(t, fileQueue, TaskProcessFileUpload)
	assert.Equal(t, env.Values["group_id"], member.GroupID)
	assert.Equal(t, 2, member.GroupSize)

	var fp FilePayload
	require.NoError(t, json.Unmarshal(member.Payload, &fp))
	assert.Equal(t, grievanceID, fp.GrievanceID, "addressing propagates to members")
}

func TestProcessBatchFiles_EmptyBatchRejected(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.invoke(t, TaskProcessBatchFiles, &BatchPayload{GrievanceID: grievanceID})
	assert.Equal(t, errs.KindInput, errs.Kind(err))
}

func TestAggregateBatchResults(t *testing.T) {
	e := newTestEnv(t)

	env, err := e.invoke(t, TaskAggregateBatch, map[string]interface{}{
		"grievance_id": grievanceID,
		"results": []*v1.TaskResult{
			{Status: v1.StatusSuccess, ID: "REC-1"},
			{Status: v1.StatusFailed, Error: "boom"},
			nil,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.StatusFailed, env.Status)
	assert.Equal(t, 1, env.Values["success_count"])
	assert.Equal(t, 2, env.Values["failed_count"])
	assert.Equal(t, "2 of 3 files failed", env.Error)
}

func TestAggregateBatchResults_AllSucceeded(t *testing.T) {
	e := newTestEnv(t)

	env, err := e.invoke(t, TaskAggregateBatch, map[string]interface{}{
		"grievance_id": grievanceID,
		"results": []*v1.TaskResult{
			{Status: v1.StatusSuccess},
			{Status: v1.StatusSuccess},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.StatusSuccess, env.Status)
	assert.Empty(t, env.Error)
}

func TestAggregateBatchResults_PersistsOutcome(t *testing.T) {
	e := newTestEnv(t)
	dbQueue := e.consumeNames(t, "database")

	env, err := e.invoke(t, TaskAggregateBatch, map[string]interface{}{
		"grievance_id": grievanceID,
		"results": []*v1.TaskResult{
			{Status: v1.StatusSuccess, ID: "REC-1"},
			{Status: v1.StatusSuccess, ID: "REC-2"},
			{Status: v1.StatusFailed, Error: "stat upload: no such file"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, v1.StatusFailed, env.Status)

	// The batch outcome rides to the persistence task so it gets a task
	// row alongside the member rows.
	stored := waitStored(t, dbQueue, TaskStoreResultToDB)
	var persisted v1.TaskResult
	require.NoError(t, json.Unmarshal(stored.Payload, &persisted))
	assert.Equal(t, v1.StatusFailed, persisted.Status)
	assert.Equal(t, "task-1", persisted.TaskID)
	assert.Equal(t, grievanceID, persisted.GrievanceID)
	assert.EqualValues(t, 2, persisted.Values["success_count"])
	assert.EqualValues(t, 1, persisted.Values["failed_count"])
}

func TestStoreResultToDB_BackfillsTaskID(t *testing.T) {
	e := newTestEnv(t)

	env, err := e.invoke(t, TaskStoreResultToDB, &v1.TaskResult{
		Status:        v1.StatusSuccess,
		Operation:     v1.OpClassification,
		EntityKey:     v1.EntityGrievance,
		ID:            grievanceID,
		GrievanceID:   grievanceID,
		ComplainantID: "CM-20250115-KOJH-C3D4-A",
		Values:        map[string]interface{}{"summary": "s"},
	})
	require.NoError(t, err)
	require.Equal(t, v1.StatusSuccess, env.Status)
	// The producing stage never set a task id; the store attempt's own id
	// keys the row.
	assert.Equal(t, "task-1", env.TaskID)
}

func TestSendNotification_SMS(t *testing.T) {
	e := newTestEnv(t)

	env, err := e.invoke(t, TaskSendNotification, &NotifyPayload{
		GrievanceID: grievanceID,
		Channel:     ChannelSMS,
		Phone:       "+9779812345678",
		Body:        "grievance received",
	})
	require.NoError(t, err)
	assert.Equal(t, v1.OpNotification, env.Operation)
	require.Equal(t, 1, e.sms.count())
	assert.Equal(t, "+9779812345678", e.sms.sent[0].Phone)
	assert.Equal(t, 0, e.push.count())
}

func TestSendNotification_UnknownChannel(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.invoke(t, TaskSendNotification, &NotifyPayload{Channel: "pigeon", Body: "x"})
	assert.Equal(t, errs.KindInput, errs.Kind(err))
}

func TestSendNotification_UnavailableChannelRetries(t *testing.T) {
	e := newTestEnv(t)
	e.sms.available = false

	_, err := e.invoke(t, TaskSendNotification, &NotifyPayload{Channel: ChannelSMS, Body: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnection, errs.Kind(err))
}

func TestSendNotification_BroadcastAllChannels(t *testing.T) {
	e := newTestEnv(t)

	env, err := e.invoke(t, TaskSendNotification, &NotifyPayload{
		GrievanceID: grievanceID,
		Channel:     ChannelAll,
		Phone:       "+9779812345678",
		Title:       "Gunaso",
		Body:        "grievance received",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{ChannelApprise, ChannelSMS}, env.Values["channels"])
	assert.Equal(t, 1, e.sms.count())
	require.Equal(t, 1, e.push.count())
	assert.Equal(t, map[string]interface{}{"urls": []string{"ntfy://gunaso"}}, e.push.sent[0].Config)
}

func TestSendNotification_BroadcastFailureRetries(t *testing.T) {
	e := newTestEnv(t)
	e.push.err = errors.New("apprise exploded")

	_, err := e.invoke(t, TaskSendNotification, &NotifyPayload{Channel: ChannelAll, Body: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ChannelApprise)
}

func TestSendNotification_BroadcastNoChannels(t *testing.T) {
	e := newTestEnv(t)
	e.sms.available = false
	e.push.available = false

	_, err := e.invoke(t, TaskSendNotification, &NotifyPayload{Channel: ChannelAll, Body: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnection, errs.Kind(err))
}
