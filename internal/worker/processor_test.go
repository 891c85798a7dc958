package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"podforge/internal/notify"
	"podforge/internal/queue"
	"podforge/internal/speech"
	"podforge/internal/storage"
	"podforge/internal/transcode"
	"podforge/pkg/logger"
	"podforge/pkg/model"
	"podforge/pkg/resilience"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if err := logger.Init(true); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// ---- mocks ----

type mockStore struct {
	mock.Mock
}

func (m *mockStore) TransitionTask(ctx context.Context, id string, from, to model.Status) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *mockStore) SetTaskError(ctx context.Context, id, errorText string) error {
	args := m.Called(ctx, id, errorText)
	return args.Error(0)
}

func (m *mockStore) SetTaskFinalResult(ctx context.Context, id string, result model.JSONB) error {
	args := m.Called(ctx, id, result)
	return args.Error(0)
}

func (m *mockStore) CreateSpeechResult(ctx context.Context, sr *model.SpeechResult) error {
	args := m.Called(ctx, sr)
	return args.Error(0)
}

func (m *mockStore) GetSpeechResultByID(ctx context.Context, id string) (*model.SpeechResult, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SpeechResult), args.Error(1)
}

func (m *mockStore) TransitionSpeechResult(ctx context.Context, id string, from, to model.Status) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *mockStore) CompleteSpeechResult(ctx context.Context, id string, audioSize int64, audioDuration float64) error {
	args := m.Called(ctx, id, audioSize, audioDuration)
	return args.Error(0)
}

func (m *mockStore) SetSpeechError(ctx context.Context, id, errorText string) error {
	args := m.Called(ctx, id, errorText)
	return args.Error(0)
}

func (m *mockStore) CreateStreamResult(ctx context.Context, sr *model.StreamResult) error {
	args := m.Called(ctx, sr)
	return args.Error(0)
}

func (m *mockStore) GetStreamResultBySpeechID(ctx context.Context, speechResultID string) (*model.StreamResult, error) {
	args := m.Called(ctx, speechResultID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StreamResult), args.Error(1)
}

func (m *mockStore) TransitionStreamResult(ctx context.Context, id string, from, to model.Status) error {
	args := m.Called(ctx, id, from, to)
	return args.Error(0)
}

func (m *mockStore) CompleteStreamResult(ctx context.Context, id, masterPlaylist string, bitrates []int, totalSegments int) error {
	args := m.Called(ctx, id, masterPlaylist, bitrates, totalSegments)
	return args.Error(0)
}

func (m *mockStore) SetStreamError(ctx context.Context, id, errorText string) error {
	args := m.Called(ctx, id, errorText)
	return args.Error(0)
}

type mockObjects struct {
	mock.Mock
}

func (m *mockObjects) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	args := m.Called(ctx, key, body, contentType)
	return args.Error(0)
}

func (m *mockObjects) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type mockScripts struct {
	mock.Mock
}

func (m *mockScripts) GenerateScript(ctx context.Context, requestText string) (string, error) {
	args := m.Called(ctx, requestText)
	return args.String(0), args.Error(1)
}

type mockSynth struct {
	mock.Mock
}

func (m *mockSynth) Synthesize(ctx context.Context, script string) (*speech.SynthesisResult, error) {
	args := m.Called(ctx, script)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*speech.SynthesisResult), args.Error(1)
}

type mockTranscoder struct {
	mock.Mock
}

func (m *mockTranscoder) Transcode(ctx context.Context, inputPath string, bitrates []int) (*transcode.Result, error) {
	args := m.Called(ctx, inputPath, bitrates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*transcode.Result), args.Error(1)
}

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) PublishJob(kind queue.StageKind, job interface{}) error {
	args := m.Called(kind, job)
	return args.Error(0)
}

// recordingEvents captures published events in order.
type recordingEvents struct {
	mu     sync.Mutex
	events []notify.ProgressEvent
}

func (r *recordingEvents) Publish(_ context.Context, event notify.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) find(kind notify.Kind, status string) *notify.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].Kind == kind && r.events[i].Payload["status"] == status {
			return &r.events[i]
		}
	}
	return nil
}

// sequence renders the published events as kind[:source]:status tags,
// in publish order.
func (r *recordingEvents) sequence() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		tag := string(event.Kind)
		if source, ok := event.Payload["source"].(string); ok {
			tag += ":" + source
		}
		if status, ok := event.Payload["status"].(string); ok {
			tag += ":" + status
		}
		out = append(out, tag)
	}
	return out
}

// assertSubsequence checks that want appears in got, in order, with
// other events allowed in between.
func assertSubsequence(t *testing.T, got, want []string) {
	t.Helper()

	next := 0
	for _, tag := range got {
		if next < len(want) && tag == want[next] {
			next++
		}
	}
	if next != len(want) {
		t.Fatalf("event sequence missing %q: got %v", want[next], got)
	}
}

type fixture struct {
	store      *mockStore
	objects    *mockObjects
	scripts    *mockScripts
	synth      *mockSynth
	transcoder *mockTranscoder
	jobs       *mockJobs
	events     *recordingEvents
	processor  *Processor
}

func newFixture() *fixture {
	f := &fixture{
		store:      &mockStore{},
		objects:    &mockObjects{},
		scripts:    &mockScripts{},
		synth:      &mockSynth{},
		transcoder: &mockTranscoder{},
		jobs:       &mockJobs{},
		events:     &recordingEvents{},
	}
	f.processor = NewProcessor(f.store, f.objects, f.scripts, f.synth, f.transcoder, f.jobs, f.events)
	// Single attempt with no backoff keeps failure tests fast
	f.processor.retry = &resilience.RetryConfig{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1.0,
	}
	return f
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// ---- script stage ----

func TestHandleScriptCreatesResultAndEnqueuesSpeech(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.scripts.On("GenerateScript", mock.Anything, "a podcast about whales").
		Return("Whales are giants of the deep. [SCRIPT_COMPLETE]", nil)

	var createdID string
	f.store.On("CreateSpeechResult", mock.Anything, mock.MatchedBy(func(sr *model.SpeechResult) bool {
		createdID = sr.ID
		return sr.TaskID == "task1" &&
			sr.Script == "Whales are giants of the deep." &&
			sr.Status == model.StatusPending &&
			sr.AudioKey == model.AudioObjectKey("task1", sr.ID)
	})).Return(nil)

	f.jobs.On("PublishJob", queue.StageSpeech, mock.MatchedBy(func(job interface{}) bool {
		sj, ok := job.(queue.SpeechJob)
		return ok && sj.TaskID == "task1" && sj.SpeechResultID == createdID
	})).Return(nil)

	job := queue.ScriptJob{TaskID: "task1", UserID: "user1", RequestText: "a podcast about whales"}
	err := f.processor.HandleScript(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertExpectations(t)
	f.jobs.AssertExpectations(t)
	assert.NotNil(t, f.events.find(notify.KindTaskStatus, "processing"))
	assert.NotNil(t, f.events.find(notify.KindStageProgress, "completed"))
}

func TestHandleScriptGenerationFailureFailsTask(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.scripts.On("GenerateScript", mock.Anything, mock.Anything).
		Return("", errors.New("model overloaded"))
	f.store.On("SetTaskError", mock.Anything, "task1", mock.MatchedBy(func(reason string) bool {
		return reason != ""
	})).Return(nil)
	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusProcessing, model.StatusFailed).Return(nil)

	job := queue.ScriptJob{TaskID: "task1", UserID: "user1", RequestText: "anything"}
	err := f.processor.HandleScript(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertExpectations(t)
	f.store.AssertNotCalled(t, "CreateSpeechResult", mock.Anything, mock.Anything)
	f.jobs.AssertNotCalled(t, "PublishJob", mock.Anything, mock.Anything)
	assert.NotNil(t, f.events.find(notify.KindTaskStatus, "failed"))
}

func TestHandleScriptReplayIsNoOp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	conflict := fmt.Errorf("%w: tasks row task1 is %q", storage.ErrConflict, "processing")
	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusPending, model.StatusProcessing).Return(conflict)

	job := queue.ScriptJob{TaskID: "task1", UserID: "user1", RequestText: "anything"}
	err := f.processor.HandleScript(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.scripts.AssertNotCalled(t, "GenerateScript", mock.Anything, mock.Anything)
	f.jobs.AssertNotCalled(t, "PublishJob", mock.Anything, mock.Anything)
}

func TestHandleScriptInfraErrorRequeues(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusPending, model.StatusProcessing).
		Return(errors.New("connection refused"))

	job := queue.ScriptJob{TaskID: "task1", UserID: "user1", RequestText: "anything"}
	err := f.processor.HandleScript(ctx, mustMarshal(t, job))

	assert.Error(t, err)
}

func TestHandleScriptMalformedPayloadIsDropped(t *testing.T) {
	f := newFixture()

	err := f.processor.HandleScript(context.Background(), []byte("{not json"))

	require.NoError(t, err)
	f.store.AssertNotCalled(t, "TransitionTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ---- speech stage ----

func pendingSpeechResult(taskID, id string) *model.SpeechResult {
	return &model.SpeechResult{
		ID:        id,
		TaskID:    taskID,
		RawScript: "raw",
		Script:    "Welcome to the show.",
		AudioKey:  model.AudioObjectKey(taskID, id),
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestHandleSpeechCompletesTaskAndEnqueuesStream(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")
	audio := []byte("RIFF....WAVEfmt")

	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.synth.On("Synthesize", mock.Anything, sr.Script).
		Return(&speech.SynthesisResult{AudioContent: audio, DurationSeconds: 42.5}, nil)
	f.objects.On("Put", mock.Anything, sr.AudioKey, mock.Anything, "audio/wav").Return(nil)
	f.store.On("CompleteSpeechResult", mock.Anything, "sr1", int64(len(audio)), 42.5).Return(nil)
	f.store.On("SetTaskFinalResult", mock.Anything, "task1", mock.MatchedBy(func(result model.JSONB) bool {
		return result["audio_key"] == sr.AudioKey && result["speech_result_id"] == "sr1"
	})).Return(nil)
	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusProcessing, model.StatusCompleted).Return(nil)
	f.store.On("CreateStreamResult", mock.Anything, mock.MatchedBy(func(stream *model.StreamResult) bool {
		return stream.SpeechResultID == "sr1" &&
			stream.TaskID == "task1" &&
			stream.Status == model.StatusPending &&
			stream.Folder == model.StreamFolder(stream.ID)
	})).Return(nil)
	f.jobs.On("PublishJob", queue.StageStream, mock.MatchedBy(func(job interface{}) bool {
		sj, ok := job.(queue.StreamJob)
		return ok && sj.TaskID == "task1" && sj.SpeechResultID == "sr1"
	})).Return(nil)

	job := queue.SpeechJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleSpeech(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertExpectations(t)
	f.jobs.AssertExpectations(t)
	assertSubsequence(t, f.events.sequence(), []string{
		"stream_progress_update:audio:processing",
		"stream_progress_update:audio:completed",
		"task_status_update:completed",
	})
}

func TestHandleSpeechSynthesisFailureFailsTask(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")

	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.synth.On("Synthesize", mock.Anything, mock.Anything).
		Return(nil, errors.New("tts backend unavailable"))
	f.store.On("SetSpeechError", mock.Anything, "sr1", mock.Anything).Return(nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusProcessing, model.StatusFailed).Return(nil)
	f.store.On("SetTaskError", mock.Anything, "task1", mock.Anything).Return(nil)
	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusProcessing, model.StatusFailed).Return(nil)

	job := queue.SpeechJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleSpeech(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertExpectations(t)
	f.store.AssertNotCalled(t, "CreateStreamResult", mock.Anything, mock.Anything)
	f.jobs.AssertNotCalled(t, "PublishJob", mock.Anything, mock.Anything)
	f.objects.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assertSubsequence(t, f.events.sequence(), []string{
		"stream_progress_update:audio:failed",
		"task_status_update:failed",
	})
}

func TestHandleSpeechUploadFailureFailsTask(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")

	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.synth.On("Synthesize", mock.Anything, mock.Anything).
		Return(&speech.SynthesisResult{AudioContent: []byte("audio"), DurationSeconds: 5}, nil)
	f.objects.On("Put", mock.Anything, sr.AudioKey, mock.Anything, "audio/wav").
		Return(errors.New("bucket unreachable"))
	f.store.On("SetSpeechError", mock.Anything, "sr1", mock.Anything).Return(nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusProcessing, model.StatusFailed).Return(nil)
	f.store.On("SetTaskError", mock.Anything, "task1", mock.Anything).Return(nil)
	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusProcessing, model.StatusFailed).Return(nil)

	job := queue.SpeechJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleSpeech(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertNotCalled(t, "CompleteSpeechResult", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleSpeechReplayIsNoOp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")
	sr.Status = model.StatusCompleted

	conflict := fmt.Errorf("%w: speech_results row sr1 is %q", storage.ErrConflict, "completed")
	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusPending, model.StatusProcessing).Return(conflict)

	job := queue.SpeechJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleSpeech(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.synth.AssertNotCalled(t, "Synthesize", mock.Anything, mock.Anything)
}

// ---- stream stage ----

func pendingStreamResult(taskID, speechResultID, id string) *model.StreamResult {
	return &model.StreamResult{
		ID:             id,
		SpeechResultID: speechResultID,
		TaskID:         taskID,
		Folder:         model.StreamFolder(id),
		Status:         model.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

func twoRenditionResult() *transcode.Result {
	return &transcode.Result{
		MasterPlaylist: []byte("#EXTM3U\n"),
		Renditions: []transcode.Rendition{
			{
				Bitrate:  64,
				Playlist: []byte("#EXTM3U\n64"),
				Segments: []transcode.Segment{
					{Name: "segment_000.ts", Data: []byte("a")},
					{Name: "segment_001.ts", Data: []byte("b")},
				},
			},
			{
				Bitrate:  128,
				Playlist: []byte("#EXTM3U\n128"),
				Segments: []transcode.Segment{
					{Name: "segment_000.ts", Data: []byte("c")},
					{Name: "segment_001.ts", Data: []byte("d")},
				},
			},
		},
		TotalSegments:   4,
		DurationSeconds: 37.2,
	}
}

func TestHandleStreamUploadsRenditionSet(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")
	stream := pendingStreamResult("task1", "sr1", "st1")

	f.store.On("GetStreamResultBySpeechID", mock.Anything, "sr1").Return(stream, nil)
	f.store.On("TransitionStreamResult", mock.Anything, "st1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.objects.On("Get", mock.Anything, sr.AudioKey).Return([]byte("RIFF audio"), nil)
	f.transcoder.On("Transcode", mock.Anything, mock.Anything, transcode.DefaultBitrates).
		Return(twoRenditionResult(), nil)

	var uploaded []string
	f.objects.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			uploaded = append(uploaded, args.String(1))
		}).Return(nil)

	f.store.On("CompleteStreamResult", mock.Anything, "st1", "hls_st1/master.m3u8", []int{64, 128}, 4).Return(nil)

	job := queue.StreamJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleStream(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertExpectations(t)
	assert.Contains(t, uploaded, "hls_st1/master.m3u8")
	assert.Contains(t, uploaded, "hls_st1/64k/playlist.m3u8")
	assert.Contains(t, uploaded, "hls_st1/64k/segment_001.ts")
	assert.Contains(t, uploaded, "hls_st1/128k/playlist.m3u8")
	assert.Contains(t, uploaded, "hls_st1/128k/segment_000.ts")
	assert.Len(t, uploaded, 7)

	event := f.events.find(notify.KindStreamProgress, "completed")
	require.NotNil(t, event)
	assert.Equal(t, "hls", event.Payload["source"])
	assert.Equal(t, 4, event.Payload["total_segments"])
}

func TestHandleStreamTotalFailureLeavesTaskCompleted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")
	stream := pendingStreamResult("task1", "sr1", "st1")

	f.store.On("GetStreamResultBySpeechID", mock.Anything, "sr1").Return(stream, nil)
	f.store.On("TransitionStreamResult", mock.Anything, "st1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.objects.On("Get", mock.Anything, sr.AudioKey).Return([]byte("RIFF audio"), nil)
	f.transcoder.On("Transcode", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: encoder exploded", transcode.ErrNoRenditions))
	f.store.On("SetStreamError", mock.Anything, "st1", mock.Anything).Return(nil)
	f.store.On("TransitionStreamResult", mock.Anything, "st1", model.StatusProcessing, model.StatusFailed).Return(nil)

	job := queue.StreamJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleStream(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.store.AssertExpectations(t)
	// the owning task is untouched: its completed status survives
	f.store.AssertNotCalled(t, "TransitionTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "SetTaskError", mock.Anything, mock.Anything, mock.Anything)
	assertSubsequence(t, f.events.sequence(), []string{
		"stream_progress_update:hls:processing",
		"stream_progress_update:hls:failed",
	})
}

func TestHandleStreamDownloadFailureFailsStreamOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")
	stream := pendingStreamResult("task1", "sr1", "st1")

	f.store.On("GetStreamResultBySpeechID", mock.Anything, "sr1").Return(stream, nil)
	f.store.On("TransitionStreamResult", mock.Anything, "st1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.objects.On("Get", mock.Anything, sr.AudioKey).Return(nil, errors.New("object missing"))
	f.store.On("SetStreamError", mock.Anything, "st1", mock.Anything).Return(nil)
	f.store.On("TransitionStreamResult", mock.Anything, "st1", model.StatusProcessing, model.StatusFailed).Return(nil)

	job := queue.StreamJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleStream(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.transcoder.AssertNotCalled(t, "Transcode", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "TransitionTask", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleStreamMissingRowIsDropped(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.On("GetStreamResultBySpeechID", mock.Anything, "sr1").Return(nil, storage.ErrNotFound)

	job := queue.StreamJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	err := f.processor.HandleStream(ctx, mustMarshal(t, job))

	require.NoError(t, err)
	f.transcoder.AssertNotCalled(t, "Transcode", mock.Anything, mock.Anything, mock.Anything)
}

// Runs all three handlers back to back and checks the notification
// order clients rely on: the task completes as soon as audio exists,
// and the stream finishing arrives after that.
func TestPipelineEventOrderAcrossStages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sr := pendingSpeechResult("task1", "sr1")
	stream := pendingStreamResult("task1", "sr1", "st1")
	audio := []byte("RIFF audio")

	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.scripts.On("GenerateScript", mock.Anything, mock.Anything).Return("Welcome to the show.", nil)
	f.store.On("CreateSpeechResult", mock.Anything, mock.Anything).Return(nil)
	f.jobs.On("PublishJob", mock.Anything, mock.Anything).Return(nil)

	f.store.On("GetSpeechResultByID", mock.Anything, "sr1").Return(sr, nil)
	f.store.On("TransitionSpeechResult", mock.Anything, "sr1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.synth.On("Synthesize", mock.Anything, mock.Anything).
		Return(&speech.SynthesisResult{AudioContent: audio, DurationSeconds: 12}, nil)
	f.objects.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.store.On("CompleteSpeechResult", mock.Anything, "sr1", mock.Anything, mock.Anything).Return(nil)
	f.store.On("SetTaskFinalResult", mock.Anything, "task1", mock.Anything).Return(nil)
	f.store.On("TransitionTask", mock.Anything, "task1", model.StatusProcessing, model.StatusCompleted).Return(nil)
	f.store.On("CreateStreamResult", mock.Anything, mock.Anything).Return(nil)

	f.store.On("GetStreamResultBySpeechID", mock.Anything, "sr1").Return(stream, nil)
	f.store.On("TransitionStreamResult", mock.Anything, "st1", model.StatusPending, model.StatusProcessing).Return(nil)
	f.objects.On("Get", mock.Anything, sr.AudioKey).Return(audio, nil)
	f.transcoder.On("Transcode", mock.Anything, mock.Anything, mock.Anything).Return(twoRenditionResult(), nil)
	f.store.On("CompleteStreamResult", mock.Anything, "st1", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	scriptJob := queue.ScriptJob{TaskID: "task1", UserID: "user1", RequestText: "tides"}
	speechJob := queue.SpeechJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}
	streamJob := queue.StreamJob{TaskID: "task1", UserID: "user1", SpeechResultID: "sr1"}

	require.NoError(t, f.processor.HandleScript(ctx, mustMarshal(t, scriptJob)))
	require.NoError(t, f.processor.HandleSpeech(ctx, mustMarshal(t, speechJob)))
	require.NoError(t, f.processor.HandleStream(ctx, mustMarshal(t, streamJob)))

	assertSubsequence(t, f.events.sequence(), []string{
		"task_status_update:processing",
		"stage_progress_update:completed",
		"stream_progress_update:audio:completed",
		"task_status_update:completed",
		"stream_progress_update:hls:completed",
	})
}

func TestHandlerForCoversEveryStage(t *testing.T) {
	f := newFixture()

	for _, kind := range []queue.StageKind{queue.StageScript, queue.StageSpeech, queue.StageStream} {
		handler, err := f.processor.HandlerFor(kind)
		require.NoError(t, err)
		assert.NotNil(t, handler)
	}

	_, err := f.processor.HandlerFor(queue.StageKind(99))
	assert.Error(t, err)
}
