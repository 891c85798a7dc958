package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"podforge/internal/notify"
	"podforge/internal/queue"
	"podforge/internal/scriptgen"
	"podforge/internal/speech"
	"podforge/internal/storage"
	"podforge/internal/transcode"
	"podforge/pkg/logger"
	"podforge/pkg/model"
	"podforge/pkg/resilience"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	contentTypeAudio    = "audio/wav"
	contentTypePlaylist = "application/vnd.apple.mpegurl"
	contentTypeSegment  = "video/mp2t"
)

// Store is the durable state the pipeline reads and writes.
type Store interface {
	TransitionTask(ctx context.Context, id string, from, to model.Status) error
	SetTaskError(ctx context.Context, id, errorText string) error
	SetTaskFinalResult(ctx context.Context, id string, result model.JSONB) error

	CreateSpeechResult(ctx context.Context, sr *model.SpeechResult) error
	GetSpeechResultByID(ctx context.Context, id string) (*model.SpeechResult, error)
	TransitionSpeechResult(ctx context.Context, id string, from, to model.Status) error
	CompleteSpeechResult(ctx context.Context, id string, audioSize int64, audioDuration float64) error
	SetSpeechError(ctx context.Context, id, errorText string) error

	CreateStreamResult(ctx context.Context, sr *model.StreamResult) error
	GetStreamResultBySpeechID(ctx context.Context, speechResultID string) (*model.StreamResult, error)
	TransitionStreamResult(ctx context.Context, id string, from, to model.Status) error
	CompleteStreamResult(ctx context.Context, id, masterPlaylist string, bitrates []int, totalSegments int) error
	SetStreamError(ctx context.Context, id, errorText string) error
}

// ObjectStore holds audio and rendition artifacts.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ScriptGenerator produces a narration script from a request.
type ScriptGenerator interface {
	GenerateScript(ctx context.Context, requestText string) (string, error)
}

// SpeechSynthesizer renders a script to audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, script string) (*speech.SynthesisResult, error)
}

// MediaTranscoder converts an audio file into an HLS rendition set.
type MediaTranscoder interface {
	Transcode(ctx context.Context, inputPath string, bitrates []int) (*transcode.Result, error)
}

// JobPublisher enqueues follow-up stage jobs.
type JobPublisher interface {
	PublishJob(kind queue.StageKind, job interface{}) error
}

// EventPublisher broadcasts progress events to connected clients.
type EventPublisher interface {
	Publish(ctx context.Context, event notify.ProgressEvent)
}

// Processor runs the three pipeline stages. Every handler is idempotent
// under redelivery: the compare-and-set transition at the top of each
// stage turns a replay into a no-op. A handler returns an error only
// for infrastructure failures worth redelivering; business failures are
// recorded in the state rows and acknowledged.
type Processor struct {
	store      Store
	objects    ObjectStore
	scripts    ScriptGenerator
	synth      SpeechSynthesizer
	transcoder MediaTranscoder
	jobs       JobPublisher
	events     EventPublisher

	bitrates     []int
	retry        *resilience.RetryConfig
	synthBreaker *resilience.CircuitBreaker
}

func NewProcessor(
	store Store,
	objects ObjectStore,
	scripts ScriptGenerator,
	synth SpeechSynthesizer,
	transcoder MediaTranscoder,
	jobs JobPublisher,
	events EventPublisher,
) *Processor {
	return &Processor{
		store:        store,
		objects:      objects,
		scripts:      scripts,
		synth:        synth,
		transcoder:   transcoder,
		jobs:         jobs,
		events:       events,
		bitrates:     transcode.DefaultBitrates,
		retry:        resilience.DefaultRetryConfig(),
		synthBreaker: resilience.NewCircuitBreaker(5, 2*time.Minute),
	}
}

// WithBitrates overrides the rendition ladder.
func (p *Processor) WithBitrates(bitrates []int) *Processor {
	if len(bitrates) > 0 {
		p.bitrates = bitrates
	}
	return p
}

// HandlerFor maps a stage to its handler, for wiring consumers.
func (p *Processor) HandlerFor(kind queue.StageKind) (func(context.Context, []byte) error, error) {
	switch kind {
	case queue.StageScript:
		return p.HandleScript, nil
	case queue.StageSpeech:
		return p.HandleSpeech, nil
	case queue.StageStream:
		return p.HandleStream, nil
	default:
		return nil, fmt.Errorf("unknown stage kind: %d", kind)
	}
}

// HandleScript generates the narration script for a new task and hands
// off to the speech stage. A generation failure fails the whole task:
// there is nothing downstream without a script.
func (p *Processor) HandleScript(ctx context.Context, body []byte) error {
	var job queue.ScriptJob
	if err := json.Unmarshal(body, &job); err != nil {
		logger.Error("Dropping malformed script job", zap.Error(err))
		return nil
	}

	if ok, err := p.claimStage(ctx, "script", job.TaskID, func() error {
		return p.store.TransitionTask(ctx, job.TaskID, model.StatusPending, model.StatusProcessing)
	}); !ok {
		return err
	}

	p.events.Publish(ctx, notify.NewTaskStatusEvent(job.TaskID, job.UserID, model.StatusProcessing, ""))
	p.events.Publish(ctx, notify.NewStageProgressEvent(job.TaskID, job.UserID, queue.StageScript.String(), model.StatusProcessing))

	raw, err := p.scripts.GenerateScript(ctx, job.RequestText)
	if err != nil {
		cerr := &CollaboratorError{Collaborator: "scriptgen", Err: err}
		return p.failTask(ctx, job.TaskID, job.UserID, cerr.Error())
	}

	script := scriptgen.CleanScript(raw)
	if script == "" {
		return p.failTask(ctx, job.TaskID, job.UserID, "script generation produced an empty script")
	}

	sr := &model.SpeechResult{
		ID:        uuid.NewString(),
		TaskID:    job.TaskID,
		RawScript: raw,
		Script:    script,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	sr.AudioKey = model.AudioObjectKey(job.TaskID, sr.ID)

	if err := p.store.CreateSpeechResult(ctx, sr); err != nil {
		return fmt.Errorf("failed to persist script: %w", err)
	}

	p.events.Publish(ctx, notify.NewStageProgressEvent(job.TaskID, job.UserID, queue.StageScript.String(), model.StatusCompleted))

	speechJob := queue.SpeechJob{
		TaskID:         job.TaskID,
		UserID:         job.UserID,
		SpeechResultID: sr.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.jobs.PublishJob(queue.StageSpeech, speechJob); err != nil {
		return fmt.Errorf("failed to enqueue speech stage: %w", err)
	}

	logger.Info("Script stage completed",
		zap.String("task_id", job.TaskID),
		zap.String("speech_result_id", sr.ID),
		zap.Int("script_length", len(script)))

	return nil
}

// HandleSpeech synthesizes the stored script to audio, uploads it, and
// completes the task. Stream conversion is enqueued afterwards as a
// best-effort enhancement: the task is already completed when the
// stream job goes out.
func (p *Processor) HandleSpeech(ctx context.Context, body []byte) error {
	var job queue.SpeechJob
	if err := json.Unmarshal(body, &job); err != nil {
		logger.Error("Dropping malformed speech job", zap.Error(err))
		return nil
	}

	sr, err := p.store.GetSpeechResultByID(ctx, job.SpeechResultID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Dropping speech job for missing result",
			zap.String("speech_result_id", job.SpeechResultID))
		return nil
	}
	if err != nil {
		return err
	}

	if ok, err := p.claimStage(ctx, "speech", job.TaskID, func() error {
		return p.store.TransitionSpeechResult(ctx, sr.ID, model.StatusPending, model.StatusProcessing)
	}); !ok {
		return err
	}

	p.events.Publish(ctx, notify.NewStreamProgressEvent(job.TaskID, job.UserID, notify.SourceAudio, model.StatusProcessing, nil))

	var result *speech.SynthesisResult
	err = p.synthBreaker.Execute(func() error {
		var synthErr error
		result, synthErr = p.synth.Synthesize(ctx, sr.Script)
		return synthErr
	})
	if err != nil {
		cerr := &CollaboratorError{Collaborator: "speech", Err: err}
		return p.failSpeech(ctx, &job, cerr.Error())
	}

	err = resilience.RetryWithExponentialBackoff(ctx, p.retry, func() error {
		return p.objects.Put(ctx, sr.AudioKey, bytes.NewReader(result.AudioContent), contentTypeAudio)
	})
	if err != nil {
		return p.failSpeech(ctx, &job, fmt.Sprintf("audio upload failed: %v", err))
	}

	audioSize := int64(len(result.AudioContent))
	if err := p.store.CompleteSpeechResult(ctx, sr.ID, audioSize, result.DurationSeconds); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Speech result already finalized", zap.String("speech_result_id", sr.ID))
			return nil
		}
		return err
	}

	final := model.JSONB{
		"speech_result_id": sr.ID,
		"script":           sr.Script,
		"audio_key":        sr.AudioKey,
		"audio_size":       audioSize,
		"audio_duration":   result.DurationSeconds,
	}
	if err := p.store.SetTaskFinalResult(ctx, job.TaskID, final); err != nil {
		logger.Error("Failed to store final result",
			zap.String("task_id", job.TaskID),
			zap.Error(err))
	}

	err = p.store.TransitionTask(ctx, job.TaskID, model.StatusProcessing, model.StatusCompleted)
	if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	p.events.Publish(ctx, notify.NewStreamProgressEvent(job.TaskID, job.UserID, notify.SourceAudio, model.StatusCompleted, map[string]interface{}{
		"audio_key":      sr.AudioKey,
		"audio_duration": result.DurationSeconds,
	}))
	p.events.Publish(ctx, notify.NewTaskStatusEvent(job.TaskID, job.UserID, model.StatusCompleted, ""))

	stream := &model.StreamResult{
		ID:             uuid.NewString(),
		SpeechResultID: sr.ID,
		TaskID:         job.TaskID,
		Status:         model.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	stream.Folder = model.StreamFolder(stream.ID)

	if err := p.store.CreateStreamResult(ctx, stream); err != nil {
		return fmt.Errorf("failed to create stream result: %w", err)
	}

	streamJob := queue.StreamJob{
		TaskID:         job.TaskID,
		UserID:         job.UserID,
		SpeechResultID: sr.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.jobs.PublishJob(queue.StageStream, streamJob); err != nil {
		return fmt.Errorf("failed to enqueue stream stage: %w", err)
	}

	logger.Info("Speech stage completed",
		zap.String("task_id", job.TaskID),
		zap.String("speech_result_id", sr.ID),
		zap.Int64("audio_size", audioSize),
		zap.Float64("audio_duration", result.DurationSeconds))

	return nil
}

// HandleStream converts the synthesized audio into a multi-bitrate HLS
// set. The owning task is already completed; a failure here fails only
// the stream result, never the task.
func (p *Processor) HandleStream(ctx context.Context, body []byte) error {
	var job queue.StreamJob
	if err := json.Unmarshal(body, &job); err != nil {
		logger.Error("Dropping malformed stream job", zap.Error(err))
		return nil
	}

	stream, err := p.store.GetStreamResultBySpeechID(ctx, job.SpeechResultID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Dropping stream job for missing result",
			zap.String("speech_result_id", job.SpeechResultID))
		return nil
	}
	if err != nil {
		return err
	}

	if ok, err := p.claimStage(ctx, "stream", job.TaskID, func() error {
		return p.store.TransitionStreamResult(ctx, stream.ID, model.StatusPending, model.StatusProcessing)
	}); !ok {
		return err
	}

	p.events.Publish(ctx, notify.NewStreamProgressEvent(job.TaskID, job.UserID, notify.SourceHLS, model.StatusProcessing, nil))

	sr, err := p.store.GetSpeechResultByID(ctx, job.SpeechResultID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.failStream(ctx, &job, stream.ID, "source speech result missing")
	}
	if err != nil {
		return err
	}

	var audio []byte
	err = resilience.RetryWithExponentialBackoff(ctx, p.retry, func() error {
		var getErr error
		audio, getErr = p.objects.Get(ctx, sr.AudioKey)
		return getErr
	})
	if err != nil {
		return p.failStream(ctx, &job, stream.ID, fmt.Sprintf("audio download failed: %v", err))
	}

	inputPath, cleanup, err := writeScratchAudio(audio)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := p.transcoder.Transcode(ctx, inputPath, p.bitrates)
	if err != nil {
		return p.failStream(ctx, &job, stream.ID, fmt.Sprintf("transcode failed: %v", err))
	}

	masterKey := stream.Folder + "/master.m3u8"
	if err := p.uploadRenditionSet(ctx, stream.Folder, masterKey, result); err != nil {
		return p.failStream(ctx, &job, stream.ID, fmt.Sprintf("rendition upload failed: %v", err))
	}

	bitrates := make([]int, 0, len(result.Renditions))
	for _, rendition := range result.Renditions {
		bitrates = append(bitrates, rendition.Bitrate)
	}

	if err := p.store.CompleteStreamResult(ctx, stream.ID, masterKey, bitrates, result.TotalSegments); err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			logger.Warn("Stream result already finalized", zap.String("stream_result_id", stream.ID))
			return nil
		}
		return err
	}

	p.events.Publish(ctx, notify.NewStreamProgressEvent(job.TaskID, job.UserID, notify.SourceHLS, model.StatusCompleted, map[string]interface{}{
		"master_playlist":  masterKey,
		"bitrates":         bitrates,
		"total_segments":   result.TotalSegments,
		"duration_seconds": result.DurationSeconds,
	}))

	logger.Info("Stream stage completed",
		zap.String("task_id", job.TaskID),
		zap.String("stream_result_id", stream.ID),
		zap.Ints("bitrates", bitrates),
		zap.Int("total_segments", result.TotalSegments))

	return nil
}

// claimStage runs the stage's entry transition. Returns false when the
// caller must stop: either the claim lost (replayed delivery, handled
// elsewhere) or the row is gone. Infrastructure errors surface through
// the second return for redelivery.
func (p *Processor) claimStage(_ context.Context, stage, taskID string, transition func() error) (bool, error) {
	err := transition()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrConflict):
		logger.Warn("Skipping replayed stage job",
			zap.String("stage", stage),
			zap.String("task_id", taskID),
			zap.Error(err))
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		logger.Warn("Dropping stage job for missing row",
			zap.String("stage", stage),
			zap.String("task_id", taskID))
		return false, nil
	default:
		return false, err
	}
}

// failTask records a business failure on the task and acknowledges the
// delivery.
func (p *Processor) failTask(ctx context.Context, taskID, userID, reason string) error {
	logger.Warn("Task failed",
		zap.String("task_id", taskID),
		zap.String("reason", reason))

	if err := p.store.SetTaskError(ctx, taskID, reason); err != nil {
		logger.Error("Failed to record task error",
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	err := p.store.TransitionTask(ctx, taskID, model.StatusProcessing, model.StatusFailed)
	if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	p.events.Publish(ctx, notify.NewTaskStatusEvent(taskID, userID, model.StatusFailed, reason))
	return nil
}

// failSpeech fails the speech result and, with it, the task: a podcast
// without audio has nothing to deliver.
func (p *Processor) failSpeech(ctx context.Context, job *queue.SpeechJob, reason string) error {
	if err := p.store.SetSpeechError(ctx, job.SpeechResultID, reason); err != nil {
		logger.Error("Failed to record speech error",
			zap.String("speech_result_id", job.SpeechResultID),
			zap.Error(err))
	}

	err := p.store.TransitionSpeechResult(ctx, job.SpeechResultID, model.StatusProcessing, model.StatusFailed)
	if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	p.events.Publish(ctx, notify.NewStreamProgressEvent(job.TaskID, job.UserID, notify.SourceAudio, model.StatusFailed, map[string]interface{}{
		"error_message": reason,
	}))

	return p.failTask(ctx, job.TaskID, job.UserID, reason)
}

// failStream fails only the stream result. The task keeps its completed
// status: the original audio is still available for direct playback.
func (p *Processor) failStream(ctx context.Context, job *queue.StreamJob, streamID, reason string) error {
	logger.Warn("Stream conversion failed",
		zap.String("task_id", job.TaskID),
		zap.String("stream_result_id", streamID),
		zap.String("reason", reason))

	if err := p.store.SetStreamError(ctx, streamID, reason); err != nil {
		logger.Error("Failed to record stream error",
			zap.String("stream_result_id", streamID),
			zap.Error(err))
	}

	err := p.store.TransitionStreamResult(ctx, streamID, model.StatusProcessing, model.StatusFailed)
	if err != nil && !errors.Is(err, storage.ErrConflict) && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	p.events.Publish(ctx, notify.NewStreamProgressEvent(job.TaskID, job.UserID, notify.SourceHLS, model.StatusFailed, map[string]interface{}{
		"error_message": reason,
	}))

	return nil
}

// uploadRenditionSet pushes the master playlist and every rendition's
// playlist and segments. Each object is retried independently.
func (p *Processor) uploadRenditionSet(ctx context.Context, folder, masterKey string, result *transcode.Result) error {
	put := func(key string, data []byte, contentType string) error {
		return resilience.RetryWithExponentialBackoff(ctx, p.retry, func() error {
			return p.objects.Put(ctx, key, bytes.NewReader(data), contentType)
		})
	}

	for _, rendition := range result.Renditions {
		prefix := fmt.Sprintf("%s/%dk", folder, rendition.Bitrate)

		if err := put(prefix+"/playlist.m3u8", rendition.Playlist, contentTypePlaylist); err != nil {
			return fmt.Errorf("playlist %dk: %w", rendition.Bitrate, err)
		}

		for _, segment := range rendition.Segments {
			if err := put(prefix+"/"+segment.Name, segment.Data, contentTypeSegment); err != nil {
				return fmt.Errorf("segment %s: %w", segment.Name, err)
			}
		}
	}

	if err := put(masterKey, result.MasterPlaylist, contentTypePlaylist); err != nil {
		return fmt.Errorf("master playlist: %w", err)
	}

	return nil
}

// writeScratchAudio lands downloaded audio on disk for the encoder.
func writeScratchAudio(audio []byte) (string, func(), error) {
	tmp, err := os.CreateTemp("", "podforge-audio-*.wav")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create scratch audio file: %w", err)
	}

	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to write scratch audio file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("failed to close scratch audio file: %w", err)
	}

	return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
}
