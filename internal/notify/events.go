package notify

import (
	"time"

	"podforge/pkg/model"
)

// Kind discriminates live-channel message types.
type Kind string

const (
	KindTaskStatus     Kind = "task_status_update"
	KindStageProgress  Kind = "stage_progress_update"
	KindStreamProgress Kind = "stream_progress_update"
)

// ProgressEvent is a transient notification about one task, scoped to
// its owning user. It only ever lives on the wire; nothing persists it.
type ProgressEvent struct {
	Kind      Kind                   `json:"type"`
	TaskID    string                 `json:"task_id"`
	UserID    string                 `json:"user_id"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewTaskStatusEvent reports a task status change. errorText is
// attached verbatim when non-empty.
func NewTaskStatusEvent(taskID, userID string, status model.Status, errorText string) ProgressEvent {
	payload := map[string]interface{}{
		"status": string(status),
	}
	if errorText != "" {
		payload["error_message"] = errorText
	}

	return ProgressEvent{
		Kind:      KindTaskStatus,
		TaskID:    taskID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewStageProgressEvent reports progress of one pipeline stage.
func NewStageProgressEvent(taskID, userID, stage string, status model.Status) ProgressEvent {
	return ProgressEvent{
		Kind:   KindStageProgress,
		TaskID: taskID,
		UserID: userID,
		Payload: map[string]interface{}{
			"stage":  stage,
			"status": string(status),
		},
		Timestamp: time.Now().UTC(),
	}
}

// Stream-progress sources: the audio rendering step and the HLS
// conversion derived from it.
const (
	SourceAudio = "audio"
	SourceHLS   = "hls"
)

// NewStreamProgressEvent reports progress of one stream-production
// step, with free-form detail fields.
func NewStreamProgressEvent(taskID, userID, source string, status model.Status, detail map[string]interface{}) ProgressEvent {
	payload := map[string]interface{}{
		"source": source,
		"status": string(status),
	}
	for k, v := range detail {
		payload[k] = v
	}

	return ProgressEvent{
		Kind:      KindStreamProgress,
		TaskID:    taskID,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
