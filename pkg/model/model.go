package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Status is the lifecycle state shared by tasks, speech results and
// stream results.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for final states.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving to next is a forward transition.
// Statuses only ever move pending -> processing -> completed|failed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// JSONB represents a JSONB field for PostgreSQL
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Task is one end-to-end podcast production request.
type Task struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	RequestText string     `json:"request_text" db:"request_text"`
	Status      Status     `json:"status" db:"status"`
	ErrorText   *string    `json:"error_text,omitempty" db:"error_text"`
	FinalResult JSONB      `json:"final_result,omitempty" db:"final_result"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SpeechResult is one synthesized narration for a task. A task may
// accumulate several over regenerations; at most one is current per
// pipeline run, and a completed row is never overwritten.
type SpeechResult struct {
	ID            string     `json:"id" db:"id"`
	TaskID        string     `json:"task_id" db:"task_id"`
	RawScript     string     `json:"raw_script" db:"raw_script"`
	Script        string     `json:"script" db:"script"`
	AudioKey      string     `json:"audio_key" db:"audio_key"`
	AudioSize     int64      `json:"audio_size" db:"audio_size"`
	AudioDuration float64    `json:"audio_duration" db:"audio_duration"`
	Status        Status     `json:"status" db:"status"`
	ErrorText     *string    `json:"error_text,omitempty" db:"error_text"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// StreamResult is the adaptive-bitrate rendition set derived from one
// speech result (1:1).
type StreamResult struct {
	ID             string     `json:"id" db:"id"`
	SpeechResultID string     `json:"speech_result_id" db:"speech_result_id"`
	TaskID         string     `json:"task_id" db:"task_id"`
	Folder         string     `json:"folder" db:"folder"`
	MasterPlaylist string     `json:"master_playlist" db:"master_playlist"`
	Bitrates       []int      `json:"bitrates" db:"bitrates"`
	TotalSegments  int        `json:"total_segments" db:"total_segments"`
	Status         Status     `json:"status" db:"status"`
	ErrorText      *string    `json:"error_text,omitempty" db:"error_text"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsCompleted returns true if the task reached a final state.
func (t *Task) IsCompleted() bool {
	return t.Status.IsTerminal()
}

// AudioObjectKey builds the canonical object-store key for a speech
// result's audio.
func AudioObjectKey(taskID, speechResultID string) string {
	return taskID + "/" + speechResultID + "/audio.wav"
}

// StreamFolder builds the object-store prefix for one stream result.
func StreamFolder(streamResultID string) string {
	return "hls_" + streamResultID
}
