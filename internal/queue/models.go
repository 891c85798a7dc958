package queue

import (
	"fmt"
	"time"
)

// StageKind identifies one unit of the production pipeline. A closed
// enum with an exhaustive queue mapping, rather than string matching on
// handler names.
type StageKind int

const (
	StageScript StageKind = iota
	StageSpeech
	StageStream
)

const ExchangeName = "podforge"

const (
	QueueScript = "stage_script"
	QueueSpeech = "stage_speech"
	QueueStream = "stage_stream"
)

// QueueName maps a stage to its dedicated queue.
func (k StageKind) QueueName() (string, error) {
	switch k {
	case StageScript:
		return QueueScript, nil
	case StageSpeech:
		return QueueSpeech, nil
	case StageStream:
		return QueueStream, nil
	default:
		return "", fmt.Errorf("unknown stage kind: %d", k)
	}
}

func (k StageKind) String() string {
	switch k {
	case StageScript:
		return "script"
	case StageSpeech:
		return "speech"
	case StageStream:
		return "stream"
	default:
		return "unknown"
	}
}

// AllQueues lists every stage queue, for declaration at startup.
func AllQueues() []string {
	return []string{QueueScript, QueueSpeech, QueueStream}
}

// ScriptJob starts the pipeline for a freshly created task.
type ScriptJob struct {
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	RequestText string    `json:"request_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// SpeechJob renders the stored script of one speech result to audio.
type SpeechJob struct {
	TaskID         string    `json:"task_id"`
	UserID         string    `json:"user_id"`
	SpeechResultID string    `json:"speech_result_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// StreamJob converts a completed speech result into an HLS rendition set.
type StreamJob struct {
	TaskID         string    `json:"task_id"`
	UserID         string    `json:"user_id"`
	SpeechResultID string    `json:"speech_result_id"`
	CreatedAt      time.Time `json:"created_at"`
}
