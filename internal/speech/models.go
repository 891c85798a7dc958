package speech

// SynthesisRequest is the payload for starting a synthesis operation.
type SynthesisRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate_hertz"`
}

// OperationResponse is the envelope of the start and poll endpoints.
type OperationResponse struct {
	ID       string           `json:"id"`
	Done     bool             `json:"done"`
	Error    *OperationError  `json:"error,omitempty"`
	Response *SynthesisResult `json:"response,omitempty"`
}

type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SynthesisResult is the finished audio: bytes plus the duration the
// backend measured while rendering.
type SynthesisResult struct {
	AudioContent    []byte  `json:"audio_content"`
	DurationSeconds float64 `json:"duration_seconds"`
}
