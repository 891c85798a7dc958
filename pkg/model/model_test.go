package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCanTransitionTo(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusProcessing))
	assert.True(t, StatusPending.CanTransitionTo(StatusFailed))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusCompleted))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusFailed))

	// terminal states never move again
	assert.False(t, StatusCompleted.CanTransitionTo(StatusProcessing))
	assert.False(t, StatusCompleted.CanTransitionTo(StatusFailed))
	assert.False(t, StatusFailed.CanTransitionTo(StatusPending))
	assert.False(t, StatusFailed.CanTransitionTo(StatusCompleted))

	// no skipping and no regression
	assert.False(t, StatusPending.CanTransitionTo(StatusCompleted))
	assert.False(t, StatusProcessing.CanTransitionTo(StatusPending))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestAudioObjectKey(t *testing.T) {
	key := AudioObjectKey("task1", "result1")
	assert.Equal(t, "task1/result1/audio.wav", key)
}

func TestStreamFolder(t *testing.T) {
	assert.Equal(t, "hls_abc", StreamFolder("abc"))
}

func TestJSONBRoundTrip(t *testing.T) {
	j := JSONB{"bitrates": []interface{}{64.0, 128.0}}

	val, err := j.Value()
	assert.NoError(t, err)

	var out JSONB
	err = out.Scan(val)
	assert.NoError(t, err)
	assert.Equal(t, j, out)
}
