package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitFromEnvDefaultsToDevelopment(t *testing.T) {
	t.Setenv("APP_ENV", "")

	require.NoError(t, InitFromEnv())
	assert.True(t, Logger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitFromEnvProductionDropsDebug(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	require.NoError(t, InitFromEnv())
	assert.False(t, Logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, Logger.Core().Enabled(zapcore.InfoLevel))
}
