package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerParsesLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		l, err := NewLogger(level, "production")
		require.NoError(t, err, level)
		assert.True(t, l.Core().Enabled(zapcore.ErrorLevel), level)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	l, err := NewLogger("nonsense", "production")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLoggerDevelopmentEnvironment(t *testing.T) {
	l, err := NewLogger("debug", "development")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}
