package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/giantstar-manager/warudo-cam/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(config.Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	_, err = New(config.Logging{Level: "chatty", Format: "console"})
	require.Error(t, err)

	_, err = New(config.Logging{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestInstallAndOrGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := Install(zap.New(core))
	defer restore()

	OrGlobal(nil, "session").Info("hello")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "session", logs.All()[0].LoggerName)

	own := zap.NewNop()
	assert.Same(t, own, OrGlobal(own, "session"))
}
