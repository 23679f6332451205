package logging

import (
	"context"
	"testing"

	"github.com/FairForge/replisync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := LoggerConfig{}
		require.NoError(t, cfg.Validate())
		cfg.ApplyDefaults()
		assert.Equal(t, LevelInfo, cfg.Level)
		assert.Equal(t, FormatJSON, cfg.Format)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		cfg := LoggerConfig{Level: "verbose"}
		err := cfg.Validate()
		assert.True(t, common.IsValidation(err))
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		cfg := LoggerConfig{Format: "xml"}
		assert.Error(t, cfg.Validate())
	})
}

func TestNew(t *testing.T) {
	logger, err := New(LoggerConfig{Level: LevelDebug, Format: FormatConsole, Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = New(LoggerConfig{Level: LevelWarn})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := context.WithValue(context.Background(), common.RequestIDKey, "req-1")
	ctx = context.WithValue(ctx, common.ReplicaKey, "kv")

	FromContext(ctx, base).Info("reconciling")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "kv", fields["replica"])

	assert.NotNil(t, FromContext(context.Background(), nil))
}
