// internal/logging/logger.go
package logging

import (
	"context"
	"fmt"

	"github.com/FairForge/replisync/internal/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// LoggerConfig configures a logger
type LoggerConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// Validate checks configuration
func (c *LoggerConfig) Validate() error {
	validLevels := map[string]bool{
		LevelDebug: true, LevelInfo: true, LevelWarn: true, LevelError: true, "": true,
	}
	if !validLevels[c.Level] {
		return common.ErrValidation("logging.level", fmt.Sprintf("invalid level %q", c.Level))
	}
	validFormats := map[string]bool{FormatJSON: true, FormatConsole: true, "": true}
	if !validFormats[c.Format] {
		return common.ErrValidation("logging.format", fmt.Sprintf("invalid format %q", c.Format))
	}
	return nil
}

// ApplyDefaults fills in default values
func (c *LoggerConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = LevelInfo
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
}

// New builds a zap logger from config.
func New(cfg LoggerConfig) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, common.ErrValidation("logging.level", err.Error())
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Format

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// FromContext returns a child logger carrying request-scoped fields.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ctx == nil {
		return logger
	}

	var fields []zap.Field
	if v, ok := ctx.Value(common.RequestIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := ctx.Value(common.ReplicaKey).(string); ok && v != "" {
		fields = append(fields, zap.String("replica", v))
	}
	if v, ok := ctx.Value(common.NodeIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("node_id", v))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
