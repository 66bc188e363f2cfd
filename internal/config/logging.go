package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the daemon logger: JSON lines with ISO8601 timestamps
// written to the configured output.
func NewLogger(lc LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	if lc.Output != "" {
		config.OutputPaths = []string{lc.Output}
		config.ErrorOutputPaths = []string{lc.Output}
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// MustLogger is NewLogger falling back to a stderr production logger when the
// configured output cannot be opened.
func MustLogger(lc LoggingConfig) *zap.Logger {
	logger, err := NewLogger(lc)
	if err == nil {
		return logger
	}
	logger, _ = zap.NewProduction()
	logger.Warn("falling back to default logger", zap.Error(err))
	return logger
}
