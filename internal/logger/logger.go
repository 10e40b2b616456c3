package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shopfront/payplus/internal/config"
)

// New builds the application logger: production JSON encoding, ISO8601
// timestamps, level from LOG_LEVEL, and app/env fields on every entry.
// The result also replaces zap's globals.
func New(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Encoding = "json"
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	logger = logger.With(
		zap.String("app", cfg.AppName),
		zap.String("env", cfg.Environment),
	)

	zap.ReplaceGlobals(logger)
	return logger, nil
}
