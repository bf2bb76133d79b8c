// Package logging builds the process logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger writing to stderr. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var zapConfig zap.Config
	switch format {
	case "json":
		zapConfig = zap.NewProductionConfig()
	case "console", "":
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Development = false
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	zapConfig.DisableStacktrace = lvl > zapcore.DebugLevel
	// Per-event debug logs must not be sampled away.
	if lvl == zapcore.DebugLevel {
		zapConfig.Sampling = nil
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
