// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/giantstar-manager/warudo-cam/internal/config"
)

// New returns a logger for the configured level and format.
func New(cfg config.Logging) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	switch cfg.Format {
	case "json":
		zcfg = zap.NewProductionConfig()
	case "console", "":
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Install swaps the global logger used by zap.L() and returns a func that
// restores the previous one.
func Install(logger *zap.Logger) func() {
	if logger == nil {
		return func() {}
	}
	return zap.ReplaceGlobals(logger)
}

// OrGlobal returns l, or a named child of the global logger when l is nil.
func OrGlobal(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return zap.L().Named(name)
}
