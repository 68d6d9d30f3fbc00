// Package logging builds the zap loggers used across istabot. Libraries
// receive a logger by handle; nothing logs through a package-level global.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New constructs a logger from the configured level and encoding.
// Level accepts zap's names (debug, info, warn, error); encoding is
// "console" or "json".
func New(level, encoding string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = encoding
	cfg.DisableStacktrace = true
	if encoding == "console" {
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Nop returns a logger that discards everything. Library constructors
// default to it so tests stay quiet.
func Nop() *zap.Logger {
	return zap.NewNop()
}
