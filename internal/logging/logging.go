// Package logging builds the zap logger used across every core package per
// the "observability seam" design note in §9: the core depends on a logger
// value, never a package-level global.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile zap.Logger at the given LOG_LEVEL
// (ERROR|WARN|INFO|DEBUG, case-insensitive) tagged with nodeID.
func New(nodeID, level string) (*zap.Logger, error) {
	zapLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger.With(zap.String("node_id", nodeID)), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "WARN":
		return zapcore.WarnLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "DEBUG":
		return zapcore.DebugLevel, nil
	default:
		return 0, fmt.Errorf("logging: unknown level %q", level)
	}
}
