// Package logging builds the process zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfig returns the base zap configuration: JSON to stdout,
// errors to stderr, ISO-8601 timestamps.
func DefaultConfig() zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	return cfg
}

// New builds a logger at level ("debug", "info", "warn", "error") with
// encoding "json" or "console". Extra output paths (log files) are
// added next to stdout; when they cannot be opened the logger falls
// back to stdout only.
func New(level, encoding string, outputPaths ...string) (*zap.Logger, error) {
	cfg := DefaultConfig()

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	switch encoding {
	case "", "json":
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("invalid log encoding %q", encoding)
	}

	cfg.OutputPaths = append(cfg.OutputPaths, outputPaths...)

	logger, err := cfg.Build()
	if err != nil {
		cfg.OutputPaths = []string{"stdout"}
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("building fallback logger: %w", err)
		}
		logger.Warn("log file unavailable, logging to stdout only", zap.Strings("paths", outputPaths))
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// ShortID truncates a session token for log and audit output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
