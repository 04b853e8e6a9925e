// Package logging wires up the process-wide structured logger.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger at the given level ("debug", "info", "warn",
// "error"), writing JSON to stdout.
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// WithTrace returns a child logger carrying the trace_id field shared
// across every event emitted while handling one inbound update.
func WithTrace(l *zap.Logger, traceID string) *zap.Logger {
	return l.With(zap.String("trace_id", traceID))
}

// WithBotUser returns a child logger carrying bot_id/user_id, the tenant
// scope every event in this runtime must carry.
func WithBotUser(l *zap.Logger, botID string, userID int64) *zap.Logger {
	return l.With(zap.String("bot_id", botID), zap.Int64("user_id", userID))
}
