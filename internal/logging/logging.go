// Package logging adapts go.uber.org/zap to the narrow Logger capability the
// host platform requires of the core: info/warn/debug with structured
// fields, plus With for child loggers, nothing more.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a re-export so callers never need to import zap directly.
type Field = zap.Field

// String, Err and the rest follow zap's constructors; re-exported for
// convenience at call sites across the core.
var (
	String   = zap.String
	Int      = zap.Int
	Uint32   = zap.Uint32
	Err      = zap.Error
	Duration = zap.Duration
	Bool     = zap.Bool
)

// Logger is the capability the core depends on; the host may satisfy it with
// anything, but the shipped implementation is zap-backed.
type Logger interface {
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	With(fields ...Field) Logger
}

type zapLogger struct {
	l *zap.Logger
}

// New builds a production zap logger at the given level ("debug", "info",
// "warn", "error").
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// Sync flushes the underlying zap core; call on shutdown.
func Sync(l Logger) {
	if zl, ok := l.(*zapLogger); ok {
		_ = zl.l.Sync()
	}
}
