// Package logging defines the structured Logger interface used throughout
// the pipeline and a production backend implemented over go.uber.org/zap,
// matching the shape of the framework this project grew out of
// (core.Logger: Info/Warn/Error/Debug, With, context-aware
// variants) while never falling back to the standard library's log package.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface every component depends on.
// Components never reach for a package-level logger; one is always passed
// in at construction.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})

	With(fields map[string]interface{}) Logger
}

// ZapLogger adapts *zap.Logger to the Logger interface.
type ZapLogger struct {
	z *zap.Logger
}

// New builds a production Logger. dev=true uses a human-readable console
// encoder (local development); dev=false uses JSON (production).
func New(dev bool) (*ZapLogger, error) {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{z: z}, nil
}

// NoOp returns a Logger that discards everything; used in tests that don't
// care about log output.
func NoOp() Logger { return &ZapLogger{z: zap.NewNop()} }

func fieldsToZap(fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.z.Debug(msg, fieldsToZap(fields)...)
}
func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.z.Info(msg, fieldsToZap(fields)...)
}
func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.z.Warn(msg, fieldsToZap(fields)...)
}
func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.z.Error(msg, fieldsToZap(fields)...)
}

func (l *ZapLogger) DebugContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}
func (l *ZapLogger) InfoContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}
func (l *ZapLogger) WarnContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}
func (l *ZapLogger) ErrorContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}

func (l *ZapLogger) With(fields map[string]interface{}) Logger {
	return &ZapLogger{z: l.z.With(fieldsToZap(fields)...)}
}

// Sync flushes buffered log entries; call on process shutdown.
func (l *ZapLogger) Sync() error { return l.z.Sync() }
