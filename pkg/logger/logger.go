package logger

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/instill-ai/consultation-backend/config"
)

var once sync.Once
var core zapcore.Core

// GetZapLogger returns a zap logger bound to the span carried by ctx. All
// loggers share one core: debug and info entries go to stdout, warn and above
// go to stderr. Debug entries are only emitted when the server runs in debug
// mode.
func GetZapLogger(ctx context.Context) (*zap.Logger, error) {
	once.Do(func() {
		core = newCore(config.Config.Server.Debug)
	})

	logger := zap.New(core).WithOptions(
		zap.Hooks(spanHook(ctx)),
		zap.AddCaller(),
	)

	return logger, nil
}

func newCore(debug bool) zapcore.Core {
	stdoutLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level == zapcore.InfoLevel
	})
	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		stdoutLevel = func(level zapcore.Level) bool {
			return level == zapcore.DebugLevel || level == zapcore.InfoLevel
		}
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	stderrLevel := zap.LevelEnablerFunc(func(level zapcore.Level) bool {
		return level >= zapcore.WarnLevel
	})

	return zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), stdoutLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), stderrLevel),
	)
}

// spanHook records every log entry as an event of the span in ctx and marks
// the span as errored for error entries.
func spanHook(ctx context.Context) func(zapcore.Entry) error {
	return func(entry zapcore.Entry) error {
		span := trace.SpanFromContext(ctx)
		if !span.IsRecording() {
			return nil
		}

		span.AddEvent("log", trace.WithAttributes(
			attribute.String("log.severity", entry.Level.String()),
			attribute.String("log.message", entry.Message),
		))

		if entry.Level >= zap.ErrorLevel {
			span.SetStatus(codes.Error, entry.Message)
		}
		return nil
	}
}
