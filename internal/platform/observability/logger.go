package observability

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/requestctx"
)

// cloudSeverity maps zap levels onto the Cloud Logging severity names.
var cloudSeverity = map[zapcore.Level]string{
	zapcore.DebugLevel:  "DEBUG",
	zapcore.InfoLevel:   "INFO",
	zapcore.WarnLevel:   "WARNING",
	zapcore.ErrorLevel:  "ERROR",
	zapcore.DPanicLevel: "CRITICAL",
	zapcore.PanicLevel:  "ALERT",
	zapcore.FatalLevel:  "EMERGENCY",
}

// NewLogger builds the process logger: JSON on stdout with the field names Cloud Logging
// parses. Unknown or empty levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "severity"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncoderConfig.EncodeLevel = encodeSeverity
	cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return cfg.Build()
}

func encodeSeverity(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if name, ok := cloudSeverity[level]; ok {
		enc.AppendString(name)
		return
	}
	enc.AppendString("DEFAULT")
}

// WithLogger stores logger on ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger adapts zap onto the event-style logger the services take. Request-scoped fields
// win when the context carries a request logger. An error value, or an "error" key, raises
// the entry to warn.
func EventLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := base
		if scoped, ok := requestctx.ScopedLogger(ctx); ok {
			logger = scoped.Named(base.Name())
		}

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		slices.Sort(keys)

		level := zapcore.InfoLevel
		out := make([]zap.Field, 0, len(keys)+1)
		out = append(out, zap.String("event", event))
		for _, key := range keys {
			switch value := fields[key].(type) {
			case error:
				level = zapcore.WarnLevel
				out = append(out, zap.NamedError(key, value))
			default:
				if key == "error" {
					level = zapcore.WarnLevel
				}
				out = append(out, zap.Any(key, value))
			}
		}
		if ce := logger.Check(level, event); ce != nil {
			ce.Write(out...)
		}
	}
}

// PrintfAdapter feeds printf-style callers, such as the idempotency middleware, into zap at
// warn level. Those callers only report failures.
type PrintfAdapter struct {
	logger *zap.SugaredLogger
}

// NewPrintfAdapter wraps logger; nil discards.
func NewPrintfAdapter(logger *zap.Logger) PrintfAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return PrintfAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a PrintfAdapter) Printf(format string, args ...any) {
	a.logger.Warnf(format, args...)
}
