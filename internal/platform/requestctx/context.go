// Package requestctx carries request-scoped values shared by the HTTP middleware and the
// handlers: the request logger, trace metadata and the fields annotated onto the access log.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type key int

const (
	loggerKey key = iota
	traceKey
	annotationsKey
)

var nop = zap.NewNop()

// TraceInfo is the trace a request belongs to, as continued or started by the trace middleware.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger scopes logger to ctx. A nil logger leaves ctx unchanged.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := ScopedLogger(ctx); ok {
		return logger
	}
	return nop
}

// ScopedLogger reports whether ctx carries a request logger.
func ScopedLogger(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	return logger, ok && logger != nil
}

// WithTrace stores info on ctx.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

// Trace returns the trace stored on ctx.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID is shorthand for Trace(ctx).TraceID.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Annotations collects fields handlers attach to the completion log line of their request.
type Annotations struct {
	mu     sync.Mutex
	fields []zap.Field
}

// WithAnnotations starts an empty annotation set for a request.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	a := &Annotations{}
	return context.WithValue(ctx, annotationsKey, a), a
}

// Annotate records fields for the access log. Without an annotation set it does nothing.
func Annotate(ctx context.Context, fields ...zap.Field) {
	if ctx == nil || len(fields) == 0 {
		return
	}
	a, ok := ctx.Value(annotationsKey).(*Annotations)
	if !ok {
		return
	}
	a.mu.Lock()
	a.fields = append(a.fields, fields...)
	a.mu.Unlock()
}

// Fields returns a copy of the recorded fields.
func (a *Annotations) Fields() []zap.Field {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]zap.Field(nil), a.fields...)
}
