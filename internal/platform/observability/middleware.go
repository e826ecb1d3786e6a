package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/requestctx"
)

const (
	unmatchedRoute = "unmatched"
	// replayHeader is set by the idempotency middleware on replayed submits.
	replayHeader = "Idempotent-Replayed"
)

// Probe and scrape endpoints only log failures.
var quietRoutes = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// InjectLoggerMiddleware scopes logger to every request.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

// RequestLoggerMiddleware writes one access log line per request with the shopper kind, the
// matched route and whatever the handler annotated (checkout id, status, error code). It also
// names the server span after the route once chi has matched it.
func RequestLoggerMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, _ := requestctx.Trace(ctx)
			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", cleanLabel(r.Method, 10)),
				zap.String("path", cleanLabel(r.URL.Path, 180)),
				zap.String("trace_id", info.TraceID),
			)
			if resource := traceResource(projectID, info); resource != "" {
				logger = logger.With(zap.String("logging.googleapis.com/trace", resource))
			}
			if ip := remoteHost(r); ip != "" {
				logger = logger.With(zap.String("remote_ip", ip))
			}

			ctx, notes := requestctx.WithAnnotations(requestctx.WithLogger(ctx, logger))
			r = r.WithContext(ctx)
			recorder := newResponseRecorder(w)
			start := time.Now()

			completed := false
			defer func() {
				status := recorder.Status()
				if !completed && status < http.StatusInternalServerError {
					// a panic is unwinding through here
					status = http.StatusInternalServerError
				}
				route := routeLabel(r)
				finishSpan(trace.SpanFromContext(ctx), r.Method, route, status)

				fields := append([]zap.Field{
					zap.String("route", route),
					zap.String("shopper", shopperKind(r)),
					zap.Int("status", status),
					zap.Duration("latency", time.Since(start)),
					zap.Int64("bytes", recorder.BytesWritten()),
				}, notes.Fields()...)
				if recorder.Header().Get(replayHeader) != "" {
					fields = append(fields, zap.Bool("idempotent_replay", true))
				}
				level := completionLevel(status)
				if level < zapcore.WarnLevel && quietRoutes[r.URL.Path] {
					return
				}
				if ce := logger.Check(level, "request completed"); ce != nil {
					ce.Write(fields...)
				}
			}()

			next.ServeHTTP(recorder, r)
			completed = true
		})
	}
}

// RecoveryMiddleware turns a panic into a 500 envelope. When the handler already started the
// response, as event streams do, the connection is left to close instead.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tracked := &headerTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger, ok := requestctx.ScopedLogger(r.Context())
				if !ok {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("route", routeLabel(r)),
					zap.ByteString("stack", debug.Stack()),
				)
				if tracked.started {
					return
				}
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(tracked, r)
		})
	}
}

func completionLevel(status int) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func finishSpan(span trace.Span, method, route string, status int) {
	if !span.IsRecording() {
		return
	}
	if route != unmatchedRoute {
		span.SetName(method + " " + route)
		span.SetAttributes(semconv.HTTPRoute(route))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}

func shopperKind(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	switch {
	case !ok:
		return "anonymous"
	case identity.IsGuest():
		return "guest"
	default:
		return "user"
	}
}

// routeLabel is the chi pattern that served r. Unmatched paths share one label so metrics stay bounded.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return cleanLabel(pattern, 180)
		}
	}
	return unmatchedRoute
}

func remoteHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return cleanLabel(addr, 64)
}

func traceResource(projectID string, info requestctx.TraceInfo) string {
	if projectID == "" || info.TraceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", projectID, info.TraceID)
}

// cleanLabel strips control characters and caps the rune count so request data cannot forge log lines.
func cleanLabel(value string, limit int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
	if runes := []rune(cleaned); len(runes) > limit {
		cleaned = string(runes[:limit])
	}
	return cleaned
}

type headerTracker struct {
	http.ResponseWriter
	started bool
}

func (t *headerTracker) WriteHeader(status int) {
	t.started = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *headerTracker) Write(b []byte) (int, error) {
	t.started = true
	return t.ResponseWriter.Write(b)
}

func (t *headerTracker) Flush() {
	if flusher, ok := t.ResponseWriter.(http.Flusher); ok {
		t.started = true
		flusher.Flush()
	}
}

func (t *headerTracker) Unwrap() http.ResponseWriter { return t.ResponseWriter }

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newResponseRecorder(w http.ResponseWriter) *responseRecorder {
	return &responseRecorder{ResponseWriter: w}
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Status is the status sent, or 200 when the handler wrote nothing.
func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) BytesWritten() int64 { return r.bytes }

// Flush keeps server-sent event streams working through the recorder.
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
