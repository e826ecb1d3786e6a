package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
)

const (
	// DefaultHeader carries the client supplied key.
	DefaultHeader = "Idempotency-Key"
	// ReplayHeader marks a response served from the store.
	ReplayHeader = "Idempotent-Replayed"

	maxKeyLength = 255
)

// Logger receives store failures that do not reach the client.
type Logger interface {
	Printf(format string, args ...any)
}

type middlewareConfig struct {
	header string
	ttl    time.Duration
	clock  func() time.Time
	logger Logger
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the key header.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithLogger injects a printf logger.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware guards a submit style endpoint. A key is scoped to the authenticated owner and
// bound to a fingerprint of the request. Only successful responses are stored, so a rejected
// submit can be fixed and resent under the same key.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{header: DefaultHeader, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" || len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "a valid "+cfg.header+" header is required", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}

			owner := requestOwner(r)
			scoped := owner + "|" + key
			fingerprint := fingerprintOf(r, body)

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
					return
				}
				cfg.logf("idempotency: reserve failed: %v", err)
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}
			switch reservation.State {
			case ReservationStateCompleted:
				replay(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("submit_in_progress", "a request with this idempotency key is still in progress", http.StatusConflict))
				return
			}

			recorder := newBufferedWriter(w)
			next.ServeHTTP(recorder, r)

			if recorder.status() >= http.StatusBadRequest {
				if err := store.Release(ctx, scoped, fingerprint); err != nil {
					cfg.logf("idempotency: release after status %d failed: %v", recorder.status(), err)
				}
			} else {
				resp := Response{Status: recorder.status(), Headers: recorder.header.Clone(), Body: recorder.body.Bytes()}
				if err := store.SaveResponse(ctx, scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
					// the submit already happened, so the response still goes out
					cfg.logf("idempotency: save response failed: %v", err)
					if releaseErr := store.Release(ctx, scoped, fingerprint); releaseErr != nil {
						cfg.logf("idempotency: release after save failure failed: %v", releaseErr)
					}
				}
			}
			if err := recorder.flush(); err != nil {
				cfg.logf("idempotency: write response failed: %v", err)
			}
		})
	}
}

func (cfg middlewareConfig) logf(format string, args ...any) {
	if cfg.logger != nil {
		cfg.logger.Printf(format, args...)
	}
}

func requestOwner(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if owner := identity.Owner(); owner != "" {
			return owner
		}
	}
	return "anonymous"
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func fingerprintOf(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	b.WriteByte('|')
	b.WriteString(r.URL.RawQuery)
	b.WriteByte('|')
	b.WriteString(sha256Hex(body))
	return sha256Hex([]byte(b.String()))
}

func replay(w http.ResponseWriter, record Record) {
	header := w.Header()
	for name, values := range record.ResponseHeaders {
		header[name] = append([]string(nil), values...)
	}
	header.Set(ReplayHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// bufferedWriter holds the handler's response until the store has been updated.
type bufferedWriter struct {
	parent http.ResponseWriter
	header http.Header
	code   int
	body   bytes.Buffer
}

func newBufferedWriter(parent http.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{parent: parent, header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header { return b.header }

func (b *bufferedWriter) WriteHeader(status int) {
	if b.code == 0 {
		b.code = status
	}
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedWriter) flush() error {
	dst := b.parent.Header()
	for name, values := range b.header {
		dst[name] = values
	}
	b.parent.WriteHeader(b.status())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := b.parent.Write(b.body.Bytes())
	return err
}
