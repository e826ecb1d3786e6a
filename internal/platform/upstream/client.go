package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/requestctx"
)

const (
	defaultTimeout          = 8 * time.Second
	defaultFailureThreshold = 5
	defaultOpenTimeout      = 30 * time.Second
	defaultHalfOpenRequests = 1
	maxErrorBody            = 64 << 10

	// CodeCircuitOpen is reported when the breaker short-circuits a call.
	CodeCircuitOpen = "CIRCUIT_OPEN"
)

var tracer = otel.Tracer("github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/upstream")

// StatusError is the decoded `{code, message, details}` envelope of a failed collaborator call.
type StatusError struct {
	Service string
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	code := e.Code
	if code == "" {
		code = http.StatusText(e.Status)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d %s", e.Service, e.Status, code)
	}
	return fmt.Sprintf("%s: status %d %s: %s", e.Service, e.Status, code, e.Message)
}

// Temporary reports whether retrying the same call may succeed.
func (e *StatusError) Temporary() bool {
	if e == nil {
		return false
	}
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// BreakerConfig tunes the circuit breaker wrapped around every call.
type BreakerConfig struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// Observer receives one callback per HTTP attempt.
type Observer func(service, op string, status int, elapsed time.Duration, err error)

// Logger mirrors the structured logger used by the services.
type Logger func(ctx context.Context, event string, fields map[string]any)

// Config configures a collaborator client.
type Config struct {
	Service    string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Retries applies to idempotent requests only.
	Retries  int
	Backoff  gax.Backoff
	Breaker  BreakerConfig
	Observer Observer
	Logger   Logger
	Clock    func() time.Time
}

// Request describes one JSON call.
type Request struct {
	Op         string
	Method     string
	Path       string
	Body       any
	Idempotent bool
	Header     http.Header
}

// Client performs JSON calls against one collaborator behind a circuit breaker.
type Client struct {
	service  string
	baseURL  string
	apiKey   string
	http     *http.Client
	retries  int
	backoff  gax.Backoff
	breaker  *gobreaker.CircuitBreaker[[]byte]
	observer Observer
	logger   Logger
	now      func() time.Time
}

// New validates the configuration and builds a client.
func New(cfg Config) (*Client, error) {
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		return nil, errors.New("upstream: service name is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("upstream: %s base url is required", service)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("upstream: %s base url: %w", service, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	backoff := cfg.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = 100 * time.Millisecond
	}
	if backoff.Max <= 0 {
		backoff.Max = 2 * time.Second
	}
	if backoff.Multiplier <= 1 {
		backoff.Multiplier = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	c := &Client{
		service:  service,
		baseURL:  base,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		http:     httpClient,
		retries:  retries,
		backoff:  backoff,
		observer: cfg.Observer,
		logger:   logger,
		now:      clock,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](c.breakerSettings(cfg.Breaker))
	return c, nil
}

func (c *Client) breakerSettings(cfg BreakerConfig) gobreaker.Settings {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = defaultFailureThreshold
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen == 0 {
		halfOpen = defaultHalfOpenRequests
	}
	return gobreaker.Settings{
		Name:        c.service,
		MaxRequests: halfOpen,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger(context.Background(), "upstream.breaker.state", map[string]any{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}
}

// breakerSuccess counts business rejections as healthy responses; only outages trip the breaker.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status < http.StatusInternalServerError && statusErr.Status != http.StatusTooManyRequests
	}
	return false
}

// Service returns the collaborator name used in errors and logs.
func (c *Client) Service() string {
	return c.service
}

// Do sends the request and decodes a successful JSON body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if ctx == nil {
		return errors.New("upstream: context is required")
	}
	op := req.Op
	if op == "" {
		op = strings.Trim(req.Path, "/")
	}

	ctx, span := tracer.Start(ctx, c.service+"."+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("peer.service", c.service),
		attribute.String("http.method", req.Method),
	)

	var payload []byte
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("upstream: %s encode request: %w", c.service, err)
		}
		payload = encoded
	}

	backoff := c.backoff
	attempts := 1
	if req.Idempotent {
		attempts += c.retries
	}

	var body []byte
	var err error
	for attempt := 1; ; attempt++ {
		body, err = c.breaker.Execute(func() ([]byte, error) {
			return c.send(ctx, op, req, payload)
		})
		if err == nil {
			break
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &StatusError{
				Service: c.service,
				Status:  http.StatusServiceUnavailable,
				Code:    CodeCircuitOpen,
				Message: c.service + " is temporarily unavailable",
			}
			break
		}
		if attempt >= attempts || !retryable(err) {
			break
		}
		pause := backoff.Pause()
		c.logger(ctx, "upstream.retry", map[string]any{
			"service": c.service,
			"op":      op,
			"attempt": attempt,
			"pause":   pause.String(),
			"error":   err.Error(),
		})
		if sleepErr := gax.Sleep(ctx, pause); sleepErr != nil {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("upstream: %s decode response: %w", c.service, err)
	}
	return nil
}

// Ping issues a GET against the health path and reports any non-2xx status.
func (c *Client) Ping(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		path = "/healthz"
	}
	return c.Do(ctx, Request{Op: "ping", Method: http.MethodGet, Path: path, Idempotent: false}, nil)
}

func (c *Client) send(ctx context.Context, op string, req Request, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s build request: %w", c.service, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if traceID := requestctx.TraceID(ctx); traceID != "" {
		httpReq.Header.Set("X-Request-Trace", traceID)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	start := c.now()
	resp, err := c.http.Do(httpReq)
	elapsed := c.now().Sub(start)
	if err != nil {
		c.observe(op, 0, elapsed, err)
		return nil, fmt.Errorf("upstream: %s %s: %w", c.service, op, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= http.StatusBadRequest {
		statusErr := decodeStatusError(c.service, resp.StatusCode, body)
		c.observe(op, resp.StatusCode, elapsed, statusErr)
		return nil, statusErr
	}
	if readErr != nil {
		c.observe(op, resp.StatusCode, elapsed, readErr)
		return nil, fmt.Errorf("upstream: %s read response: %w", c.service, readErr)
	}
	c.observe(op, resp.StatusCode, elapsed, nil)
	return body, nil
}

func (c *Client) observe(op string, status int, elapsed time.Duration, err error) {
	if c.observer != nil {
		c.observer(c.service, op, status, elapsed, err)
	}
}

type errorEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details map[string]any  `json:"details"`
	Error   json.RawMessage `json:"error"`
}

func decodeStatusError(service string, status int, body []byte) *StatusError {
	statusErr := &StatusError{Service: service, Status: status}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		statusErr.Message = http.StatusText(status)
		return statusErr
	}

	var envelope errorEnvelope
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		statusErr.Message = strings.TrimSpace(string(trimmed))
		return statusErr
	}
	statusErr.Code = strings.TrimSpace(envelope.Code)
	statusErr.Message = strings.TrimSpace(envelope.Message)
	statusErr.Details = envelope.Details

	// some services nest the envelope under "error" or send it as a plain string
	if len(envelope.Error) > 0 {
		var nested errorEnvelope
		var plain string
		switch {
		case json.Unmarshal(envelope.Error, &nested) == nil:
			if statusErr.Code == "" {
				statusErr.Code = strings.TrimSpace(nested.Code)
			}
			if statusErr.Message == "" {
				statusErr.Message = strings.TrimSpace(nested.Message)
			}
			if statusErr.Details == nil {
				statusErr.Details = nested.Details
			}
		case json.Unmarshal(envelope.Error, &plain) == nil && statusErr.Message == "":
			statusErr.Message = strings.TrimSpace(plain)
		}
	}
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(status)
	}
	return statusErr
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
