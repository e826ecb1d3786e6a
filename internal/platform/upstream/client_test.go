package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Service: "pricing",
		BaseURL: srv.URL,
		APIKey:  "secret",
		Retries: 2,
		Backoff: gax.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg)
	require.NoError(t, err)
	return client
}

func TestDoDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/quote", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total":"12.50"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	var out struct {
		Total string `json:"total"`
	}
	err := client.Do(context.Background(), Request{Op: "quote", Method: http.MethodPost, Path: "/api/v1/quote", Body: map[string]string{"a": "b"}}, &out)
	require.NoError(t, err)
	require.Equal(t, "12.50", out.Total)
}

func TestDoDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"VALIDATION_ERROR","message":"We don't deliver to Atlantis","details":{"shopIds":["s-1"]}}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/quote", Idempotent: true}, nil)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.Status)
	require.Equal(t, "VALIDATION_ERROR", statusErr.Code)
	require.Equal(t, "We don't deliver to Atlantis", statusErr.Message)
	require.Equal(t, []any{"s-1"}, statusErr.Details["shopIds"])
}

func TestDoDecodesNestedAndPlainErrors(t *testing.T) {
	cases := map[string]struct {
		body    string
		code    string
		message string
	}{
		"nested": {body: `{"error":{"code":"INSUFFICIENT_STOCK","message":"only 2 available"}}`, code: "INSUFFICIENT_STOCK", message: "only 2 available"},
		"string": {body: `{"error":"points balance changed"}`, message: "points balance changed"},
		"text":   {body: `upstream exploded`, message: "upstream exploded"},
		"empty":  {body: ``, message: "Conflict"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := decodeStatusError("loyalty", http.StatusConflict, []byte(tc.body))
			require.Equal(t, tc.code, err.Code)
			require.Equal(t, tc.message, err.Message)
		})
	}
}

func TestDoRetriesTemporaryFailuresForIdempotentCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/quote", Idempotent: true}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestDoDoesNotRetryNonIdempotentCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/points/pay"}, nil)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestDoDoesNotRetryBusinessRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, nil)
	err := client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/quote", Idempotent: true}, nil)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveOutages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, func(cfg *Config) {
		cfg.Retries = 0
		cfg.Breaker = BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}
	})
	for i := 0; i < 2; i++ {
		require.Error(t, client.Do(context.Background(), Request{Path: "/quote"}, nil))
	}

	err := client.Do(context.Background(), Request{Path: "/quote"}, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, CodeCircuitOpen, statusErr.Code)
	require.Equal(t, int32(2), calls.Load())
}

func TestBreakerIgnoresValidationFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv, func(cfg *Config) {
		cfg.Breaker = BreakerConfig{FailureThreshold: 1}
	})
	for i := 0; i < 3; i++ {
		err := client.Do(context.Background(), Request{Path: "/quote"}, nil)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		require.Equal(t, http.StatusBadRequest, statusErr.Status)
	}
}

func TestObserverReceivesAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var observed []int
	client := newTestClient(t, srv, func(cfg *Config) {
		cfg.Observer = func(service, op string, status int, _ time.Duration, err error) {
			require.Equal(t, "pricing", service)
			require.Equal(t, "ping", op)
			require.NoError(t, err)
			observed = append(observed, status)
		}
	})
	require.NoError(t, client.Ping(context.Background(), ""))
	require.Equal(t, []int{http.StatusNoContent}, observed)
}

func TestNewRequiresServiceAndBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "http://localhost"})
	require.Error(t, err)
	_, err = New(Config{Service: "pricing"})
	require.Error(t, err)
}

func TestRetryableSkipsContextErrors(t *testing.T) {
	require.False(t, retryable(context.Canceled))
	require.False(t, retryable(errors.New("plain")))
	require.True(t, retryable(&StatusError{Status: http.StatusTooManyRequests}))
}
