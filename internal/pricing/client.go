package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/upstream"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

const (
	serviceName = "pricing"
	quotePath   = "/api/v1/checkout/calculate-costs"
	healthPath  = "/healthz"
)

// Config configures the remote pricing client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Retries    int
	Backoff    gax.Backoff
	Breaker    upstream.BreakerConfig
	HTTPClient *http.Client
	Observer   upstream.Observer
	Logger     services.Logger
	Clock      func() time.Time
}

// Client quotes carts against the pricing collaborator.
type Client struct {
	api    *upstream.Client
	now    func() time.Time
	logger services.Logger
}

var _ services.PricingClient = (*Client)(nil)

// NewClient builds the remote pricing client.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	api, err := upstream.New(upstream.Config{
		Service:    serviceName,
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
		Retries:    cfg.Retries,
		Backoff:    cfg.Backoff,
		Breaker:    cfg.Breaker,
		Observer:   cfg.Observer,
		Logger:     upstream.Logger(logger),
		Clock:      clock,
	})
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	return &Client{
		api: api,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Quote prices the cart. Quoting has no side effects so transient failures are retried.
func (c *Client) Quote(ctx context.Context, req services.QuoteRequest) (services.PriceQuote, error) {
	if !req.Address.IsComplete() {
		return services.PriceQuote{}, fmt.Errorf("%w: address is incomplete", services.ErrCheckoutInvalidInput)
	}

	var resp quoteResponse
	err := c.api.Do(ctx, upstream.Request{
		Op:         "quote",
		Method:     http.MethodPost,
		Path:       quotePath,
		Body:       newQuotePayload(req),
		Idempotent: true,
	}, &resp)
	if err != nil {
		failure := failureFromError(err)
		c.logger(ctx, "pricing.quote.failed", map[string]any{
			"checkoutId": req.CheckoutID,
			"error":      err.Error(),
		})
		return services.PriceQuote{}, failure
	}

	quote := resp.toQuote(req.Currency)
	quote.FetchedAt = c.now()
	return quote, nil
}

// Ping checks the collaborator health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Ping(ctx, healthPath)
}

// failureFromError turns collaborator envelopes into pricing failures and leaves transport errors wrapped.
func failureFromError(err error) error {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return services.PricingFailureFromCollaborator(collaboratorError(statusErr))
	}
	return fmt.Errorf("%w: pricing: %w", services.ErrCheckoutUnavailable, err)
}

// collaboratorError maps the transport envelope onto the service error type.
func collaboratorError(statusErr *upstream.StatusError) *services.CollaboratorError {
	if statusErr == nil {
		return nil
	}
	return &services.CollaboratorError{
		Service: statusErr.Service,
		Status:  statusErr.Status,
		Code:    statusErr.Code,
		Message: statusErr.Message,
		Details: statusErr.Details,
	}
}
