package loyalty

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/upstream"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

const (
	serviceName        = "loyalty"
	eligibilityPath    = "/api/v1/points/eligibility"
	pointsPaymentPath  = "/api/v1/points/payments"
	hybridCompletePath = "/api/v1/points/payments/complete-hybrid"
	healthPath         = "/healthz"
	idempotencyHeader  = "Idempotency-Key"
)

// Config configures the loyalty collaborator client.
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
}

// Client talks to the loyalty collaborator for eligibility snapshots and points settlement.
type Client struct {
	api    *upstream.Client
	logger services.Logger
}

var _ services.PointsEligibilityClient = (*Client)(nil)

// NewClient builds the loyalty client.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
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
	})
	if err != nil {
		return nil, fmt.Errorf("loyalty: %w", err)
	}
	return &Client{api: api, logger: logger}, nil
}

// CheckEligibility fetches a fresh per-shop points snapshot. Results are never cached.
func (c *Client) CheckEligibility(ctx context.Context, req services.EligibilityRequest) ([]services.PointsEligibility, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, services.NewCheckoutError(services.ErrorKindAuthRequired, nil)
	}

	var resp eligibilityResponse
	err := c.api.Do(ctx, upstream.Request{
		Op:         "eligibility",
		Method:     http.MethodPost,
		Path:       eligibilityPath,
		Body:       newEligibilityPayload(userID, req.Items),
		Idempotent: true,
	}, &resp)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.toEligibility(), nil
}

// ProcessPointsPayment spends the sized points and creates the order. It is never retried.
func (c *Client) ProcessPointsPayment(ctx context.Context, req services.PointsPaymentRequest) (services.PointsPaymentResult, error) {
	header := http.Header{}
	if key := strings.TrimSpace(req.CheckoutID); key != "" {
		header.Set(idempotencyHeader, "points-"+key)
	}

	var resp paymentResponse
	err := c.api.Do(ctx, upstream.Request{
		Op:     "points_payment",
		Method: http.MethodPost,
		Path:   pointsPaymentPath,
		Body:   newPointsPaymentPayload(req),
		Header: header,
	}, &resp)
	if err != nil {
		return services.PointsPaymentResult{}, mapError(err)
	}
	result := resp.toResult()
	c.logger(ctx, "loyalty.points_payment.processed", map[string]any{
		"checkoutId": req.CheckoutID,
		"orderId":    result.OrderID,
		"success":    result.Success,
		"hybrid":     result.HybridPayment,
		"pointsUsed": result.PointsUsed,
	})
	return result, nil
}

// CompleteHybridPayment finalises a hybrid order once its card leg succeeded.
func (c *Client) CompleteHybridPayment(ctx context.Context, req services.HybridCompletionRequest) (services.PointsPaymentResult, error) {
	header := http.Header{}
	if key := strings.TrimSpace(req.SessionHandle); key != "" {
		header.Set(idempotencyHeader, "hybrid-"+key)
	}

	var resp paymentResponse
	err := c.api.Do(ctx, upstream.Request{
		Op:     "complete_hybrid",
		Method: http.MethodPost,
		Path:   hybridCompletePath,
		Body: hybridCompletionPayload{
			UserID:          req.UserID,
			OrderID:         req.OrderID,
			StripeSessionID: req.SessionHandle,
		},
		Header: header,
	}, &resp)
	if err != nil {
		return services.PointsPaymentResult{}, mapError(err)
	}
	return resp.toResult(), nil
}

// Ping checks the collaborator health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.api.Ping(ctx, healthPath)
}

func mapError(err error) error {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) {
		return &services.CollaboratorError{
			Service: statusErr.Service,
			Status:  statusErr.Status,
			Code:    statusErr.Code,
			Message: statusErr.Message,
			Details: statusErr.Details,
		}
	}
	return fmt.Errorf("%w: loyalty: %w", services.ErrCheckoutUnavailable, err)
}
