package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"golang.org/x/text/currency"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

const serviceName = "payments"

// SessionManager is the PSP surface the gateway needs.
type SessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (SessionDetails, error)
}

// PointsLedger settles the points legs of an order.
type PointsLedger interface {
	ProcessPointsPayment(ctx context.Context, req services.PointsPaymentRequest) (services.PointsPaymentResult, error)
	CompleteHybridPayment(ctx context.Context, req services.HybridCompletionRequest) (services.PointsPaymentResult, error)
}

// GatewayDeps wires the settlement gateway.
type GatewayDeps struct {
	Sessions SessionManager
	Points   PointsLedger
	Logger   services.Logger
}

// Gateway settles checkouts through the PSP for card legs and the loyalty service for points legs.
type Gateway struct {
	sessions SessionManager
	points   PointsLedger
	logger   services.Logger
}

var _ services.SettlementGateway = (*Gateway)(nil)

// NewGateway validates the collaborators.
func NewGateway(deps GatewayDeps) (*Gateway, error) {
	if deps.Sessions == nil {
		return nil, errors.New("payments gateway: session manager is required")
	}
	if deps.Points == nil {
		return nil, errors.New("payments gateway: points ledger is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Gateway{
		sessions: deps.Sessions,
		points:   deps.Points,
		logger:   logger,
	}, nil
}

// CreateCardSession opens a PSP session for the amount due.
func (g *Gateway) CreateCardSession(ctx context.Context, req services.CardSessionRequest) (services.CardSession, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Currency))
	amount, err := MinorUnits(req.Amount, code)
	if err != nil {
		return services.CardSession{}, fmt.Errorf("%w: %w", services.ErrCheckoutInvalidInput, err)
	}
	if amount <= 0 {
		return services.CardSession{}, fmt.Errorf("%w: card amount must be positive", services.ErrCheckoutInvalidInput)
	}

	metadata := maps.Clone(req.Metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}
	if req.CheckoutID != "" {
		metadata["checkoutId"] = req.CheckoutID
	}
	if req.OrderID != "" {
		metadata["orderId"] = req.OrderID
	}
	if !req.Buyer.IsGuest() {
		metadata["userId"] = req.Buyer.UserID
	}

	session, err := g.sessions.CreateCheckoutSession(ctx, PaymentContext{Currency: code}, CheckoutSessionRequest{
		Amount:          amount,
		Currency:        code,
		ClientReference: req.Buyer.UserID,
		CustomerEmail:   req.Buyer.Email,
		Guest:           req.Buyer.IsGuest(),
		Description:     req.Description,
		SuccessURL:      req.SuccessURL,
		CancelURL:       req.CancelURL,
		Locale:          req.Buyer.Locale,
		Metadata:        metadata,
	})
	if err != nil {
		return services.CardSession{}, mapPSPError(err)
	}

	out := services.CardSession{Handle: session.ID, RedirectURL: session.RedirectURL}
	if !session.ExpiresAt.IsZero() {
		expires := session.ExpiresAt
		out.ExpiresAt = &expires
	}
	g.logger(ctx, "payments.card_session.created", map[string]any{
		"checkoutId": req.CheckoutID,
		"handle":     session.ID,
		"provider":   session.Provider,
		"guest":      req.Buyer.IsGuest(),
	})
	return out, nil
}

// CardSessionStatus verifies the session with the PSP. Unknown handles report as failed.
func (g *Gateway) CardSessionStatus(ctx context.Context, handle string) (services.CardSessionStatus, error) {
	handle = strings.TrimSpace(handle)
	details, err := g.sessions.LookupPayment(ctx, PaymentContext{}, LookupRequest{SessionID: handle})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return services.CardSessionStatus{Handle: handle, State: services.CardSessionFailed}, nil
		}
		return services.CardSessionStatus{}, mapPSPError(err)
	}

	status := services.CardSessionStatus{
		Handle:  handle,
		State:   cardState(details.Status),
		OrderID: details.Metadata["orderId"],
	}
	if details.Currency != "" {
		if amount, err := FromMinorUnits(details.Amount, details.Currency); err == nil {
			status.Amount = amount
		}
	}
	return status, nil
}

// ProcessPointsPayment runs the points leg. A hybrid result without a card handle gets one for the remainder.
func (g *Gateway) ProcessPointsPayment(ctx context.Context, req services.PointsPaymentRequest) (services.PointsPaymentResult, error) {
	result, err := g.points.ProcessPointsPayment(ctx, req)
	if err != nil {
		return services.PointsPaymentResult{}, err
	}
	if !result.Success || !result.HybridPayment || result.SessionHandle != "" {
		return result, nil
	}

	session, err := g.CreateCardSession(ctx, services.CardSessionRequest{
		CheckoutID:  req.CheckoutID,
		OrderID:     result.OrderID,
		Buyer:       req.Buyer,
		Amount:      req.Plan.RemainingToPay,
		Currency:    req.Currency,
		Description: "Remaining balance after points",
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		Metadata:    map[string]string{"mode": "hybrid"},
	})
	if err != nil {
		g.logger(ctx, "payments.hybrid_session.failed", map[string]any{
			"checkoutId": req.CheckoutID,
			"orderId":    result.OrderID,
			"error":      err.Error(),
		})
		return services.PointsPaymentResult{}, err
	}
	result.SessionHandle = session.Handle
	result.RedirectURL = session.RedirectURL
	return result, nil
}

// CompleteHybridPayment finalises the points side once the card leg is verified.
func (g *Gateway) CompleteHybridPayment(ctx context.Context, req services.HybridCompletionRequest) (services.PointsPaymentResult, error) {
	return g.points.CompleteHybridPayment(ctx, req)
}

func cardState(status Status) services.CardSessionState {
	switch status {
	case StatusPaid:
		return services.CardSessionPaid
	case StatusExpired:
		return services.CardSessionExpired
	case StatusFailed:
		return services.CardSessionFailed
	default:
		return services.CardSessionPending
	}
}

func mapPSPError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status == 0 {
			status = 502
		}
		return &services.CollaboratorError{
			Service: serviceName,
			Status:  status,
			Code:    strings.ToUpper(string(stripeErr.Code)),
			Message: stripeErr.Msg,
		}
	}
	return fmt.Errorf("%w: %s: %w", services.ErrCheckoutUnavailable, serviceName, err)
}

// MinorUnits converts an amount into the currency's smallest unit.
func MinorUnits(amount decimal.Decimal, code string) (int64, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return 0, err
	}
	return amount.Shift(int32(scale)).Round(0).IntPart(), nil
}

// FromMinorUnits converts a smallest-unit amount back into a decimal.
func FromMinorUnits(amount int64, code string) (decimal.Decimal, error) {
	scale, err := currencyScale(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(amount, -int32(scale)), nil
}

func currencyScale(code string) (int, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("payments: unknown currency %q: %w", code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}
