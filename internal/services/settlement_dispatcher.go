package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

// SettlementPhase is how far a dispatched settlement got.
type SettlementPhase string

const (
	// PhaseAwaitingCard waits for the out-of-band verification of a card session.
	PhaseAwaitingCard SettlementPhase = "AWAITING_CARD"
	// PhaseAwaitingHybridCompletion waits for the card leg of a hybrid order before completing it.
	PhaseAwaitingHybridCompletion SettlementPhase = "AWAITING_HYBRID_COMPLETION"
	// PhaseSettled means the order is paid.
	PhaseSettled SettlementPhase = "SETTLED"
)

// SettlementRequest is the readiness-confirmed checkout handed to the dispatcher.
type SettlementRequest struct {
	CheckoutID  string
	Mode        SettlementMode
	Buyer       Buyer
	Items       []CartLineItem
	Address     DeliveryAddress
	Preferences map[string]FulfillmentPreference
	Quote       PriceQuote
}

// SettlementOutcome describes what the dispatcher achieved and what the shopper must do next.
type SettlementOutcome struct {
	Mode           SettlementMode
	Phase          SettlementPhase
	Hybrid         bool
	SessionHandle  string
	RedirectURL    string
	OrderID        string
	OrderNumber    string
	PointsUsed     int64
	PointsValue    decimal.Decimal
	RemainingToPay decimal.Decimal
	Plan           *PointsPlan
}

// SettlementDispatcherDeps wires the collaborators of the dispatcher.
type SettlementDispatcherDeps struct {
	Gateway     SettlementGateway
	Eligibility PointsEligibilityClient
	// DefaultPointUnitValue prices one point when the eligibility snapshot carries no balance.
	DefaultPointUnitValue decimal.Decimal
	FullPointsEpsilon     decimal.Decimal
	SuccessURL            string
	CancelURL             string
	Clock                 func() time.Time
	Logger                Logger
}

// SettlementDispatcher chooses between card, points and hybrid settlement and runs the collaborator calls.
type SettlementDispatcher struct {
	gateway     SettlementGateway
	eligibility PointsEligibilityClient
	defaultUnit decimal.Decimal
	epsilon     decimal.Decimal
	successURL  string
	cancelURL   string
	now         func() time.Time
	logger      Logger
}

// NewSettlementDispatcher validates the dependencies and applies defaults.
func NewSettlementDispatcher(deps SettlementDispatcherDeps) (*SettlementDispatcher, error) {
	if deps.Gateway == nil {
		return nil, errors.New("settlement dispatcher: gateway is required")
	}
	if deps.Eligibility == nil {
		return nil, errors.New("settlement dispatcher: eligibility client is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	epsilon := deps.FullPointsEpsilon
	if !epsilon.IsPositive() {
		epsilon = DefaultFullPointsEpsilon
	}
	return &SettlementDispatcher{
		gateway:     deps.Gateway,
		eligibility: deps.Eligibility,
		defaultUnit: deps.DefaultPointUnitValue,
		epsilon:     epsilon,
		successURL:  strings.TrimSpace(deps.SuccessURL),
		cancelURL:   strings.TrimSpace(deps.CancelURL),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// declinedError is a refusal raised before any payment or order call was made.
type declinedError struct {
	err *CheckoutError
}

func declined(err *CheckoutError) error {
	return &declinedError{err: err}
}

func (e *declinedError) Error() string { return e.err.Error() }

func (e *declinedError) Unwrap() error { return e.err }

// IsDeclinedBeforeSettlement reports whether err was raised before any collaborator leg started.
func IsDeclinedBeforeSettlement(err error) bool {
	var d *declinedError
	return errors.As(err, &d)
}

// Dispatch starts the settlement for the selected mode.
func (d *SettlementDispatcher) Dispatch(ctx context.Context, req SettlementRequest) (SettlementOutcome, error) {
	switch req.Mode {
	case domain.SettlementModeCard:
		return d.dispatchCard(ctx, req)
	case domain.SettlementModePoints, domain.SettlementModeAuto:
		return d.dispatchPoints(ctx, req)
	default:
		return SettlementOutcome{}, fmt.Errorf("%w: unknown settlement mode %q", ErrCheckoutInvalidInput, req.Mode)
	}
}

func (d *SettlementDispatcher) dispatchCard(ctx context.Context, req SettlementRequest) (SettlementOutcome, error) {
	session, err := d.gateway.CreateCardSession(ctx, CardSessionRequest{
		CheckoutID:  req.CheckoutID,
		Buyer:       req.Buyer,
		Amount:      req.Quote.Total,
		Currency:    req.Quote.Currency,
		Description: orderDescription(req.Items),
		SuccessURL:  d.successURL,
		CancelURL:   d.cancelURL,
		Metadata: map[string]string{
			"checkoutId": req.CheckoutID,
			"mode":       string(req.Mode),
		},
	})
	if err != nil {
		d.logger(ctx, "settlement.card.session_failed", map[string]any{
			"checkoutId": req.CheckoutID,
			"guest":      req.Buyer.IsGuest(),
			"error":      err.Error(),
		})
		return SettlementOutcome{}, ClassifyError(err)
	}
	if strings.TrimSpace(session.Handle) == "" {
		return SettlementOutcome{}, NewCheckoutError(ErrorKindUnknown, errors.New("card session returned no handle"))
	}

	d.logger(ctx, "settlement.card.session_created", map[string]any{
		"checkoutId": req.CheckoutID,
		"guest":      req.Buyer.IsGuest(),
		"handle":     session.Handle,
	})
	return SettlementOutcome{
		Mode:           req.Mode,
		Phase:          PhaseAwaitingCard,
		SessionHandle:  session.Handle,
		RedirectURL:    session.RedirectURL,
		RemainingToPay: req.Quote.Total,
	}, nil
}

func (d *SettlementDispatcher) dispatchPoints(ctx context.Context, req SettlementRequest) (SettlementOutcome, error) {
	if req.Buyer.IsGuest() {
		return SettlementOutcome{}, declined(NewCheckoutError(ErrorKindAuthRequired, nil))
	}

	eligibility, err := d.eligibility.CheckEligibility(ctx, EligibilityRequest{
		UserID: req.Buyer.UserID,
		Items:  req.Items,
	})
	if err != nil {
		return SettlementOutcome{}, declined(ClassifyError(err))
	}

	quote := req.Quote
	plan := SizePoints(PointsSizingInput{
		Quote:       &quote,
		Eligibility: eligibility,
		DefaultUnit: d.defaultUnit,
		Epsilon:     d.epsilon,
	})
	d.logger(ctx, "settlement.points.sized", map[string]any{
		"checkoutId":     req.CheckoutID,
		"mode":           string(req.Mode),
		"shops":          len(plan.Allocations),
		"pointsValue":    plan.TotalPointsValue.StringFixed(2),
		"remainingToPay": plan.RemainingToPay.StringFixed(2),
		"fullPoints":     plan.FullPoints,
	})

	if len(plan.Allocations) == 0 {
		return SettlementOutcome{}, declined(NewCheckoutError(ErrorKindInsufficientPoints, nil))
	}
	if req.Mode == domain.SettlementModePoints && !plan.FullPoints {
		insufficient := NewCheckoutError(ErrorKindInsufficientPoints, nil)
		insufficient.Detail = fmt.Sprintf("%s left to pay after points", plan.RemainingToPay.StringFixed(2))
		return SettlementOutcome{}, declined(insufficient)
	}

	result, err := d.gateway.ProcessPointsPayment(ctx, PointsPaymentRequest{
		CheckoutID:  req.CheckoutID,
		UserID:      req.Buyer.UserID,
		Buyer:       req.Buyer,
		Items:       req.Items,
		Address:     req.Address,
		Preferences: req.Preferences,
		Plan:        plan,
		Currency:    req.Quote.Currency,
		SuccessURL:  d.successURL,
		CancelURL:   d.cancelURL,
	})
	if err != nil {
		return SettlementOutcome{}, ClassifyError(err)
	}
	if !result.Success {
		return SettlementOutcome{}, ClassifyError(&CollaboratorError{Service: "settlement", Code: CodeInsufficientPoints, Message: result.Message})
	}

	outcome := SettlementOutcome{
		Mode:           req.Mode,
		OrderID:        result.OrderID,
		OrderNumber:    result.OrderNumber,
		PointsUsed:     result.PointsUsed,
		PointsValue:    result.PointsValue,
		RemainingToPay: plan.RemainingToPay,
		Plan:           &plan,
	}

	if !plan.FullPoints || result.HybridPayment {
		if strings.TrimSpace(result.SessionHandle) == "" {
			return SettlementOutcome{}, NewCheckoutError(ErrorKindUnknown, errors.New("hybrid payment returned no card session"))
		}
		outcome.Hybrid = true
		outcome.Phase = PhaseAwaitingHybridCompletion
		outcome.SessionHandle = result.SessionHandle
		outcome.RedirectURL = result.RedirectURL
		return outcome, nil
	}

	outcome.Phase = PhaseSettled
	outcome.RemainingToPay = decimal.Zero
	return outcome, nil
}

// VerifyCard looks up the card session so the caller can tell paid from pending.
func (d *SettlementDispatcher) VerifyCard(ctx context.Context, handle string) (CardSessionStatus, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return CardSessionStatus{}, ErrCheckoutInvalidInput
	}
	status, err := d.gateway.CardSessionStatus(ctx, handle)
	if err != nil {
		return CardSessionStatus{}, err
	}
	return status, nil
}

// CompleteHybrid finalises a hybrid order once its card leg is paid.
// A paid card leg followed by a failed completion is reported as a partial failure.
func (d *SettlementDispatcher) CompleteHybrid(ctx context.Context, userID string, pending SettlementOutcome) (SettlementOutcome, error) {
	status, err := d.VerifyCard(ctx, pending.SessionHandle)
	if err != nil {
		return pending, err
	}
	switch status.State {
	case CardSessionPending:
		return pending, ErrCardLegPending
	case CardSessionPaid:
	default:
		failure := NewCheckoutError(ErrorKindUnknown, nil)
		failure.Message = "the card payment did not go through"
		failure.NextStep = NextStepChoosePayment
		return pending, failure
	}

	result, err := d.gateway.CompleteHybridPayment(ctx, HybridCompletionRequest{
		UserID:        userID,
		OrderID:       pending.OrderID,
		SessionHandle: pending.SessionHandle,
	})
	if err == nil && !result.Success {
		err = &CollaboratorError{Service: "settlement", Message: result.Message}
	}
	if err != nil {
		partial := ClassifyError(err)
		copied := *partial
		copied.Partial = true
		copied.Message = "your card was charged but the order could not be completed"
		d.logger(ctx, "settlement.hybrid.completion_failed", map[string]any{
			"orderId": pending.OrderID,
			"handle":  pending.SessionHandle,
			"error":   err.Error(),
		})
		return pending, &copied
	}

	completed := pending
	completed.Phase = PhaseSettled
	if result.OrderID != "" {
		completed.OrderID = result.OrderID
	}
	if result.OrderNumber != "" {
		completed.OrderNumber = result.OrderNumber
	}
	if result.PointsUsed > 0 {
		completed.PointsUsed = result.PointsUsed
		completed.PointsValue = result.PointsValue
	}
	return completed, nil
}

func orderDescription(items []CartLineItem) string {
	shops := make(map[string]struct{})
	count := 0
	for _, item := range items {
		shops[item.ShopID] = struct{}{}
		count += item.Quantity
	}
	return fmt.Sprintf("%d item(s) from %d shop(s)", count, len(shops))
}
