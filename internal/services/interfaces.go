package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartLineItem          = domain.CartLineItem
	ShopGroup             = domain.ShopGroup
	DeliveryAddress       = domain.DeliveryAddress
	FulfillmentPreference = domain.FulfillmentPreference
	PriceQuote            = domain.PriceQuote
	ShopPriceSummary      = domain.ShopPriceSummary
	PointsEligibility     = domain.PointsEligibility
	PointsPlan            = domain.PointsPlan
	SettlementMode        = domain.SettlementMode
	Buyer                 = domain.Buyer
	HealthReport          = domain.HealthReport
)

// Logger is the structured event logger the services accept; cmd adapts it onto zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

// QuoteRequest is the input of one pricing call.
type QuoteRequest struct {
	CheckoutID  string
	Address     DeliveryAddress
	Groups      []ShopGroup
	Preferences map[string]FulfillmentPreference
	Currency    string
}

// PricingClient requests a per-shop price breakdown. Failures are returned as *PricingFailure.
type PricingClient interface {
	Quote(ctx context.Context, req QuoteRequest) (PriceQuote, error)
}

// EligibilityRequest asks the loyalty collaborator which shops the buyer can pay with points.
type EligibilityRequest struct {
	UserID string
	Items  []CartLineItem
}

// PointsEligibilityClient snapshots the buyer's points per shop. Results are never cached.
type PointsEligibilityClient interface {
	CheckEligibility(ctx context.Context, req EligibilityRequest) ([]PointsEligibility, error)
}

// CardSessionRequest describes a card payment session for the full order or a hybrid remainder.
type CardSessionRequest struct {
	CheckoutID  string
	OrderID     string
	Buyer       Buyer
	Amount      decimal.Decimal
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

// CardSession is the redirect handle returned by the payment gateway.
type CardSession struct {
	Handle      string
	RedirectURL string
	ExpiresAt   *time.Time
}

// CardSessionState is the verified status of a card session.
type CardSessionState string

const (
	CardSessionPending CardSessionState = "pending"
	CardSessionPaid    CardSessionState = "paid"
	CardSessionExpired CardSessionState = "expired"
	CardSessionFailed  CardSessionState = "failed"
)

// CardSessionStatus is the outcome of looking up a card session.
type CardSessionStatus struct {
	Handle  string
	State   CardSessionState
	OrderID string
	Amount  decimal.Decimal
}

// PointsPaymentRequest asks the settlement collaborator to apply points to the order.
type PointsPaymentRequest struct {
	CheckoutID  string
	UserID      string
	Buyer       Buyer
	Items       []CartLineItem
	Address     DeliveryAddress
	Preferences map[string]FulfillmentPreference
	Plan        PointsPlan
	Currency    string
	SuccessURL  string
	CancelURL   string
}

// PointsPaymentResult mirrors the settlement collaborator's points payment response.
type PointsPaymentResult struct {
	Success       bool
	Message       string
	OrderID       string
	OrderNumber   string
	PointsUsed    int64
	PointsValue   decimal.Decimal
	HybridPayment bool
	SessionHandle string
	RedirectURL   string
}

// HybridCompletionRequest finalises a hybrid order after its card leg succeeded.
type HybridCompletionRequest struct {
	UserID        string
	OrderID       string
	SessionHandle string
}

// SettlementGateway performs the settlement collaborator calls.
type SettlementGateway interface {
	CreateCardSession(ctx context.Context, req CardSessionRequest) (CardSession, error)
	CardSessionStatus(ctx context.Context, handle string) (CardSessionStatus, error)
	ProcessPointsPayment(ctx context.Context, req PointsPaymentRequest) (PointsPaymentResult, error)
	CompleteHybridPayment(ctx context.Context, req HybridCompletionRequest) (PointsPaymentResult, error)
}

// CheckoutEventType names the terminal checkout outcomes announced to other services.
type CheckoutEventType string

const (
	CheckoutEventSettled          CheckoutEventType = "checkout.settled"
	CheckoutEventFailed           CheckoutEventType = "checkout.failed"
	CheckoutEventPartiallySettled CheckoutEventType = "checkout.partially_settled"
)

// CheckoutEvent is published best-effort when a checkout attempt ends.
type CheckoutEvent struct {
	ID          string
	Type        CheckoutEventType
	CheckoutID  string
	UserID      string
	Mode        SettlementMode
	OrderID     string
	OrderNumber string
	Total       decimal.Decimal
	Currency    string
	PointsUsed  int64
	PointsValue decimal.Decimal
	ErrorKind   ErrorKind
	Message     string
	OccurredAt  time.Time
}

// EventPublisher delivers checkout events to the configured broker.
type EventPublisher interface {
	PublishCheckoutEvent(ctx context.Context, event CheckoutEvent) error
}

// CheckoutMetrics records checkout activity. Implementations must be safe for concurrent use.
type CheckoutMetrics interface {
	QuoteRequested()
	QuoteDropped(reason string)
	QuoteFailed(kind ErrorKind)
	StatusTransition(from, to CheckoutStatus)
	SettlementFinished(mode SettlementMode, outcome string)
	SessionsActive(n int)
}

type noopMetrics struct{}

func (noopMetrics) QuoteRequested()                                 {}
func (noopMetrics) QuoteDropped(string)                             {}
func (noopMetrics) QuoteFailed(ErrorKind)                           {}
func (noopMetrics) StatusTransition(CheckoutStatus, CheckoutStatus) {}
func (noopMetrics) SettlementFinished(SettlementMode, string)       {}
func (noopMetrics) SessionsActive(int)                              {}

// Scheduler runs fn once after delay. Calling the returned cancel before it fires prevents the run.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) (cancel func())
}
