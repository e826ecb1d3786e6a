package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrCheckoutNotFound indicates no live checkout exists for the id and owner.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutNotReady indicates submit was attempted outside the Ready state.
	ErrCheckoutNotReady = errors.New("checkout: not ready")
	// ErrSubmissionInFlight indicates a settlement is already running for the checkout.
	ErrSubmissionInFlight = errors.New("checkout: submission in flight")
	// ErrCheckoutClosed indicates the checkout reached a terminal state or was abandoned.
	ErrCheckoutClosed = errors.New("checkout: closed")
	// ErrSettlementNotPending indicates no card or hybrid leg is awaiting verification.
	ErrSettlementNotPending = errors.New("checkout: no pending settlement")
	// ErrSessionHandleMismatch indicates the supplied session handle does not belong to the pending settlement.
	ErrSessionHandleMismatch = errors.New("checkout: session handle mismatch")
	// ErrCardLegPending indicates the card session has not reported success yet.
	ErrCardLegPending = errors.New("checkout: card payment still pending")
)

// ErrorKind is the closed taxonomy of failures shown to shoppers.
type ErrorKind string

const (
	ErrorKindAddressRejected           ErrorKind = "ADDRESS_REJECTED"
	ErrorKindCapabilityConflict        ErrorKind = "CAPABILITY_CONFLICT"
	ErrorKindFulfillmentChoiceRequired ErrorKind = "FULFILLMENT_CHOICE_REQUIRED"
	ErrorKindStockConflict             ErrorKind = "STOCK_CONFLICT"
	ErrorKindAuthRequired              ErrorKind = "AUTH_REQUIRED"
	ErrorKindInsufficientPoints        ErrorKind = "INSUFFICIENT_POINTS"
	ErrorKindItemsChangedConcurrently  ErrorKind = "ITEMS_CHANGED_CONCURRENTLY"
	ErrorKindUnknown                   ErrorKind = "UNKNOWN"
)

// NextStep is the action the shopper can take to get unblocked.
type NextStep string

const (
	NextStepFixAddress      NextStep = "fix_address"
	NextStepPickFulfillment NextStep = "pick_fulfillment"
	NextStepRemoveItem      NextStep = "remove_item"
	NextStepReturnToCart    NextStep = "return_to_cart"
	NextStepLogIn           NextStep = "log_in"
	NextStepChoosePayment   NextStep = "choose_payment"
	NextStepRetry           NextStep = "retry"
)

// StockIssue names an item that cannot be fulfilled in the requested quantity.
type StockIssue struct {
	ProductID string
	VariantID string
	Requested int
	Available int
	Message   string
}

// CheckoutError is a classified failure carrying the next step for the shopper.
type CheckoutError struct {
	Kind        ErrorKind
	Message     string
	Detail      string
	NextStep    NextStep
	ShopIDs     []string
	StockIssues []StockIssue
	// Partial marks failures after money already moved (card leg paid, completion failed).
	Partial bool
	Cause   error
}

func (e *CheckoutError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail != "" {
		return fmt.Sprintf("checkout %s: %s (%s)", strings.ToLower(string(e.Kind)), e.Message, e.Detail)
	}
	return fmt.Sprintf("checkout %s: %s", strings.ToLower(string(e.Kind)), e.Message)
}

func (e *CheckoutError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another CheckoutError by kind so callers can use errors.Is with a template.
func (e *CheckoutError) Is(target error) bool {
	var other *CheckoutError
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return e.Kind == other.Kind
}

// CollaboratorError is the decoded `{code, message, details}` error of an external collaborator.
type CollaboratorError struct {
	Service string
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *CollaboratorError) Error() string {
	if e == nil {
		return "<nil>"
	}
	code := e.Code
	if code == "" {
		code = "UNKNOWN"
	}
	return fmt.Sprintf("%s: status %d %s: %s", e.Service, e.Status, code, e.Message)
}

// Temporary reports whether repeating the call may succeed.
func (e *CollaboratorError) Temporary() bool {
	if e == nil {
		return false
	}
	switch e.Status {
	case 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

// PricingFailureKind enumerates the typed failures of the pricing collaborator.
type PricingFailureKind string

const (
	PricingFailureAddressUnservedCountry PricingFailureKind = "ADDRESS_UNSERVED_COUNTRY"
	PricingFailureCapabilityRejected     PricingFailureKind = "CAPABILITY_REJECTED"
	PricingFailureHybridChoiceRequired   PricingFailureKind = "HYBRID_CHOICE_REQUIRED"
	PricingFailureStockUnavailable       PricingFailureKind = "STOCK_UNAVAILABLE"
	PricingFailureGeoValidationFailed    PricingFailureKind = "GEO_VALIDATION_FAILED"
	PricingFailureUnknown                PricingFailureKind = "UNKNOWN"
)

// PricingFailure is the typed failure returned by a PricingClient.
type PricingFailure struct {
	Kind        PricingFailureKind
	Code        string
	Message     string
	ShopIDs     []string
	StockIssues []StockIssue
	Cause       error
}

func (f *PricingFailure) Error() string {
	if f == nil {
		return "<nil>"
	}
	if f.Message == "" {
		return "pricing: " + strings.ToLower(string(f.Kind))
	}
	return fmt.Sprintf("pricing: %s: %s", strings.ToLower(string(f.Kind)), f.Message)
}

func (f *PricingFailure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// InvalidCartError reports a cart line that cannot be attributed to a product and shop.
type InvalidCartError struct {
	Index  int
	Reason string
}

func (e *InvalidCartError) Error() string {
	return fmt.Sprintf("checkout: invalid cart item %d: %s", e.Index, e.Reason)
}

// Is lets errors.Is(err, ErrCheckoutInvalidInput) match invalid carts.
func (e *InvalidCartError) Is(target error) bool {
	return target == ErrCheckoutInvalidInput
}
