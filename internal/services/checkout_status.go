package services

// CheckoutStatus is the readiness state of one checkout attempt.
type CheckoutStatus string

const (
	StatusAddressIncomplete         CheckoutStatus = "ADDRESS_INCOMPLETE"
	StatusAwaitingFulfillmentChoice CheckoutStatus = "AWAITING_FULFILLMENT_CHOICE"
	StatusQuotePending              CheckoutStatus = "QUOTE_PENDING"
	StatusQuoteStale                CheckoutStatus = "QUOTE_STALE"
	StatusReady                     CheckoutStatus = "READY"
	StatusSubmitting                CheckoutStatus = "SUBMITTING"
	StatusSettled                   CheckoutStatus = "SETTLED"
	StatusFailed                    CheckoutStatus = "FAILED"
)

// IsTerminal reports whether the attempt has ended.
func (s CheckoutStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Failed is reachable from any non-terminal state; Submitting only from Ready.
// Submitting only returns to quote states, never to address or fulfillment states.
func (s CheckoutStatus) CanTransitionTo(next CheckoutStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusSettled:
		return false
	case StatusFailed:
		// restart re-drives readiness from scratch
		return next != StatusSubmitting && next != StatusSettled
	case StatusSubmitting:
		// a settlement refused before any leg started falls back to readiness
		return next != StatusAddressIncomplete && next != StatusAwaitingFulfillmentChoice
	}
	switch next {
	case StatusSubmitting:
		return s == StatusReady
	case StatusSettled:
		return false
	default:
		return true
	}
}

// blockingMessage is the human-readable reason a non-ready status cannot pay.
func (s CheckoutStatus) blockingMessage() string {
	switch s {
	case StatusAddressIncomplete:
		return "enter a complete delivery address"
	case StatusAwaitingFulfillmentChoice:
		return "choose pickup or delivery for every shop that offers both"
	case StatusQuotePending:
		return "calculating your order total"
	case StatusQuoteStale:
		return "your order total is out of date"
	case StatusSubmitting:
		return "payment in progress"
	case StatusFailed:
		return "checkout failed"
	default:
		return ""
	}
}
