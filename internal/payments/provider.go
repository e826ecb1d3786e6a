// Package payments settles the card and points legs of a checkout: PSP hosted sessions for
// cards, the loyalty ledger for points.
package payments

import (
	"context"
	"errors"
	"time"
)

// Status is a PSP session state, normalised across providers.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	// StatusFailed is terminal: the shopper has to start a new session.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider means no registered provider can serve the request.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrSessionNotFound means the PSP does not know the session handle.
	ErrSessionNotFound = errors.New("payments: session not found")
)

// CheckoutLineItem is one line shown on the hosted payment page. Amount is per unit, in minor units.
type CheckoutLineItem struct {
	Name     string
	Quantity int64
	Amount   int64
	Currency string
}

// CheckoutSessionRequest opens a hosted payment page for Amount minor units of Currency.
// ClientReference is the shopper's user id and stays empty for guests.
type CheckoutSessionRequest struct {
	Amount          int64
	Currency        string
	ClientReference string
	CustomerEmail   string
	Guest           bool
	Description     string
	SuccessURL      string
	CancelURL       string
	Locale          string
	Metadata        map[string]string
	IdempotencyKey  string
	Items           []CheckoutLineItem
}

// CheckoutSession is the opened page. ID is the handle the shopper later presents for verification.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// LookupRequest names the session to verify.
type LookupRequest struct {
	SessionID string
}

// SessionDetails is what the PSP reports about a session.
type SessionDetails struct {
	Provider  string
	SessionID string
	IntentID  string
	Status    Status
	Amount    int64
	Currency  string
	Metadata  map[string]string
	PaidAt    *time.Time
}

// Provider is one PSP adapter.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupSession(ctx context.Context, req LookupRequest) (SessionDetails, error)
}
