package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"golang.org/x/text/language"
)

const defaultSessionLifetime = 30 * time.Minute

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements Provider with Stripe Checkout sessions.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// Locales Stripe Checkout renders natively; anything else falls back to auto.
var stripeLocales = []language.Tag{
	language.English,
	language.French,
	language.CanadianFrench,
	language.German,
	language.Spanish,
	language.LatinAmericanSpanish,
	language.Italian,
	language.Japanese,
	language.Portuguese,
	language.BrazilianPortuguese,
	language.Dutch,
	language.Swedish,
	language.Danish,
	language.Finnish,
	language.Polish,
	language.MustParse("zh"),
	language.MustParse("zh-TW"),
	language.Korean,
}

var stripeLocaleMatcher = language.NewMatcher(stripeLocales)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{sessions: sc.CheckoutSessions}
	}
	if clients.sessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session for the guest or the signed-in shopper.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 && len(req.Items) == 0 {
		return CheckoutSession{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(withSessionPlaceholder(req.SuccessURL)),
		CancelURL:  stripe.String(req.CancelURL),
		Locale:     stripe.String(StripeLocale(req.Locale)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	if req.Guest {
		params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationIfRequired))
	} else if ref := strings.TrimSpace(req.ClientReference); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.PaymentIntentData.Description = stripe.String(desc)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
		params.PaymentIntentData.Metadata = maps.Clone(req.Metadata)
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(defaultString(item.Currency, currency))),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(item.Name, "Order")),
				},
			},
		})
	}
	if len(lineItems) == 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(req.Description, "Order")),
				},
			},
		})
	}
	params.LineItems = lineItems

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}
	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"guest":     req.Guest,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(defaultSessionLifetime)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return CheckoutSession{
		ID:          session.ID,
		Provider:    "stripe",
		RedirectURL: session.URL,
		IntentID:    intentID,
		ExpiresAt:   expiresAt,
	}, nil
}

// LookupSession retrieves a Checkout session and normalises its payment state.
func (p *StripeProvider) LookupSession(ctx context.Context, req LookupRequest) (SessionDetails, error) {
	if p == nil {
		return SessionDetails{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		return SessionDetails{}, ErrSessionNotFound
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.api.sessions.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
			return SessionDetails{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return SessionDetails{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	details := stripeSessionDetails(session)
	if details.Status == StatusPaid && details.PaidAt == nil {
		now := p.clock()
		details.PaidAt = &now
	}
	return details, nil
}

func stripeSessionDetails(session *stripe.CheckoutSession) SessionDetails {
	if session == nil {
		return SessionDetails{}
	}
	status := StatusPending
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		status = StatusPaid
	case session.Status == stripe.CheckoutSessionStatusExpired:
		status = StatusExpired
	case session.Status == stripe.CheckoutSessionStatusComplete:
		// complete but unpaid means an async method that has not settled
		status = StatusPending
	}

	details := SessionDetails{
		Provider:  "stripe",
		SessionID: session.ID,
		Status:    status,
		Amount:    session.AmountTotal,
		Currency:  strings.ToUpper(string(session.Currency)),
		Metadata:  maps.Clone(session.Metadata),
	}
	if session.PaymentIntent != nil {
		details.IntentID = session.PaymentIntent.ID
		if session.PaymentIntent.Status == stripe.PaymentIntentStatusCanceled {
			details.Status = StatusFailed
		}
	}
	return details
}

// StripeLocale maps a shopper locale onto the closest Checkout locale, or auto.
func StripeLocale(raw string) string {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")
	if raw == "" {
		return "auto"
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return "auto"
	}
	_, index, confidence := stripeLocaleMatcher.Match(tag)
	if confidence == language.No {
		return "auto"
	}
	return stripeLocales[index].String()
}

func withSessionPlaceholder(successURL string) string {
	successURL = strings.TrimSpace(successURL)
	if successURL == "" || strings.Contains(successURL, "{CHECKOUT_SESSION_ID}") {
		return successURL
	}
	sep := "?"
	if strings.Contains(successURL, "?") {
		sep = "&"
	}
	return successURL + sep + "session_id={CHECKOUT_SESSION_ID}"
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
