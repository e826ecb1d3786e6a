package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type fakeStripeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	return f.session, f.err
}

func (f *fakeStripeSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func newFakeStripe(t *testing.T, sessions *fakeStripeSessions) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{sessions: sessions},
		Clock:   func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return provider
}

func TestStripeCreateSessionForSignedInShopper(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/cs_1", ExpiresAt: 1735693200}}
	provider := newFakeStripe(t, sessions)

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:          4200,
		Currency:        "USD",
		ClientReference: "user-1",
		CustomerEmail:   "a@example.com",
		SuccessURL:      "https://shop.example/checkout/success",
		CancelURL:       "https://shop.example/checkout/cancel",
		Locale:          "pt_BR",
		Metadata:        map[string]string{"checkoutId": "chk-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", session.ID)
	require.Equal(t, "https://checkout.stripe.com/cs_1", session.RedirectURL)
	require.Equal(t, time.Unix(1735693200, 0).UTC(), session.ExpiresAt)

	params := sessions.created
	require.Equal(t, "user-1", *params.ClientReferenceID)
	require.Nil(t, params.CustomerCreation)
	require.Equal(t, "pt-BR", *params.Locale)
	require.Equal(t, "https://shop.example/checkout/success?session_id={CHECKOUT_SESSION_ID}", *params.SuccessURL)
	require.Equal(t, "chk-1", params.Metadata["checkoutId"])
	require.Len(t, params.LineItems, 1)
	require.Equal(t, int64(4200), *params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "usd", *params.LineItems[0].PriceData.Currency)
}

func TestStripeCreateSessionForGuest(t *testing.T) {
	sessions := &fakeStripeSessions{session: &stripe.CheckoutSession{ID: "cs_guest"}}
	provider := newFakeStripe(t, sessions)

	_, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		Amount:     1000,
		Currency:   "EUR",
		Guest:      true,
		SuccessURL: "https://shop.example/ok?x=1",
		Locale:     "tlh",
	})
	require.NoError(t, err)
	params := sessions.created
	require.Nil(t, params.ClientReferenceID)
	require.Equal(t, string(stripe.CheckoutSessionCustomerCreationIfRequired), *params.CustomerCreation)
	require.Equal(t, "auto", *params.Locale)
	require.Equal(t, "https://shop.example/ok?x=1&session_id={CHECKOUT_SESSION_ID}", *params.SuccessURL)
}

func TestStripeLookupSessionStates(t *testing.T) {
	cases := map[string]struct {
		session *stripe.CheckoutSession
		want    Status
	}{
		"paid": {
			session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid, AmountTotal: 600, Currency: "usd"},
			want:    StatusPaid,
		},
		"open": {
			session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusOpen, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid},
			want:    StatusPending,
		},
		"expired": {
			session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusExpired, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid},
			want:    StatusExpired,
		},
		"cancelled intent": {
			session: &stripe.CheckoutSession{ID: "cs_1", Status: stripe.CheckoutSessionStatusOpen, PaymentIntent: &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusCanceled}},
			want:    StatusFailed,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			provider := newFakeStripe(t, &fakeStripeSessions{session: tc.session})
			details, err := provider.LookupSession(context.Background(), LookupRequest{SessionID: "cs_1"})
			require.NoError(t, err)
			require.Equal(t, tc.want, details.Status)
		})
	}
}

func TestStripeLookupMissingSession(t *testing.T) {
	provider := newFakeStripe(t, &fakeStripeSessions{err: &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}})
	_, err := provider.LookupSession(context.Background(), LookupRequest{SessionID: "cs_gone"})
	require.True(t, errors.Is(err, ErrSessionNotFound), "got %v", err)
}

func TestStripeLocale(t *testing.T) {
	require.Equal(t, "auto", StripeLocale(""))
	require.Equal(t, "fr", StripeLocale("fr-FR"))
	require.Equal(t, "fr-CA", StripeLocale("fr_CA"))
	require.Equal(t, "ja", StripeLocale("ja-JP"))
	require.Equal(t, "auto", StripeLocale("not a locale"))
}
