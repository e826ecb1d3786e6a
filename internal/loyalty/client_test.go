package loyalty

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{
		BaseURL: srv.URL,
		Retries: 2,
		Backoff: gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	return client
}

func cartItems() []services.CartLineItem {
	return []services.CartLineItem{{
		ProductID:      "p-1",
		ShopID:         "s-1",
		ShopCapability: domain.ShopCapabilityFullEcommerce,
		Quantity:       2,
		UnitPrice:      decimal.RequireFromString("5.00"),
	}}
}

func TestCheckEligibilityDecodesWrappedAndBareResponses(t *testing.T) {
	bodies := map[string]string{
		"wrapped": `{"shops":[{"shopId":"s-1","currentPointsBalance":1250,"currentPointsValue":12.5,"canPayWithPoints":true}]}`,
		"bare":    `[{"shopId":"s-1","currentPointsBalance":1250,"currentPointsValue":"12.50","canPayWithPoints":true}]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			var payload eligibilityPayload
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, eligibilityPath, r.URL.Path)
				_ = json.NewDecoder(r.Body).Decode(&payload)
				_, _ = w.Write([]byte(body))
			})

			shops, err := client.CheckEligibility(context.Background(), services.EligibilityRequest{UserID: "user-1", Items: cartItems()})
			require.NoError(t, err)
			require.Equal(t, "user-1", payload.UserID)
			require.Len(t, payload.Items, 1)
			require.Len(t, shops, 1)
			require.Equal(t, int64(1250), shops[0].CurrentPointsBalance)
			require.True(t, shops[0].CurrentPointsValue.Equal(decimal.RequireFromString("12.50")))
			require.True(t, shops[0].CanPayWithPoints)
		})
	}
}

func TestCheckEligibilityRequiresUser(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("guests must not reach the loyalty service")
	})
	_, err := client.CheckEligibility(context.Background(), services.EligibilityRequest{Items: cartItems()})
	require.Equal(t, services.ErrorKindAuthRequired, services.ClassifyError(err).Kind)
}

func TestCheckEligibilityMapsUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"UNAUTHORIZED","message":"token expired"}`))
	})
	_, err := client.CheckEligibility(context.Background(), services.EligibilityRequest{UserID: "user-1", Items: cartItems()})

	var collaborator *services.CollaboratorError
	require.ErrorAs(t, err, &collaborator)
	require.Equal(t, "loyalty", collaborator.Service)
	require.Equal(t, services.ErrorKindAuthRequired, services.ClassifyError(err).Kind)
}

func TestProcessPointsPaymentSendsPlanOnce(t *testing.T) {
	var calls atomic.Int32
	var payload pointsPaymentPayload
	var idempotencyKey string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		idempotencyKey = r.Header.Get(idempotencyHeader)
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"success":true,"orderId":981,"orderNumber":"ORD-981","pointsUsed":400,"pointsValue":4.00,"hybridPayment":true,"stripeSessionId":"cs_h","sessionUrl":"https://pay.example/cs_h"}`))
	})

	pickup := domain.FulfillmentPickup
	result, err := client.ProcessPointsPayment(context.Background(), services.PointsPaymentRequest{
		CheckoutID:  "chk-1",
		UserID:      "user-1",
		Items:       cartItems(),
		Address:     services.DeliveryAddress{StreetAddress: "1 Main St", City: "Kigali", Country: "RW"},
		Preferences: map[string]services.FulfillmentPreference{"s-1": pickup},
		Plan: services.PointsPlan{
			Allocations: []domain.ShopPointsAllocation{{
				ShopID:      "s-1",
				PointsToUse: 400,
				UsableValue: decimal.RequireFromString("4.00"),
			}},
			TotalPoints:      400,
			TotalPointsValue: decimal.RequireFromString("4.00"),
		},
		Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, "points-chk-1", idempotencyKey)
	require.Equal(t, int64(400), payload.PointsToUse)
	require.Len(t, payload.ShopPoints, 1)
	require.Equal(t, "s-1", payload.ShopPoints[0].ShopID)
	require.Equal(t, int64(400), payload.ShopPoints[0].PointsToUse)
	require.True(t, payload.ShopPoints[0].PointsValue.Equal(decimal.RequireFromString("4.00")))
	require.Equal(t, "PICKUP", payload.ShopFulfillmentPreferences[0].FulfillmentType)

	require.True(t, result.Success)
	require.True(t, result.HybridPayment)
	require.Equal(t, "981", result.OrderID)
	require.Equal(t, "cs_h", result.SessionHandle)
	require.Equal(t, "https://pay.example/cs_h", result.RedirectURL)
}

func TestProcessPointsPaymentIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.ProcessPointsPayment(context.Background(), services.PointsPaymentRequest{CheckoutID: "chk-1", UserID: "user-1"})
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestCompleteHybridPayment(t *testing.T) {
	var payload hybridCompletionPayload
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, hybridCompletePath, r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"success":true,"orderId":"o-1","orderNumber":"ORD-1","pointsUsed":400,"pointsValue":"4.00"}`))
	})

	result, err := client.CompleteHybridPayment(context.Background(), services.HybridCompletionRequest{UserID: "user-1", OrderID: "o-1", SessionHandle: "cs_h"})
	require.NoError(t, err)
	require.Equal(t, hybridCompletionPayload{UserID: "user-1", OrderID: "o-1", StripeSessionID: "cs_h"}, payload)
	require.Equal(t, "ORD-1", result.OrderNumber)
}

func TestLoyaltyTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	srv.Close()

	_, err = client.CompleteHybridPayment(context.Background(), services.HybridCompletionRequest{UserID: "user-1", OrderID: "o-1", SessionHandle: "cs_h"})
	require.True(t, errors.Is(err, services.ErrCheckoutUnavailable), "got %v", err)
}
