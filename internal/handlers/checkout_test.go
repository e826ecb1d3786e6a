package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

type stubCheckoutService struct {
	startFunc       func(context.Context, services.StartCheckoutCommand) (services.CheckoutState, error)
	stateFunc       func(context.Context, string, string) (services.CheckoutState, error)
	addressFunc     func(context.Context, string, string, services.DeliveryAddress) (services.CheckoutState, error)
	fulfillmentFunc func(context.Context, string, string, string, services.FulfillmentPreference) (services.CheckoutState, error)
	itemsFunc       func(context.Context, string, string, []services.CartLineItem) (services.CheckoutState, error)
	submitFunc      func(context.Context, string, string, services.SettlementMode) (services.SubmitResult, error)
	confirmFunc     func(context.Context, string, string, string) (services.CheckoutState, error)
	abandonFunc     func(context.Context, string, string) error
	subscribeFunc   func(context.Context, string, string) (<-chan services.Transition, func(), error)
}

func (s *stubCheckoutService) Start(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutState, error) {
	if s.startFunc == nil {
		return services.CheckoutState{}, errors.New("unexpected Start")
	}
	return s.startFunc(ctx, cmd)
}

func (s *stubCheckoutService) State(ctx context.Context, id, owner string) (services.CheckoutState, error) {
	if s.stateFunc == nil {
		return services.CheckoutState{ID: id, Status: services.StatusReady}, nil
	}
	return s.stateFunc(ctx, id, owner)
}

func (s *stubCheckoutService) UpdateAddress(ctx context.Context, id, owner string, address services.DeliveryAddress) (services.CheckoutState, error) {
	if s.addressFunc == nil {
		return services.CheckoutState{}, errors.New("unexpected UpdateAddress")
	}
	return s.addressFunc(ctx, id, owner, address)
}

func (s *stubCheckoutService) SetFulfillmentPreference(ctx context.Context, id, owner, shopID string, pref services.FulfillmentPreference) (services.CheckoutState, error) {
	if s.fulfillmentFunc == nil {
		return services.CheckoutState{}, errors.New("unexpected SetFulfillmentPreference")
	}
	return s.fulfillmentFunc(ctx, id, owner, shopID, pref)
}

func (s *stubCheckoutService) ReplaceItems(ctx context.Context, id, owner string, items []services.CartLineItem) (services.CheckoutState, error) {
	if s.itemsFunc == nil {
		return services.CheckoutState{}, errors.New("unexpected ReplaceItems")
	}
	return s.itemsFunc(ctx, id, owner, items)
}

func (s *stubCheckoutService) RefreshQuote(ctx context.Context, id, owner string) (services.CheckoutState, error) {
	return s.State(ctx, id, owner)
}

func (s *stubCheckoutService) Submit(ctx context.Context, id, owner string, mode services.SettlementMode) (services.SubmitResult, error) {
	if s.submitFunc == nil {
		return services.SubmitResult{}, errors.New("unexpected Submit")
	}
	return s.submitFunc(ctx, id, owner, mode)
}

func (s *stubCheckoutService) ConfirmCardPayment(ctx context.Context, id, owner, handle string) (services.CheckoutState, error) {
	if s.confirmFunc == nil {
		return services.CheckoutState{}, errors.New("unexpected ConfirmCardPayment")
	}
	return s.confirmFunc(ctx, id, owner, handle)
}

func (s *stubCheckoutService) CompleteHybrid(ctx context.Context, id, owner, handle string) (services.CheckoutState, error) {
	return s.ConfirmCardPayment(ctx, id, owner, handle)
}

func (s *stubCheckoutService) Restart(ctx context.Context, id, owner string) (services.CheckoutState, error) {
	return s.State(ctx, id, owner)
}

func (s *stubCheckoutService) Abandon(ctx context.Context, id, owner string) error {
	if s.abandonFunc == nil {
		return nil
	}
	return s.abandonFunc(ctx, id, owner)
}

func (s *stubCheckoutService) Subscribe(ctx context.Context, id, owner string) (<-chan services.Transition, func(), error) {
	if s.subscribeFunc == nil {
		return nil, nil, errors.New("unexpected Subscribe")
	}
	return s.subscribeFunc(ctx, id, owner)
}

func newCheckoutRouter(svc services.CheckoutService, opts ...CheckoutOption) chi.Router {
	router := chi.NewRouter()
	router.Route("/checkout/sessions", NewCheckoutHandlers(svc, opts...).Routes)
	return router
}

func asShopper(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body: %v (%s)", err, rr.Body.String())
	}
	return body
}

func TestCheckoutHandlersStartSanitisesAndScopesToOwner(t *testing.T) {
	var captured services.StartCheckoutCommand
	svc := &stubCheckoutService{
		startFunc: func(_ context.Context, cmd services.StartCheckoutCommand) (services.CheckoutState, error) {
			captured = cmd
			return services.CheckoutState{ID: "chk-1", Revision: 1, Status: services.StatusQuotePending, Buyer: cmd.Buyer}, nil
		},
	}
	router := newCheckoutRouter(svc)

	payload := `{
		"items":[{"productId":"p-1","shopId":"s-1","shopCapability":"full_ecommerce","quantity":2,"unitPrice":"5.00","weight":"0.4"}],
		"address":{"streetAddress":"<b>1 Main St</b>","city":"Kigali","country":"rw"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/checkout/sessions/", bytes.NewBufferString(payload))
	req = asShopper(req, &auth.Identity{UID: "user-1", Email: "a@example.com"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/checkout/sessions/chk-1" {
		t.Fatalf("unexpected location %q", loc)
	}
	if captured.Owner != "user-1" || captured.Buyer.UserID != "user-1" {
		t.Fatalf("expected owner user-1, got %+v", captured)
	}
	if len(captured.Items) != 1 || captured.Items[0].ShopCapability != domain.ShopCapabilityFullEcommerce {
		t.Fatalf("unexpected items %+v", captured.Items)
	}
	if !captured.Items[0].UnitPrice.Equal(decimal.RequireFromString("5")) {
		t.Fatalf("unexpected unit price %s", captured.Items[0].UnitPrice)
	}
	if captured.Address == nil || captured.Address.StreetAddress != "1 Main St" || captured.Address.Country != "RW" {
		t.Fatalf("expected sanitised address, got %+v", captured.Address)
	}

	var resp checkoutStateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "chk-1" || resp.Status != string(services.StatusQuotePending) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCheckoutHandlersRejectInvalidBodies(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})
	guest := &auth.Identity{GuestToken: "g-1"}
	cases := map[string]struct {
		method string
		path   string
		body   string
		field  string
	}{
		"empty cart":         {http.MethodPost, "/checkout/sessions/", `{"items":[]}`, "items"},
		"zero quantity":      {http.MethodPost, "/checkout/sessions/", `{"items":[{"productId":"p","shopId":"s","quantity":0,"unitPrice":"1"}]}`, "items[0].quantity"},
		"negative price":     {http.MethodPost, "/checkout/sessions/", `{"items":[{"productId":"p","shopId":"s","shopCapability":"HYBRID","quantity":1,"unitPrice":"-1"}]}`, "items[0]"},
		"unknown preference": {http.MethodPut, "/checkout/sessions/chk-1/fulfillment/s-1", `{"preference":"drone"}`, "preference"},
		"unknown mode":       {http.MethodPost, "/checkout/sessions/chk-1/submit", `{"mode":"cash"}`, "mode"},
		"bad country":        {http.MethodPut, "/checkout/sessions/chk-1/address", `{"streetAddress":"1 Main","city":"Kigali","country":"Rwanda"}`, "country"},
		"missing handle":     {http.MethodPost, "/checkout/sessions/chk-1/card/confirm", `{}`, "sessionHandle"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := asShopper(httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)), guest)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			body := decodeErrorBody(t, rr)
			details, _ := body["details"].(map[string]any)
			fields, _ := details["fields"].(map[string]any)
			if _, ok := fields[tc.field]; !ok {
				t.Fatalf("expected field %q in %v", tc.field, fields)
			}
		})
	}
}

func TestCheckoutHandlersRequireIdentity(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})
	req := httptest.NewRequest(http.MethodGet, "/checkout/sessions/chk-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutHandlersSubmitNormalisesMode(t *testing.T) {
	var gotMode services.SettlementMode
	var gotOwner string
	svc := &stubCheckoutService{
		submitFunc: func(_ context.Context, id, owner string, mode services.SettlementMode) (services.SubmitResult, error) {
			gotMode, gotOwner = mode, owner
			return services.SubmitResult{
				State: services.CheckoutState{ID: id, Status: services.StatusSubmitting},
				Outcome: services.SettlementOutcome{
					Mode:          domain.SettlementModeCard,
					Phase:         services.PhaseAwaitingCard,
					SessionHandle: "cs_1",
					RedirectURL:   "https://pay.example/cs_1",
				},
			}, nil
		},
	}
	router := newCheckoutRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/checkout/sessions/chk-1/submit", strings.NewReader(`{"mode":" card "}`))
	req = asShopper(req, &auth.Identity{GuestToken: "g-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while the card leg is open, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotMode != domain.SettlementModeCard {
		t.Fatalf("expected CARD, got %q", gotMode)
	}
	if gotOwner != "guest:g-1" {
		t.Fatalf("expected guest owner, got %q", gotOwner)
	}
	var resp submitResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Settlement == nil || resp.Settlement.RedirectURL != "https://pay.example/cs_1" {
		t.Fatalf("expected redirect in settlement, got %+v", resp.Settlement)
	}
}

func TestCheckoutHandlersSubmitUsesGuard(t *testing.T) {
	guarded := false
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guarded = true
			next.ServeHTTP(w, r)
		})
	}
	svc := &stubCheckoutService{
		submitFunc: func(_ context.Context, id, _ string, mode services.SettlementMode) (services.SubmitResult, error) {
			return services.SubmitResult{
				State:   services.CheckoutState{ID: id, Status: services.StatusSettled},
				Outcome: services.SettlementOutcome{Mode: mode, Phase: services.PhaseSettled, OrderID: "o-1"},
			}, nil
		},
	}
	router := newCheckoutRouter(svc, WithSubmitGuard(guard))

	req := asShopper(httptest.NewRequest(http.MethodPost, "/checkout/sessions/chk-1/submit", strings.NewReader(`{"mode":"POINTS"}`)), &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !guarded {
		t.Fatalf("expected submit guard to run")
	}
}

func TestCheckoutHandlersMapErrors(t *testing.T) {
	notReady := fmt.Errorf("%w: %w", services.ErrCheckoutNotReady, services.NewCheckoutError(services.ErrorKindFulfillmentChoiceRequired, nil))
	cases := map[string]struct {
		err    error
		status int
		code   string
		kind   string
	}{
		"not found":       {services.ErrCheckoutNotFound, http.StatusNotFound, "checkout_not_found", ""},
		"closed":          {services.ErrCheckoutClosed, http.StatusGone, "checkout_closed", ""},
		"in flight":       {services.ErrSubmissionInFlight, http.StatusConflict, "submission_in_flight", ""},
		"not ready":       {notReady, http.StatusConflict, "checkout_not_ready", string(services.ErrorKindFulfillmentChoiceRequired)},
		"auth required":   {services.NewCheckoutError(services.ErrorKindAuthRequired, nil), http.StatusUnauthorized, "auth_required", string(services.ErrorKindAuthRequired)},
		"stock conflict":  {services.NewCheckoutError(services.ErrorKindStockConflict, nil), http.StatusConflict, "stock_conflict", string(services.ErrorKindStockConflict)},
		"address":         {services.NewCheckoutError(services.ErrorKindAddressRejected, nil), http.StatusUnprocessableEntity, "address_rejected", string(services.ErrorKindAddressRejected)},
		"unavailable":     {fmt.Errorf("%w: pricing down", services.ErrCheckoutUnavailable), http.StatusServiceUnavailable, "checkout_unavailable", ""},
		"unknown failure": {errors.New("boom"), http.StatusInternalServerError, "checkout_error", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubCheckoutService{
				submitFunc: func(context.Context, string, string, services.SettlementMode) (services.SubmitResult, error) {
					return services.SubmitResult{}, tc.err
				},
			}
			router := newCheckoutRouter(svc)
			req := asShopper(httptest.NewRequest(http.MethodPost, "/checkout/sessions/chk-1/submit", strings.NewReader(`{"mode":"AUTO"}`)), &auth.Identity{UID: "user-1"})
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeErrorBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
			if tc.kind != "" {
				details, _ := body["details"].(map[string]any)
				if details["kind"] != tc.kind {
					t.Fatalf("expected kind %s, got %v", tc.kind, details)
				}
			}
		})
	}
}

func TestCheckoutHandlersConfirmCardPending(t *testing.T) {
	svc := &stubCheckoutService{
		confirmFunc: func(_ context.Context, id, _ string, handle string) (services.CheckoutState, error) {
			if handle != "cs_1" {
				t.Fatalf("unexpected handle %q", handle)
			}
			return services.CheckoutState{ID: id, Status: services.StatusSubmitting}, services.ErrCardLegPending
		},
	}
	router := newCheckoutRouter(svc)
	req := asShopper(httptest.NewRequest(http.MethodPost, "/checkout/sessions/chk-1/card/confirm", strings.NewReader(`{"sessionHandle":" cs_1 "}`)), &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCheckoutHandlersSetFulfillmentUsesShopParam(t *testing.T) {
	svc := &stubCheckoutService{
		fulfillmentFunc: func(_ context.Context, id, _ string, shopID string, pref services.FulfillmentPreference) (services.CheckoutState, error) {
			if shopID != "s-2" || pref != domain.FulfillmentPickup {
				t.Fatalf("unexpected shop %q pref %q", shopID, pref)
			}
			return services.CheckoutState{ID: id, Status: services.StatusQuotePending}, nil
		},
	}
	router := newCheckoutRouter(svc)
	req := asShopper(httptest.NewRequest(http.MethodPut, "/checkout/sessions/chk-1/fulfillment/s-2", strings.NewReader(`{"preference":"pickup"}`)), &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCheckoutHandlersAbandon(t *testing.T) {
	var abandoned string
	svc := &stubCheckoutService{
		abandonFunc: func(_ context.Context, id, _ string) error {
			abandoned = id
			return nil
		},
	}
	router := newCheckoutRouter(svc)
	req := asShopper(httptest.NewRequest(http.MethodDelete, "/checkout/sessions/chk-9", nil), &auth.Identity{UID: "user-1"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || abandoned != "chk-9" {
		t.Fatalf("expected 204 for chk-9, got %d (%q)", rr.Code, abandoned)
	}
}

func TestCheckoutHandlersEventsStreamTransitions(t *testing.T) {
	transitions := make(chan services.Transition, 1)
	cancelled := make(chan struct{})
	svc := &stubCheckoutService{
		subscribeFunc: func(context.Context, string, string) (<-chan services.Transition, func(), error) {
			return transitions, func() { close(cancelled) }, nil
		},
	}
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, asShopper(r, &auth.Identity{UID: "user-1"}))
		})
	})
	router.Route("/checkout/sessions", NewCheckoutHandlers(svc, WithEventHeartbeat(time.Hour)).Routes)
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/checkout/sessions/chk-1/events")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	transitions <- services.Transition{CheckoutID: "chk-1", From: services.StatusQuotePending, To: services.StatusReady, Revision: 2}
	close(transitions)

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	want := []string{"state", "transition", "closed"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("expected subscription to be cancelled")
	}
}
