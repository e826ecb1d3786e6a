package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/httpx"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/requestctx"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

const defaultHeartbeat = 15 * time.Second

// CheckoutHandlers exposes the checkout session API to signed-in shoppers and guests.
type CheckoutHandlers struct {
	checkout    services.CheckoutService
	validate    *validator.Validate
	policy      *bluemonday.Policy
	submitGuard func(http.Handler) http.Handler
	heartbeat   time.Duration
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithSubmitGuard wraps the submit route, typically with the idempotency middleware.
func WithSubmitGuard(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.submitGuard = mw
	}
}

// WithEventHeartbeat sets the keep-alive interval of the events stream.
func WithEventHeartbeat(interval time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if interval > 0 {
			h.heartbeat = interval
		}
	}
}

// NewCheckoutHandlers constructs the handlers. Authentication is applied by the router group.
func NewCheckoutHandlers(checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)
	h := &CheckoutHandlers{
		checkout:  checkout,
		validate:  validate,
		policy:    bluemonday.StrictPolicy(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the session endpoints relative to the mounted group.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.start)
	r.Route("/{checkoutId}", func(s chi.Router) {
		s.Get("/", h.state)
		s.Delete("/", h.abandon)
		s.Put("/address", h.updateAddress)
		s.Put("/fulfillment/{shopId}", h.setFulfillment)
		s.Put("/items", h.replaceItems)
		s.Post("/quote", h.refreshQuote)
		if h.submitGuard != nil {
			s.With(h.submitGuard).Post("/submit", h.submit)
		} else {
			s.Post("/submit", h.submit)
		}
		s.Post("/card/confirm", h.confirmCard)
		s.Post("/hybrid/complete", h.completeHybrid)
		s.Post("/retry", h.restart)
		s.Get("/events", h.events)
	})
}

func (h *CheckoutHandlers) start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.shopper(w, r)
	if !ok {
		return
	}
	var req startCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkPrices(w, r, req.Items) {
		return
	}
	cmd := services.StartCheckoutCommand{
		Owner: identity.Owner(),
		Buyer: identity.Buyer(),
		Items: itemsToDomain(req.Items),
	}
	if req.Address != nil {
		address := req.Address.toDomain(h.policy)
		cmd.Address = &address
	}

	state, err := h.checkout.Start(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	w.Header().Set("Location", strings.TrimSuffix(r.URL.Path, "/")+"/"+state.ID)
	writeState(ctx, w, http.StatusCreated, state)
}

func (h *CheckoutHandlers) state(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id, owner string) (services.CheckoutState, error) {
		return h.checkout.State(ctx, id, owner)
	})
}

func (h *CheckoutHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if !h.decode(w, r, &req) {
		return
	}
	address := req.toDomain(h.policy)
	h.respond(w, r, func(ctx context.Context, id, owner string) (services.CheckoutState, error) {
		return h.checkout.UpdateAddress(ctx, id, owner, address)
	})
}

func (h *CheckoutHandlers) setFulfillment(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	shopID := strings.TrimSpace(chi.URLParam(r, "shopId"))
	pref := services.FulfillmentPreference(req.Preference)
	h.respond(w, r, func(ctx context.Context, id, owner string) (services.CheckoutState, error) {
		return h.checkout.SetFulfillmentPreference(ctx, id, owner, shopID, pref)
	})
}

func (h *CheckoutHandlers) replaceItems(w http.ResponseWriter, r *http.Request) {
	var req replaceItemsRequest
	if !h.decode(w, r, &req) || !h.checkPrices(w, r, req.Items) {
		return
	}
	items := itemsToDomain(req.Items)
	h.respond(w, r, func(ctx context.Context, id, owner string) (services.CheckoutState, error) {
		return h.checkout.ReplaceItems(ctx, id, owner, items)
	})
}

func (h *CheckoutHandlers) refreshQuote(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id, owner string) (services.CheckoutState, error) {
		return h.checkout.RefreshQuote(ctx, id, owner)
	})
}

func (h *CheckoutHandlers) restart(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id, owner string) (services.CheckoutState, error) {
		return h.checkout.Restart(ctx, id, owner)
	})
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.shopper(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.checkout.Submit(ctx, chi.URLParam(r, "checkoutId"), identity.Owner(), services.SettlementMode(req.Mode))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	annotateState(ctx, result.State)
	requestctx.Annotate(ctx, zap.String("settlement_phase", string(result.Outcome.Phase)))
	resp := submitResponse{Checkout: newCheckoutStateResponse(result.State), Settlement: newSettlementResponse(&result.Outcome)}
	status := http.StatusOK
	if result.Outcome.Phase != services.PhaseSettled {
		// the card leg completes out of band
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, resp)
}

func (h *CheckoutHandlers) confirmCard(w http.ResponseWriter, r *http.Request) {
	h.verifyHandle(w, r, h.checkout.ConfirmCardPayment)
}

func (h *CheckoutHandlers) completeHybrid(w http.ResponseWriter, r *http.Request) {
	h.verifyHandle(w, r, h.checkout.CompleteHybrid)
}

type handleVerifier func(ctx context.Context, id, owner, handle string) (services.CheckoutState, error)

func (h *CheckoutHandlers) verifyHandle(w http.ResponseWriter, r *http.Request, verify handleVerifier) {
	ctx := r.Context()
	identity, ok := h.shopper(w, r)
	if !ok {
		return
	}
	var req sessionHandleRequest
	if !h.decode(w, r, &req) {
		return
	}
	state, err := verify(ctx, chi.URLParam(r, "checkoutId"), identity.Owner(), strings.TrimSpace(req.SessionHandle))
	if errors.Is(err, services.ErrCardLegPending) {
		writeState(ctx, w, http.StatusAccepted, state)
		return
	}
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeState(ctx, w, http.StatusOK, state)
}

func (h *CheckoutHandlers) abandon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.shopper(w, r)
	if !ok {
		return
	}
	if err := h.checkout.Abandon(ctx, chi.URLParam(r, "checkoutId"), identity.Owner()); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams status transitions as server-sent events until the checkout closes or the client leaves.
func (h *CheckoutHandlers) events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.shopper(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "checkoutId")
	state, err := h.checkout.State(ctx, id, identity.Owner())
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	transitions, cancel, err := h.checkout.Subscribe(ctx, id, identity.Owner())
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, rc, "state", fmt.Sprint(state.Revision), newCheckoutStateResponse(state)); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil || rc.Flush() != nil {
				return
			}
		case transition, open := <-transitions:
			if !open {
				_ = writeSSE(w, rc, "closed", "", map[string]string{"checkoutId": id})
				return
			}
			if err := writeSSE(w, rc, "transition", fmt.Sprint(transition.Revision), newTransitionResponse(transition)); err != nil {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, event, id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return rc.Flush()
}

type stateOperation func(ctx context.Context, id, owner string) (services.CheckoutState, error)

func (h *CheckoutHandlers) respond(w http.ResponseWriter, r *http.Request, op stateOperation) {
	ctx := r.Context()
	identity, ok := h.shopper(w, r)
	if !ok {
		return
	}
	state, err := op(ctx, chi.URLParam(r, "checkoutId"), identity.Owner())
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeState(ctx, w, http.StatusOK, state)
}

func (h *CheckoutHandlers) shopper(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.Owner() == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "sign in or provide a guest token", http.StatusUnauthorized))
		return nil, false
	}
	if h.checkout == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	return identity, true
}

func (h *CheckoutHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	if n, ok := dst.(interface{ normalise() }); ok {
		n.normalise()
	}
	if err := h.validate.StructCtx(ctx, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request failed validation", http.StatusBadRequest).
			WithDetails(map[string]any{"fields": validationFields(err)}))
		return false
	}
	return true
}

func (h *CheckoutHandlers) checkPrices(w http.ResponseWriter, r *http.Request, items []cartItemRequest) bool {
	for i, item := range items {
		if item.UnitPrice.IsNegative() || item.Weight.IsNegative() {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "request failed validation", http.StatusBadRequest).
				WithDetails(map[string]any{"fields": map[string]string{fmt.Sprintf("items[%d]", i): "unitPrice and weight must not be negative"}}))
			return false
		}
	}
	return true
}

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return field.Name
	}
	return name
}

func validationFields(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["body"] = err.Error()
		return fields
	}
	for _, fe := range verrs {
		name := fe.Namespace()
		if idx := strings.IndexByte(name, '.'); idx >= 0 {
			name = name[idx+1:]
		}
		fields[name] = fe.Tag()
	}
	return fields
}

// writeCheckoutError maps service failures onto the error envelope. Classified failures carry
// their kind and next step under details.
func writeState(ctx context.Context, w http.ResponseWriter, status int, state services.CheckoutState) {
	annotateState(ctx, state)
	httpx.WriteJSON(w, status, newCheckoutStateResponse(state))
}

func annotateState(ctx context.Context, state services.CheckoutState) {
	requestctx.Annotate(ctx,
		zap.String("checkout_id", state.ID),
		zap.String("checkout_status", string(state.Status)),
		zap.Uint64("revision", state.Revision),
	)
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	requestctx.Annotate(ctx, zap.NamedError("checkout_error", err))
	var classified *services.CheckoutError
	var invalidCart *services.InvalidCartError
	switch {
	case errors.As(err, &invalidCart):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_cart", invalidCart.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"index": invalidCart.Index, "reason": invalidCart.Reason}))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "checkout not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutClosed):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_closed", "checkout is already finished", http.StatusGone))
	case errors.Is(err, services.ErrSubmissionInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("submission_in_flight", "checkout is already being submitted", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutNotReady):
		e := httpx.NewError("checkout_not_ready", "checkout is not ready to submit", http.StatusConflict)
		if errors.As(err, &classified) {
			e = e.WithDetails(checkoutErrorDetails(classified))
		}
		httpx.WriteError(ctx, w, e)
	case errors.Is(err, services.ErrSettlementNotPending):
		httpx.WriteError(ctx, w, httpx.NewError("settlement_not_pending", "no payment is awaiting confirmation", http.StatusConflict))
	case errors.Is(err, services.ErrSessionHandleMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("session_handle_mismatch", "payment session does not belong to this checkout", http.StatusUnprocessableEntity))
	case errors.As(err, &classified):
		httpx.WriteError(ctx, w, httpx.NewError(strings.ToLower(string(classified.Kind)), classified.Message, checkoutErrorStatus(classified.Kind)).
			WithDetails(checkoutErrorDetails(classified)))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout dependencies are unavailable, try again", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

func checkoutErrorStatus(kind services.ErrorKind) int {
	switch kind {
	case services.ErrorKindAddressRejected, services.ErrorKindInsufficientPoints:
		return http.StatusUnprocessableEntity
	case services.ErrorKindCapabilityConflict, services.ErrorKindFulfillmentChoiceRequired,
		services.ErrorKindStockConflict, services.ErrorKindItemsChangedConcurrently:
		return http.StatusConflict
	case services.ErrorKindAuthRequired:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func checkoutErrorDetails(err *services.CheckoutError) map[string]any {
	details := map[string]any{"kind": string(err.Kind)}
	resp := newCheckoutErrorResponse(err)
	if resp.NextStep != "" {
		details["nextStep"] = resp.NextStep
	}
	if resp.Detail != "" {
		details["detail"] = resp.Detail
	}
	if len(resp.ShopIDs) > 0 {
		details["shopIds"] = resp.ShopIDs
	}
	if len(resp.StockIssues) > 0 {
		details["stockIssues"] = resp.StockIssues
	}
	if resp.Partial {
		details["partial"] = true
	}
	return details
}
