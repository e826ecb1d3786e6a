package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

const (
	defaultQuoteQuietPeriod = 600 * time.Millisecond
	defaultCurrency         = "USD"
	subscriberBuffer        = 16
)

// CheckoutEngineDeps wires the collaborators shared by every checkout engine.
type CheckoutEngineDeps struct {
	Pricing     PricingClient
	Dispatcher  *SettlementDispatcher
	Events      EventPublisher
	Metrics     CheckoutMetrics
	Scheduler   Scheduler
	QuietPeriod time.Duration
	Currency    string
	Clock       func() time.Time
	Logger      Logger
}

// CheckoutInput is what the shopper brings to checkout.
type CheckoutInput struct {
	ID      string
	Buyer   Buyer
	Items   []CartLineItem
	Address *DeliveryAddress
}

// CheckoutState is a read-only snapshot of one checkout attempt.
type CheckoutState struct {
	ID             string
	Revision       uint64
	Status         CheckoutStatus
	Buyer          Buyer
	Address        DeliveryAddress
	MissingFields  []string
	Groups         []ShopGroup
	Quote          *PriceQuote
	QuoteFresh     bool
	RequiredShops  []string
	Blocking       *CheckoutError
	BlockingReason string
	Settlement     *SettlementOutcome
	UpdatedAt      time.Time
}

// Transition is emitted whenever the status changes.
type Transition struct {
	CheckoutID string
	From       CheckoutStatus
	To         CheckoutStatus
	Revision   uint64
	Reason     *CheckoutError
	At         time.Time
}

// SubmitResult is returned by Submit.
type SubmitResult struct {
	State   CheckoutState
	Outcome SettlementOutcome
}

// CheckoutEngine is the readiness state machine for one shopper's checkout attempt.
// All methods are safe for concurrent use.
type CheckoutEngine struct {
	mu sync.Mutex

	id       string
	buyer    Buyer
	currency string

	pricing    PricingClient
	dispatcher *SettlementDispatcher
	events     EventPublisher
	metrics    CheckoutMetrics
	now        func() time.Time
	logger     Logger
	debounce   *debouncer
	flight     singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	items   []CartLineItem
	prefs   map[string]FulfillmentPreference
	groups  []ShopGroup
	address DeliveryAddress
	forced  map[string]struct{}

	revision      uint64
	quote         *PriceQuote
	quoteRevision uint64
	inFlight      bool
	inFlightRev   uint64
	failedRev     uint64
	blocking      *CheckoutError

	status     CheckoutStatus
	failure    *CheckoutError
	settlement *SettlementOutcome
	verifying  bool
	closed     bool
	updatedAt  time.Time

	subscribers map[int]chan Transition
	nextSubID   int
}

// NewCheckoutEngine creates the engine for a checkout-eligible cart.
// Carts containing display-only items are rejected with a CapabilityConflict error.
func NewCheckoutEngine(deps CheckoutEngineDeps, input CheckoutInput) (*CheckoutEngine, error) {
	if deps.Pricing == nil {
		return nil, errors.New("checkout engine: pricing client is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("checkout engine: settlement dispatcher is required")
	}
	if len(input.Items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrCheckoutInvalidInput)
	}

	groups, err := GroupCartByShop(input.Items, nil)
	if err != nil {
		return nil, err
	}
	if shops := VisualizationOnlyShops(groups); len(shops) > 0 {
		conflict := NewCheckoutError(ErrorKindCapabilityConflict, nil)
		conflict.ShopIDs = shops
		return nil, conflict
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	quiet := deps.QuietPeriod
	if quiet <= 0 {
		quiet = defaultQuoteQuietPeriod
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = ulid.Make().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &CheckoutEngine{
		id:          id,
		buyer:       input.Buyer,
		currency:    currency,
		pricing:     deps.Pricing,
		dispatcher:  deps.Dispatcher,
		events:      deps.Events,
		metrics:     metrics,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
		debounce:    newDebouncer(deps.Scheduler, quiet),
		ctx:         ctx,
		cancel:      cancel,
		items:       append([]CartLineItem(nil), input.Items...),
		prefs:       make(map[string]FulfillmentPreference),
		groups:      groups,
		forced:      make(map[string]struct{}),
		revision:    1,
		subscribers: make(map[int]chan Transition),
	}
	if input.Address != nil {
		e.address = *input.Address
	}
	e.updatedAt = e.now()

	e.mu.Lock()
	e.status = e.deriveStatusLocked()
	e.metrics.StatusTransition("", e.status)
	if e.status == StatusQuotePending {
		e.scheduleQuoteLocked()
	}
	e.mu.Unlock()

	return e, nil
}

// ID returns the checkout id.
func (e *CheckoutEngine) ID() string {
	return e.id
}

// Owner returns the buyer the checkout belongs to.
func (e *CheckoutEngine) Owner() Buyer {
	return e.buyer
}

// State returns a snapshot of the checkout.
func (e *CheckoutEngine) State() CheckoutState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// LastActivity reports when the checkout last changed.
func (e *CheckoutEngine) LastActivity() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updatedAt
}

// Closed reports whether the checkout was abandoned.
func (e *CheckoutEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// UpdateAddress replaces the delivery address. Any change stales the quote and debounces a new one.
func (e *CheckoutEngine) UpdateAddress(ctx context.Context, address DeliveryAddress) (CheckoutState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureEditableLocked(); err != nil {
		return e.snapshotLocked(), err
	}
	if e.address.Equal(address) {
		return e.snapshotLocked(), nil
	}
	e.address = address
	e.blocking = nil
	e.bumpLocked(ctx, "address")
	return e.snapshotLocked(), nil
}

// SetFulfillmentPreference records the shopper's pickup or delivery choice for a shop.
// The requirement clears immediately; the choice is validated by the next quote.
func (e *CheckoutEngine) SetFulfillmentPreference(ctx context.Context, shopID string, pref FulfillmentPreference) (CheckoutState, error) {
	shopID = strings.TrimSpace(shopID)
	pref = FulfillmentPreference(strings.ToUpper(strings.TrimSpace(string(pref))))
	if shopID == "" || !pref.Valid() {
		return e.State(), fmt.Errorf("%w: shop and a PICKUP or DELIVERY preference are required", ErrCheckoutInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureEditableLocked(); err != nil {
		return e.snapshotLocked(), err
	}
	if !e.hasShopLocked(shopID) {
		return e.snapshotLocked(), fmt.Errorf("%w: shop %s is not in the cart", ErrCheckoutInvalidInput, shopID)
	}
	if current, ok := e.prefs[shopID]; ok && current == pref {
		if _, forced := e.forced[shopID]; !forced {
			return e.snapshotLocked(), nil
		}
	}
	e.prefs[shopID] = pref
	delete(e.forced, shopID)
	if e.blocking != nil && e.blocking.Kind == ErrorKindFulfillmentChoiceRequired && len(e.forced) == 0 {
		e.blocking = nil
	}
	e.regroupLocked()
	e.bumpLocked(ctx, "fulfillment")
	return e.snapshotLocked(), nil
}

// ReplaceItems swaps the cart snapshot, for example after the cart changed elsewhere.
// An empty cart closes the checkout.
func (e *CheckoutEngine) ReplaceItems(ctx context.Context, items []CartLineItem) (CheckoutState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureEditableLocked(); err != nil {
		return e.snapshotLocked(), err
	}
	if len(items) == 0 {
		e.closeLocked()
		return e.snapshotLocked(), ErrCheckoutClosed
	}
	groups, err := GroupCartByShop(items, e.prefs)
	if err != nil {
		return e.snapshotLocked(), err
	}
	e.items = append([]CartLineItem(nil), items...)
	e.groups = groups
	for shopID := range e.prefs {
		if !e.hasShopLocked(shopID) {
			delete(e.prefs, shopID)
		}
	}
	for shopID := range e.forced {
		if !e.hasShopLocked(shopID) {
			delete(e.forced, shopID)
		}
	}
	if shops := VisualizationOnlyShops(groups); len(shops) > 0 {
		conflict := NewCheckoutError(ErrorKindCapabilityConflict, nil)
		conflict.ShopIDs = shops
		e.revision++
		e.failLocked(ctx, conflict)
		return e.snapshotLocked(), conflict
	}
	e.blocking = nil
	e.bumpLocked(ctx, "cart")
	return e.snapshotLocked(), nil
}

// RefreshQuote requests a quote for the current revision right away, skipping the quiet period.
// Concurrent refreshes of the same revision share one pricing call.
func (e *CheckoutEngine) RefreshQuote(ctx context.Context) (CheckoutState, error) {
	e.mu.Lock()
	if err := e.ensureEditableLocked(); err != nil {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return state, err
	}
	e.debounce.Stop()
	e.mu.Unlock()
	return e.requestQuote(ctx)
}

func (e *CheckoutEngine) requestQuote(ctx context.Context) (CheckoutState, error) {
	e.mu.Lock()
	if e.closed || e.status.IsTerminal() || e.status == StatusSubmitting {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return state, nil
	}
	if !e.address.IsComplete() || len(e.requiredShopsLocked()) > 0 {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return state, nil
	}
	if e.quote != nil && e.quoteRevision == e.revision {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return state, nil
	}

	rev := e.revision
	req := QuoteRequest{
		CheckoutID:  e.id,
		Address:     e.address,
		Groups:      cloneGroups(e.groups),
		Preferences: PreferenceSnapshot(e.groups),
		Currency:    e.currency,
	}
	e.inFlight = true
	e.inFlightRev = rev
	e.blocking = nil
	e.transitionLocked(ctx, e.deriveStatusLocked(), nil)
	e.mu.Unlock()

	raw, err, shared := e.flight.Do(strconv.FormatUint(rev, 10), func() (any, error) {
		// shared by every waiter: bounded by the engine lifetime, not the first caller's request
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(e.ctx, cancel)
		defer stop()

		e.metrics.QuoteRequested()
		start := e.now()
		quote, err := e.pricing.Quote(callCtx, req)
		e.logger(ctx, "checkout.quote.fetched", map[string]any{
			"checkoutId": e.id,
			"revision":   rev,
			"latency":    e.now().Sub(start).String(),
			"failed":     err != nil,
		})
		return quote, err
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight && e.inFlightRev == rev {
		e.inFlight = false
	}
	if shared && e.alreadyAppliedLocked(rev) {
		return e.snapshotLocked(), nil
	}

	if e.closed || e.status.IsTerminal() || e.status == StatusSubmitting || rev != e.revision {
		e.metrics.QuoteDropped("superseded")
		e.logger(ctx, "checkout.quote.dropped", map[string]any{
			"checkoutId":      e.id,
			"requestRevision": rev,
			"revision":        e.revision,
			"status":          string(e.status),
		})
		e.transitionLocked(ctx, e.deriveStatusLocked(), nil)
		return e.snapshotLocked(), nil
	}

	if err != nil {
		e.applyQuoteFailureLocked(ctx, rev, err)
		return e.snapshotLocked(), nil
	}

	quote, _ := raw.(PriceQuote)
	e.applyQuoteLocked(ctx, rev, quote, req.Preferences)
	return e.snapshotLocked(), nil
}

func (e *CheckoutEngine) alreadyAppliedLocked(rev uint64) bool {
	return (e.quote != nil && e.quoteRevision == rev) || e.failedRev == rev
}

func (e *CheckoutEngine) applyQuoteLocked(ctx context.Context, rev uint64, quote PriceQuote, sent map[string]FulfillmentPreference) {
	if quote.FetchedAt.IsZero() {
		quote.FetchedAt = e.now()
	}
	if quote.Currency == "" {
		quote.Currency = e.currency
	}
	quote.Preferences = sent

	stored := quote
	e.quote = &stored
	e.quoteRevision = rev
	e.failedRev = 0
	e.blocking = nil

	flagged := FlaggedFulfillmentChoices(&stored)
	if len(flagged) > 0 {
		rejected := RejectedFulfillmentChoices(&stored, sent)
		for _, shopID := range flagged {
			e.forced[shopID] = struct{}{}
			delete(e.prefs, shopID)
		}
		e.regroupLocked()
		e.revision++

		choice := NewCheckoutError(ErrorKindFulfillmentChoiceRequired, nil)
		choice.ShopIDs = uniqueSorted(flagged)
		if len(rejected) > 0 {
			choice.Detail = "the selected option is not available for " + strings.Join(uniqueSorted(rejected), ", ")
		}
		e.blocking = choice
		e.metrics.QuoteFailed(choice.Kind)
		e.logger(ctx, "checkout.quote.choice_required", map[string]any{
			"checkoutId": e.id,
			"shops":      choice.ShopIDs,
			"rejected":   rejected,
		})
	}

	e.touchLocked()
	e.transitionLocked(ctx, e.deriveStatusLocked(), e.blocking)
}

func (e *CheckoutEngine) applyQuoteFailureLocked(ctx context.Context, rev uint64, err error) {
	classified := ClassifyError(err)
	e.metrics.QuoteFailed(classified.Kind)
	e.logger(ctx, "checkout.quote.failed", map[string]any{
		"checkoutId": e.id,
		"revision":   rev,
		"kind":       string(classified.Kind),
		"error":      err.Error(),
	})

	e.failedRev = rev
	switch classified.Kind {
	case ErrorKindAddressRejected:
		e.address = e.address.ClearForReentry()
		e.revision++
		e.blocking = classified
	case ErrorKindFulfillmentChoiceRequired:
		shops := classified.ShopIDs
		if len(shops) == 0 {
			for _, group := range e.groups {
				if group.Capability == domain.ShopCapabilityHybrid {
					shops = append(shops, group.ShopID)
				}
			}
		}
		for _, shopID := range shops {
			e.forced[shopID] = struct{}{}
			delete(e.prefs, shopID)
		}
		e.regroupLocked()
		e.revision++
		choice := *classified
		choice.ShopIDs = uniqueSorted(shops)
		e.blocking = &choice
	case ErrorKindCapabilityConflict:
		e.failLocked(ctx, classified)
		return
	default:
		e.blocking = classified
	}

	e.touchLocked()
	e.transitionLocked(ctx, e.deriveStatusLocked(), e.blocking)
}

// Submit starts settlement. Only a Ready checkout may submit; a second submit while one is
// running is rejected without reaching any collaborator.
func (e *CheckoutEngine) Submit(ctx context.Context, mode SettlementMode) (SubmitResult, error) {
	mode = SettlementMode(strings.ToUpper(strings.TrimSpace(string(mode))))
	if !mode.Valid() {
		return SubmitResult{State: e.State()}, fmt.Errorf("%w: unknown settlement mode %q", ErrCheckoutInvalidInput, mode)
	}

	e.mu.Lock()
	switch {
	case e.closed || e.status == StatusSettled:
		state := e.snapshotLocked()
		e.mu.Unlock()
		return SubmitResult{State: state}, ErrCheckoutClosed
	case e.status == StatusSubmitting:
		state := e.snapshotLocked()
		e.mu.Unlock()
		return SubmitResult{State: state}, ErrSubmissionInFlight
	case e.status != StatusReady:
		state := e.snapshotLocked()
		e.mu.Unlock()
		if state.Blocking != nil {
			return SubmitResult{State: state}, fmt.Errorf("%w: %w", ErrCheckoutNotReady, state.Blocking)
		}
		return SubmitResult{State: state}, ErrCheckoutNotReady
	}
	if mode != domain.SettlementModeCard && e.buyer.IsGuest() {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return SubmitResult{State: state}, NewCheckoutError(ErrorKindAuthRequired, nil)
	}

	e.debounce.Stop()
	req := SettlementRequest{
		CheckoutID:  e.id,
		Mode:        mode,
		Buyer:       e.buyer,
		Items:       append([]CartLineItem(nil), e.items...),
		Address:     e.address,
		Preferences: PreferenceSnapshot(e.groups),
		Quote:       *e.quote,
	}
	e.transitionLocked(ctx, StatusSubmitting, nil)
	e.mu.Unlock()

	// once Submitting begins the shopper cannot cancel, so a dropped request must not abort the legs
	outcome, err := e.dispatcher.Dispatch(context.WithoutCancel(ctx), req)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		classified := ClassifyError(err)
		if IsDeclinedBeforeSettlement(err) {
			e.metrics.SettlementFinished(mode, "declined")
			e.declineLocked(ctx, classified)
			return SubmitResult{State: e.snapshotLocked()}, classified
		}
		e.metrics.SettlementFinished(mode, "failed")
		e.failLocked(ctx, classified)
		return SubmitResult{State: e.snapshotLocked()}, classified
	}

	e.settlement = &outcome
	if outcome.Phase == PhaseSettled {
		e.settleLocked(ctx)
	} else {
		e.touchLocked()
		e.logger(ctx, "checkout.settlement.awaiting_card", map[string]any{
			"checkoutId": e.id,
			"mode":       string(mode),
			"hybrid":     outcome.Hybrid,
			"handle":     outcome.SessionHandle,
		})
	}
	return SubmitResult{State: e.snapshotLocked(), Outcome: outcome}, nil
}

// ConfirmCardPayment verifies a plain card session. A paid session settles the checkout;
// a pending one leaves it Submitting.
func (e *CheckoutEngine) ConfirmCardPayment(ctx context.Context, handle string) (CheckoutState, error) {
	pending, err := e.beginVerification(handle, PhaseAwaitingCard)
	if err != nil {
		return e.State(), err
	}

	status, err := e.dispatcher.VerifyCard(ctx, pending.SessionHandle)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifying = false
	if err != nil {
		e.logger(ctx, "checkout.card.verify_failed", map[string]any{"checkoutId": e.id, "error": err.Error()})
		return e.snapshotLocked(), fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}
	switch status.State {
	case CardSessionPaid:
		if status.OrderID != "" {
			e.settlement.OrderID = status.OrderID
		}
		e.settlement.Phase = PhaseSettled
		e.settlement.RemainingToPay = decimal.Zero
		e.settleLocked(ctx)
		return e.snapshotLocked(), nil
	case CardSessionPending:
		return e.snapshotLocked(), ErrCardLegPending
	default:
		failure := NewCheckoutError(ErrorKindUnknown, nil)
		failure.Message = "the card payment did not go through"
		failure.NextStep = NextStepChoosePayment
		failure.Detail = string(status.State)
		e.metrics.SettlementFinished(e.settlement.Mode, "failed")
		e.failLocked(ctx, failure)
		return e.snapshotLocked(), failure
	}
}

// CompleteHybrid verifies the card leg of a hybrid settlement and finalises the order.
func (e *CheckoutEngine) CompleteHybrid(ctx context.Context, handle string) (CheckoutState, error) {
	pending, err := e.beginVerification(handle, PhaseAwaitingHybridCompletion)
	if err != nil {
		return e.State(), err
	}

	completed, err := e.dispatcher.CompleteHybrid(ctx, e.buyer.UserID, pending)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifying = false
	if errors.Is(err, ErrCardLegPending) {
		return e.snapshotLocked(), err
	}
	var classified *CheckoutError
	if errors.As(err, &classified) {
		outcome := "failed"
		if classified.Partial {
			outcome = "partial"
		}
		e.metrics.SettlementFinished(pending.Mode, outcome)
		e.failLocked(ctx, classified)
		return e.snapshotLocked(), classified
	}
	if err != nil {
		return e.snapshotLocked(), fmt.Errorf("%w: %w", ErrCheckoutUnavailable, err)
	}

	e.settlement = &completed
	e.settleLocked(ctx)
	return e.snapshotLocked(), nil
}

func (e *CheckoutEngine) beginVerification(handle string, phase SettlementPhase) (SettlementOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return SettlementOutcome{}, ErrCheckoutClosed
	}
	if e.status != StatusSubmitting || e.settlement == nil || e.settlement.Phase != phase {
		return SettlementOutcome{}, ErrSettlementNotPending
	}
	if handle = strings.TrimSpace(handle); handle != "" && handle != e.settlement.SessionHandle {
		return SettlementOutcome{}, ErrSessionHandleMismatch
	}
	if e.verifying {
		return SettlementOutcome{}, ErrSubmissionInFlight
	}
	e.verifying = true
	return *e.settlement, nil
}

// Restart leaves Failed and re-drives readiness from a fresh quote. The earlier settlement is not resumed.
func (e *CheckoutEngine) Restart(ctx context.Context) (CheckoutState, error) {
	e.mu.Lock()
	if e.closed {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return state, ErrCheckoutClosed
	}
	if e.status != StatusFailed {
		state := e.snapshotLocked()
		e.mu.Unlock()
		return state, fmt.Errorf("%w: only a failed checkout can be restarted", ErrCheckoutInvalidInput)
	}
	if shops := VisualizationOnlyShops(e.groups); len(shops) > 0 {
		state := e.snapshotLocked()
		e.mu.Unlock()
		conflict := NewCheckoutError(ErrorKindCapabilityConflict, nil)
		conflict.ShopIDs = shops
		return state, conflict
	}
	e.failure = nil
	e.settlement = nil
	e.blocking = nil
	e.failedRev = 0
	e.revision++
	e.touchLocked()

	// derive as if no longer failed; Failed itself is sticky in deriveStatusLocked
	failed := e.status
	e.status = StatusQuoteStale
	next := e.deriveStatusLocked()
	e.status = failed
	e.transitionLocked(ctx, next, nil)
	e.mu.Unlock()

	return e.requestQuote(ctx)
}

// Abandon discards the checkout. It is refused while a settlement is running.
func (e *CheckoutEngine) Abandon() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if e.status == StatusSubmitting {
		return ErrSubmissionInFlight
	}
	e.closeLocked()
	return nil
}

// Expire closes the checkout even mid-settlement. Subscribers are released and pending
// quote work is cancelled; a card session that completes later is no longer verified here.
func (e *CheckoutEngine) Expire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closeLocked()
}

// Subscribe streams status transitions until cancel is called or the checkout closes.
// Slow subscribers miss transitions instead of blocking the engine.
func (e *CheckoutEngine) Subscribe() (<-chan Transition, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Transition, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if sub, ok := e.subscribers[id]; ok {
				delete(e.subscribers, id)
				close(sub)
			}
		})
	}
}

func (e *CheckoutEngine) ensureEditableLocked() error {
	switch {
	case e.closed || e.status == StatusSettled:
		return ErrCheckoutClosed
	case e.status == StatusSubmitting:
		return ErrSubmissionInFlight
	case e.status == StatusFailed:
		return fmt.Errorf("%w: restart the checkout first", ErrCheckoutNotReady)
	}
	return nil
}

// bumpLocked records a shopper mutation: the quote goes stale and a new one is debounced.
func (e *CheckoutEngine) bumpLocked(ctx context.Context, cause string) {
	e.revision++
	e.touchLocked()
	e.logger(ctx, "checkout.mutated", map[string]any{
		"checkoutId": e.id,
		"cause":      cause,
		"revision":   e.revision,
	})
	e.scheduleQuoteLocked()
	e.transitionLocked(ctx, e.deriveStatusLocked(), nil)
}

func (e *CheckoutEngine) scheduleQuoteLocked() {
	if !e.address.IsComplete() || len(e.requiredShopsLocked()) > 0 {
		e.debounce.Stop()
		return
	}
	e.debounce.Trigger(func() {
		_, _ = e.requestQuote(e.ctx)
	})
}

// deriveStatusLocked evaluates readiness. Address completeness is checked before fulfillment
// completeness, which is checked before quote freshness.
func (e *CheckoutEngine) deriveStatusLocked() CheckoutStatus {
	switch e.status {
	case StatusSubmitting, StatusSettled, StatusFailed:
		return e.status
	}
	if len(VisualizationOnlyShops(e.groups)) > 0 {
		return StatusFailed
	}
	if !e.address.IsComplete() {
		return StatusAddressIncomplete
	}
	if len(e.requiredShopsLocked()) > 0 {
		return StatusAwaitingFulfillmentChoice
	}
	if e.inFlight && e.inFlightRev == e.revision {
		return StatusQuotePending
	}
	if e.quote != nil && e.quoteRevision == e.revision {
		return StatusReady
	}
	if e.quote != nil || e.failedRev == e.revision {
		return StatusQuoteStale
	}
	return StatusQuotePending
}

func (e *CheckoutEngine) requiredShopsLocked() []string {
	required := ResolveFulfillmentRequirements(e.groups, e.quote)
	if len(e.forced) == 0 {
		return required
	}
	seen := make(map[string]struct{}, len(required))
	for _, id := range required {
		seen[id] = struct{}{}
	}
	for _, group := range e.groups {
		if _, forced := e.forced[group.ShopID]; !forced {
			continue
		}
		if _, ok := seen[group.ShopID]; ok || group.HasPreference() {
			continue
		}
		required = append(required, group.ShopID)
	}
	return required
}

func (e *CheckoutEngine) transitionLocked(ctx context.Context, next CheckoutStatus, reason *CheckoutError) {
	prev := e.status
	if prev == next {
		return
	}
	if !prev.CanTransitionTo(next) {
		e.logger(ctx, "checkout.transition.rejected", map[string]any{
			"checkoutId": e.id,
			"from":       string(prev),
			"to":         string(next),
		})
		return
	}
	if next == StatusFailed && e.failure == nil {
		conflict := NewCheckoutError(ErrorKindCapabilityConflict, nil)
		conflict.ShopIDs = VisualizationOnlyShops(e.groups)
		e.failure = conflict
		reason = conflict
	}
	e.status = next
	e.touchLocked()
	e.metrics.StatusTransition(prev, next)
	e.logger(ctx, "checkout.transition", map[string]any{
		"checkoutId": e.id,
		"from":       string(prev),
		"to":         string(next),
		"revision":   e.revision,
	})

	t := Transition{
		CheckoutID: e.id,
		From:       prev,
		To:         next,
		Revision:   e.revision,
		Reason:     reason,
		At:         e.updatedAt,
	}
	for _, sub := range e.subscribers {
		select {
		case sub <- t:
		default:
		}
	}
}

func (e *CheckoutEngine) failLocked(ctx context.Context, reason *CheckoutError) {
	e.debounce.Stop()
	e.inFlight = false
	e.failure = reason
	e.transitionLocked(ctx, StatusFailed, reason)

	eventType := CheckoutEventFailed
	if reason.Partial {
		eventType = CheckoutEventPartiallySettled
	}
	e.publishLocked(ctx, eventType, reason)
}

// declineLocked leaves Submitting for the derived readiness state with reason attached.
// Nothing moved upstream, so the checkout stays usable.
func (e *CheckoutEngine) declineLocked(ctx context.Context, reason *CheckoutError) {
	e.blocking = reason
	e.touchLocked()
	e.logger(ctx, "checkout.settlement.declined", map[string]any{
		"checkoutId": e.id,
		"kind":       string(reason.Kind),
	})

	submitting := e.status
	e.status = StatusQuoteStale
	next := e.deriveStatusLocked()
	e.status = submitting
	e.transitionLocked(ctx, next, reason)
}

func (e *CheckoutEngine) settleLocked(ctx context.Context) {
	e.metrics.SettlementFinished(e.settlement.Mode, "settled")
	e.transitionLocked(ctx, StatusSettled, nil)
	e.publishLocked(ctx, CheckoutEventSettled, nil)
}

func (e *CheckoutEngine) publishLocked(ctx context.Context, eventType CheckoutEventType, reason *CheckoutError) {
	if e.events == nil {
		return
	}
	event := CheckoutEvent{
		ID:         ulid.Make().String(),
		Type:       eventType,
		CheckoutID: e.id,
		UserID:     e.buyer.UserID,
		Currency:   e.currency,
		OccurredAt: e.now(),
	}
	if e.quote != nil {
		event.Total = e.quote.Total
		event.Currency = e.quote.Currency
	}
	if s := e.settlement; s != nil {
		event.Mode = s.Mode
		event.OrderID = s.OrderID
		event.OrderNumber = s.OrderNumber
		event.PointsUsed = s.PointsUsed
		event.PointsValue = s.PointsValue
	}
	if reason != nil {
		event.ErrorKind = reason.Kind
		event.Message = reason.Message
	}

	// publishing must not hold up the shopper or outlive a cancelled request
	go func(ctx context.Context) {
		if err := e.events.PublishCheckoutEvent(ctx, event); err != nil {
			e.logger(ctx, "checkout.event.publish_failed", map[string]any{
				"checkoutId": event.CheckoutID,
				"type":       string(event.Type),
				"error":      err.Error(),
			})
		}
	}(context.WithoutCancel(ctx))
}

func (e *CheckoutEngine) closeLocked() {
	e.closed = true
	e.debounce.Stop()
	e.cancel()
	e.touchLocked()
	for id, sub := range e.subscribers {
		delete(e.subscribers, id)
		close(sub)
	}
}

func (e *CheckoutEngine) regroupLocked() {
	for i := range e.groups {
		if pref, ok := e.prefs[e.groups[i].ShopID]; ok {
			p := pref
			e.groups[i].FulfillmentPreference = &p
		} else {
			e.groups[i].FulfillmentPreference = nil
		}
	}
}

func (e *CheckoutEngine) hasShopLocked(shopID string) bool {
	for _, group := range e.groups {
		if group.ShopID == shopID {
			return true
		}
	}
	return false
}

func (e *CheckoutEngine) touchLocked() {
	e.updatedAt = e.now()
}

func (e *CheckoutEngine) snapshotLocked() CheckoutState {
	state := CheckoutState{
		ID:            e.id,
		Revision:      e.revision,
		Status:        e.status,
		Buyer:         e.buyer,
		Address:       e.address,
		MissingFields: e.address.MissingFields(),
		Groups:        cloneGroups(e.groups),
		RequiredShops: e.requiredShopsLocked(),
		UpdatedAt:     e.updatedAt,
	}
	if e.quote != nil {
		q := *e.quote
		q.ShopSummaries = append([]ShopPriceSummary(nil), e.quote.ShopSummaries...)
		state.Quote = &q
		state.QuoteFresh = e.quoteRevision == e.revision
	}
	if e.settlement != nil {
		s := *e.settlement
		state.Settlement = &s
	}

	switch {
	case e.status == StatusFailed:
		state.Blocking = e.failure
	case e.blocking != nil:
		state.Blocking = e.blocking
	case e.status == StatusAwaitingFulfillmentChoice:
		choice := NewCheckoutError(ErrorKindFulfillmentChoiceRequired, nil)
		choice.ShopIDs = state.RequiredShops
		state.Blocking = choice
	}
	if state.Blocking != nil {
		state.BlockingReason = state.Blocking.Message
	} else if e.status == StatusAddressIncomplete && len(state.MissingFields) > 0 {
		state.BlockingReason = e.status.blockingMessage() + ": missing " + strings.Join(state.MissingFields, ", ")
	} else {
		state.BlockingReason = e.status.blockingMessage()
	}
	return state
}

func cloneGroups(groups []ShopGroup) []ShopGroup {
	out := make([]ShopGroup, len(groups))
	for i, group := range groups {
		out[i] = group
		out[i].Items = append([]CartLineItem(nil), group.Items...)
		if group.FulfillmentPreference != nil {
			p := *group.FulfillmentPreference
			out[i].FulfillmentPreference = &p
		}
	}
	return out
}
