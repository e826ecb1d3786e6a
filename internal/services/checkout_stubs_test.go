package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

type stubPricingClient struct {
	mu        sync.Mutex
	calls     []QuoteRequest
	quoteFunc func(ctx context.Context, req QuoteRequest) (PriceQuote, error)
}

func (s *stubPricingClient) Quote(ctx context.Context, req QuoteRequest) (PriceQuote, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	fn := s.quoteFunc
	s.mu.Unlock()
	if fn == nil {
		return PriceQuote{}, nil
	}
	return fn(ctx, req)
}

func (s *stubPricingClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubPricingClient) lastCall() QuoteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type stubEligibilityClient struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, req EligibilityRequest) ([]PointsEligibility, error)
}

func (s *stubEligibilityClient) CheckEligibility(ctx context.Context, req EligibilityRequest) ([]PointsEligibility, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, req)
}

type stubSettlementGateway struct {
	mu             sync.Mutex
	cardCalls      []CardSessionRequest
	pointsCalls    []PointsPaymentRequest
	completeCalls  []HybridCompletionRequest
	statusCalls    int
	createFunc     func(ctx context.Context, req CardSessionRequest) (CardSession, error)
	statusFunc     func(ctx context.Context, handle string) (CardSessionStatus, error)
	pointsFunc     func(ctx context.Context, req PointsPaymentRequest) (PointsPaymentResult, error)
	completionFunc func(ctx context.Context, req HybridCompletionRequest) (PointsPaymentResult, error)
}

func (s *stubSettlementGateway) CreateCardSession(ctx context.Context, req CardSessionRequest) (CardSession, error) {
	s.mu.Lock()
	s.cardCalls = append(s.cardCalls, req)
	fn := s.createFunc
	s.mu.Unlock()
	if fn == nil {
		return CardSession{Handle: "cs_test", RedirectURL: "https://pay.example/cs_test"}, nil
	}
	return fn(ctx, req)
}

func (s *stubSettlementGateway) CardSessionStatus(ctx context.Context, handle string) (CardSessionStatus, error) {
	s.mu.Lock()
	s.statusCalls++
	fn := s.statusFunc
	s.mu.Unlock()
	if fn == nil {
		return CardSessionStatus{Handle: handle, State: CardSessionPaid}, nil
	}
	return fn(ctx, handle)
}

func (s *stubSettlementGateway) ProcessPointsPayment(ctx context.Context, req PointsPaymentRequest) (PointsPaymentResult, error) {
	s.mu.Lock()
	s.pointsCalls = append(s.pointsCalls, req)
	fn := s.pointsFunc
	s.mu.Unlock()
	if fn == nil {
		return PointsPaymentResult{Success: true, OrderID: "order-1", OrderNumber: "ORD-1"}, nil
	}
	return fn(ctx, req)
}

func (s *stubSettlementGateway) CompleteHybridPayment(ctx context.Context, req HybridCompletionRequest) (PointsPaymentResult, error) {
	s.mu.Lock()
	s.completeCalls = append(s.completeCalls, req)
	fn := s.completionFunc
	s.mu.Unlock()
	if fn == nil {
		return PointsPaymentResult{Success: true, OrderID: req.OrderID, OrderNumber: "ORD-H"}, nil
	}
	return fn(ctx, req)
}

func (s *stubSettlementGateway) cardCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cardCalls)
}

type recordingPublisher struct {
	events chan CheckoutEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{events: make(chan CheckoutEvent, 8)}
}

func (p *recordingPublisher) PublishCheckoutEvent(_ context.Context, event CheckoutEvent) error {
	p.events <- event
	return nil
}

func (p *recordingPublisher) next(t *testing.T) CheckoutEvent {
	t.Helper()
	select {
	case event := <-p.events:
		return event
	case <-time.After(time.Second):
		t.Fatalf("expected a checkout event")
		return CheckoutEvent{}
	}
}

func (p *recordingPublisher) expectNone(t *testing.T) {
	t.Helper()
	select {
	case event := <-p.events:
		t.Fatalf("unexpected checkout event %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

type recordingMetrics struct {
	mu          sync.Mutex
	requested   int
	dropped     int
	failed      map[ErrorKind]int
	transitions []CheckoutStatus
	settlements map[string]int
	active      int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{failed: map[ErrorKind]int{}, settlements: map[string]int{}}
}

func (m *recordingMetrics) QuoteRequested() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requested++
}

func (m *recordingMetrics) QuoteDropped(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *recordingMetrics) QuoteFailed(kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[kind]++
}

func (m *recordingMetrics) StatusTransition(_, to CheckoutStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, to)
}

func (m *recordingMetrics) SettlementFinished(mode SettlementMode, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[string(mode)+":"+outcome]++
}

func (m *recordingMetrics) SessionsActive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func (m *recordingMetrics) droppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

type engineHarness struct {
	engine    *CheckoutEngine
	pricing   *stubPricingClient
	gateway   *stubSettlementGateway
	loyalty   *stubEligibilityClient
	scheduler *manualScheduler
	metrics   *recordingMetrics
	events    *recordingPublisher
}

const testQuietPeriod = 500 * time.Millisecond

var testNow = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func completeAddress() *DeliveryAddress {
	return &DeliveryAddress{StreetAddress: "12 Market Street", City: "Springfield", State: "IL", Country: "US"}
}

func newEngineHarness(t *testing.T, buyer Buyer, items []CartLineItem, address *DeliveryAddress) *engineHarness {
	t.Helper()
	h := &engineHarness{
		pricing:   &stubPricingClient{},
		gateway:   &stubSettlementGateway{},
		loyalty:   &stubEligibilityClient{},
		scheduler: &manualScheduler{},
		metrics:   newRecordingMetrics(),
		events:    newRecordingPublisher(),
	}
	dispatcher, err := NewSettlementDispatcher(SettlementDispatcherDeps{
		Gateway:     h.gateway,
		Eligibility: h.loyalty,
		SuccessURL:  "https://shop.example/checkout/success",
		CancelURL:   "https://shop.example/checkout/cancel",
		Clock:       func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	engine, err := NewCheckoutEngine(CheckoutEngineDeps{
		Pricing:     h.pricing,
		Dispatcher:  dispatcher,
		Events:      h.events,
		Metrics:     h.metrics,
		Scheduler:   h.scheduler,
		QuietPeriod: testQuietPeriod,
		Currency:    "usd",
		Clock:       func() time.Time { return testNow },
	}, CheckoutInput{ID: "chk-1", Buyer: buyer, Items: items, Address: address})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h.engine = engine
	return h
}

func summaryQuote(total, shipping string, shops ...domain.ShopPriceSummary) PriceQuote {
	return PriceQuote{
		ShopSummaries: shops,
		Currency:      "USD",
		Subtotal:      decimal.RequireFromString(total).Sub(decimal.RequireFromString(shipping)),
		Shipping:      decimal.RequireFromString(shipping),
		Total:         decimal.RequireFromString(total),
	}
}

func deliveredSummary(shopID, total, shipping string) domain.ShopPriceSummary {
	delivery := domain.FulfillmentDelivery
	return domain.ShopPriceSummary{
		ShopID:          shopID,
		ShippingCost:    decimal.RequireFromString(shipping),
		TotalAmount:     decimal.RequireFromString(total),
		FulfillmentType: &delivery,
	}
}

func assertStatus(t *testing.T, state CheckoutState, want CheckoutStatus) {
	t.Helper()
	if state.Status != want {
		t.Fatalf("expected status %s, got %s (blocking %q)", want, state.Status, state.BlockingReason)
	}
}
