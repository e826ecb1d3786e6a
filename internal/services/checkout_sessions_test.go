package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestSessions(t *testing.T, clock *mutableClock) (*CheckoutSessions, *stubPricingClient) {
	t.Helper()
	pricing := &stubPricingClient{
		quoteFunc: func(context.Context, QuoteRequest) (PriceQuote, error) {
			return summaryQuote("10.00", "0.00", deliveredSummary("s-1", "10.00", "0.00")), nil
		},
	}
	dispatcher, err := NewSettlementDispatcher(SettlementDispatcherDeps{
		Gateway:     &stubSettlementGateway{},
		Eligibility: &stubEligibilityClient{},
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	sessions, err := NewCheckoutSessions(CheckoutSessionsDeps{
		Engine: CheckoutEngineDeps{
			Pricing:    pricing,
			Dispatcher: dispatcher,
			Scheduler:  &manualScheduler{},
		},
		SessionTTL:        10 * time.Minute,
		TerminalRetention: time.Minute,
		Clock:             clock.Now,
	})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	return sessions, pricing
}

func TestCheckoutSessionsScopedToOwner(t *testing.T) {
	ctx := context.Background()
	clock := &mutableClock{now: testNow}
	sessions, _ := newTestSessions(t, clock)

	items := []CartLineItem{lineItem("p-1", "s-1", domain.ShopCapabilityFullEcommerce, 1, "10.00")}
	state, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "user-1", Buyer: loggedIn, Items: items, Address: completeAddress()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if state.ID == "" {
		t.Fatalf("expected checkout id")
	}

	if _, err := sessions.State(ctx, state.ID, "user-2"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected other owners to get not found, got %v", err)
	}
	got, err := sessions.RefreshQuote(ctx, state.ID, "user-1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	assertStatus(t, got, StatusReady)
}

func TestCheckoutSessionsStartReplacesPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	clock := &mutableClock{now: testNow}
	sessions, _ := newTestSessions(t, clock)
	items := []CartLineItem{lineItem("p-1", "s-1", domain.ShopCapabilityFullEcommerce, 1, "10.00")}

	first, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "guest-abc", Items: items})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "guest-abc", Items: items})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct checkout ids")
	}
	if _, err := sessions.State(ctx, first.ID, "guest-abc"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected the earlier attempt to be discarded, got %v", err)
	}
	if sessions.Active() != 1 {
		t.Fatalf("expected one active session, got %d", sessions.Active())
	}
}

func TestCheckoutSessionsRejectsDisplayOnlyCart(t *testing.T) {
	clock := &mutableClock{now: testNow}
	sessions, _ := newTestSessions(t, clock)
	items := []CartLineItem{lineItem("p-1", "s-1", domain.ShopCapabilityVisualizationOnly, 1, "10.00")}

	_, err := sessions.Start(context.Background(), StartCheckoutCommand{Owner: "user-1", Items: items})
	if !errors.Is(err, &CheckoutError{Kind: ErrorKindCapabilityConflict}) {
		t.Fatalf("expected capability conflict, got %v", err)
	}
	if sessions.Active() != 0 {
		t.Fatalf("expected no session for a display-only cart")
	}
}

func TestCheckoutSessionsSweepIdle(t *testing.T) {
	ctx := context.Background()
	clock := &mutableClock{now: testNow}
	sessions, _ := newTestSessions(t, clock)
	items := []CartLineItem{lineItem("p-1", "s-1", domain.ShopCapabilityFullEcommerce, 1, "10.00")}

	idle, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "user-1", Items: items})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(8 * time.Minute)
	busy, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "user-2", Items: items})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	clock.Advance(3 * time.Minute)
	if removed := sessions.SweepIdle(ctx); removed != 1 {
		t.Fatalf("expected one idle session swept, got %d", removed)
	}
	if _, err := sessions.State(ctx, idle.ID, "user-1"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected idle session gone, got %v", err)
	}
	if _, err := sessions.State(ctx, busy.ID, "user-2"); err != nil {
		t.Fatalf("expected recent session kept, got %v", err)
	}
}

func TestCheckoutSessionsSweepReleasesSubmittingSubscribers(t *testing.T) {
	ctx := context.Background()
	clock := &mutableClock{now: testNow}
	sessions, _ := newTestSessions(t, clock)
	items := []CartLineItem{lineItem("p-1", "s-1", domain.ShopCapabilityFullEcommerce, 1, "10.00")}

	state, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "user-1", Buyer: loggedIn, Items: items, Address: completeAddress()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := sessions.RefreshQuote(ctx, state.ID, "user-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	result, err := sessions.Submit(ctx, state.ID, "user-1", domain.SettlementModeCard)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	assertStatus(t, result.State, StatusSubmitting)

	ch, cancel, err := sessions.Subscribe(ctx, state.ID, "user-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	clock.Advance(defaultSubmittingTTL + time.Minute)
	if removed := sessions.SweepIdle(ctx); removed != 1 {
		t.Fatalf("expected the stale submission swept, got %d", removed)
	}

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("expected subscriber channel closed after sweep")
		}
	}
}

func TestCheckoutSessionsAbandon(t *testing.T) {
	ctx := context.Background()
	clock := &mutableClock{now: testNow}
	sessions, _ := newTestSessions(t, clock)
	items := []CartLineItem{lineItem("p-1", "s-1", domain.ShopCapabilityFullEcommerce, 1, "10.00")}

	state, err := sessions.Start(ctx, StartCheckoutCommand{Owner: "user-1", Items: items})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sessions.Abandon(ctx, state.ID, "user-1"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if err := sessions.Abandon(ctx, state.ID, "user-1"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected not found after abandon, got %v", err)
	}
	if _, _, err := sessions.Subscribe(ctx, state.ID, "user-1"); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected subscribe to fail after abandon, got %v", err)
	}
}
