package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	defaultSessionTTL        = 30 * time.Minute
	defaultTerminalRetention = 5 * time.Minute
	defaultSubmittingTTL     = 24 * time.Hour
)

// StartCheckoutCommand opens a checkout for the cart the shopper brings.
type StartCheckoutCommand struct {
	Owner   string
	Buyer   Buyer
	Items   []CartLineItem
	Address *DeliveryAddress
}

// CheckoutService is the consumer-facing surface over per-shopper checkout engines.
type CheckoutService interface {
	Start(ctx context.Context, cmd StartCheckoutCommand) (CheckoutState, error)
	State(ctx context.Context, id, owner string) (CheckoutState, error)
	UpdateAddress(ctx context.Context, id, owner string, address DeliveryAddress) (CheckoutState, error)
	SetFulfillmentPreference(ctx context.Context, id, owner, shopID string, pref FulfillmentPreference) (CheckoutState, error)
	ReplaceItems(ctx context.Context, id, owner string, items []CartLineItem) (CheckoutState, error)
	RefreshQuote(ctx context.Context, id, owner string) (CheckoutState, error)
	Submit(ctx context.Context, id, owner string, mode SettlementMode) (SubmitResult, error)
	ConfirmCardPayment(ctx context.Context, id, owner, handle string) (CheckoutState, error)
	CompleteHybrid(ctx context.Context, id, owner, handle string) (CheckoutState, error)
	Restart(ctx context.Context, id, owner string) (CheckoutState, error)
	Abandon(ctx context.Context, id, owner string) error
	Subscribe(ctx context.Context, id, owner string) (<-chan Transition, func(), error)
}

// CheckoutSessionsDeps configures the session registry.
type CheckoutSessionsDeps struct {
	Engine            CheckoutEngineDeps
	SessionTTL        time.Duration
	TerminalRetention time.Duration
	SubmittingTTL     time.Duration
	Clock             func() time.Time
	Logger            Logger
}

type sessionEntry struct {
	owner  string
	engine *CheckoutEngine
}

// CheckoutSessions keeps one engine per live checkout attempt, scoped to its owner.
type CheckoutSessions struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	engineDeps        CheckoutEngineDeps
	ttl               time.Duration
	terminalRetention time.Duration
	submittingTTL     time.Duration
	now               func() time.Time
	logger            Logger
	metrics           CheckoutMetrics
}

var _ CheckoutService = (*CheckoutSessions)(nil)

// NewCheckoutSessions validates the engine dependencies and builds an empty registry.
func NewCheckoutSessions(deps CheckoutSessionsDeps) (*CheckoutSessions, error) {
	if deps.Engine.Pricing == nil {
		return nil, errors.New("checkout sessions: pricing client is required")
	}
	if deps.Engine.Dispatcher == nil {
		return nil, errors.New("checkout sessions: settlement dispatcher is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Engine.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	retention := deps.TerminalRetention
	if retention <= 0 {
		retention = defaultTerminalRetention
	}
	submitting := deps.SubmittingTTL
	if submitting <= 0 {
		submitting = defaultSubmittingTTL
	}
	engineDeps := deps.Engine
	if engineDeps.Clock == nil {
		engineDeps.Clock = clock
	}
	if engineDeps.Logger == nil {
		engineDeps.Logger = logger
	}

	return &CheckoutSessions{
		sessions:          make(map[string]*sessionEntry),
		engineDeps:        engineDeps,
		ttl:               ttl,
		terminalRetention: retention,
		submittingTTL:     submitting,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start opens a checkout. Earlier checkouts of the same owner that are not submitting are abandoned.
func (s *CheckoutSessions) Start(ctx context.Context, cmd StartCheckoutCommand) (CheckoutState, error) {
	owner := strings.TrimSpace(cmd.Owner)
	if owner == "" {
		return CheckoutState{}, fmt.Errorf("%w: owner is required", ErrCheckoutInvalidInput)
	}

	engine, err := NewCheckoutEngine(s.engineDeps, CheckoutInput{
		ID:      ulid.Make().String(),
		Buyer:   cmd.Buyer,
		Items:   cmd.Items,
		Address: cmd.Address,
	})
	if err != nil {
		return CheckoutState{}, err
	}

	s.mu.Lock()
	for id, entry := range s.sessions {
		if entry.owner != owner {
			continue
		}
		if err := entry.engine.Abandon(); err == nil {
			delete(s.sessions, id)
		}
	}
	s.sessions[engine.ID()] = &sessionEntry{owner: owner, engine: engine}
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SessionsActive(active)
	s.logger(ctx, "checkout.session.started", map[string]any{
		"checkoutId": engine.ID(),
		"guest":      cmd.Buyer.IsGuest(),
		"items":      len(cmd.Items),
	})
	return engine.State(), nil
}

func (s *CheckoutSessions) engine(id, owner string) (*CheckoutEngine, error) {
	s.mu.RLock()
	entry, ok := s.sessions[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok || entry.owner != strings.TrimSpace(owner) || entry.engine.Closed() {
		return nil, ErrCheckoutNotFound
	}
	return entry.engine, nil
}

func (s *CheckoutSessions) State(_ context.Context, id, owner string) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.State(), nil
}

func (s *CheckoutSessions) UpdateAddress(ctx context.Context, id, owner string, address DeliveryAddress) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.UpdateAddress(ctx, address)
}

func (s *CheckoutSessions) SetFulfillmentPreference(ctx context.Context, id, owner, shopID string, pref FulfillmentPreference) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.SetFulfillmentPreference(ctx, shopID, pref)
}

func (s *CheckoutSessions) ReplaceItems(ctx context.Context, id, owner string, items []CartLineItem) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	state, err := engine.ReplaceItems(ctx, items)
	if errors.Is(err, ErrCheckoutClosed) {
		s.remove(id)
	}
	return state, err
}

func (s *CheckoutSessions) RefreshQuote(ctx context.Context, id, owner string) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.RefreshQuote(ctx)
}

func (s *CheckoutSessions) Submit(ctx context.Context, id, owner string, mode SettlementMode) (SubmitResult, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return SubmitResult{}, err
	}
	return engine.Submit(ctx, mode)
}

func (s *CheckoutSessions) ConfirmCardPayment(ctx context.Context, id, owner, handle string) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.ConfirmCardPayment(ctx, handle)
}

func (s *CheckoutSessions) CompleteHybrid(ctx context.Context, id, owner, handle string) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.CompleteHybrid(ctx, handle)
}

func (s *CheckoutSessions) Restart(ctx context.Context, id, owner string) (CheckoutState, error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return CheckoutState{}, err
	}
	return engine.Restart(ctx)
}

// Abandon discards the checkout; refused while a settlement is running.
func (s *CheckoutSessions) Abandon(ctx context.Context, id, owner string) error {
	engine, err := s.engine(id, owner)
	if err != nil {
		return err
	}
	if err := engine.Abandon(); err != nil {
		return err
	}
	s.remove(id)
	s.logger(ctx, "checkout.session.abandoned", map[string]any{"checkoutId": id})
	return nil
}

func (s *CheckoutSessions) Subscribe(_ context.Context, id, owner string) (<-chan Transition, func(), error) {
	engine, err := s.engine(id, owner)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := engine.Subscribe()
	return ch, cancel, nil
}

// SweepIdle drops closed checkouts, terminal ones past their retention and idle ones past the TTL.
// Submitting checkouts are kept until the card session could no longer complete.
func (s *CheckoutSessions) SweepIdle(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	removed := 0
	for id, entry := range s.sessions {
		state := entry.engine.State()
		idle := now.Sub(state.UpdatedAt)
		drop := false
		switch {
		case entry.engine.Closed():
			drop = true
		case state.Status.IsTerminal():
			drop = idle > s.terminalRetention
		case state.Status == StatusSubmitting:
			drop = idle > s.submittingTTL
		default:
			drop = idle > s.ttl
		}
		if !drop {
			continue
		}
		entry.engine.Expire()
		delete(s.sessions, id)
		removed++
	}
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SessionsActive(active)
	if removed > 0 {
		s.logger(ctx, "checkout.session.swept", map[string]any{"removed": removed, "active": active})
	}
	return removed
}

// Active returns the number of live checkouts.
func (s *CheckoutSessions) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *CheckoutSessions) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, strings.TrimSpace(id))
	active := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SessionsActive(active)
}
