package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PaymentContext carries the routing hints for one PSP call.
type PaymentContext struct {
	// PreferredProvider pins the provider; an unregistered name is an error, not a fallback.
	PreferredProvider string
	Currency          string
}

// Manager routes PSP calls: a pinned provider first, then the currency's route, then the default.
type Manager struct {
	providers      map[string]Provider
	fallback       string
	currencyRoutes map[string]string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider names the provider for currencies without a route. Empty disables the fallback.
func WithDefaultProvider(name string) ManagerOption {
	return func(m *Manager) { m.fallback = providerKey(name) }
}

// WithCurrencyRoutes maps ISO currency codes to provider names.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for code, name := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(code))] = providerKey(name)
		}
	}
}

// NewManager registers providers under case-insensitive names. "stripe" is the default
// when registered.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{
		providers:      make(map[string]Provider, len(providers)),
		currencyRoutes: map[string]string{},
	}
	for name, p := range providers {
		key := providerKey(name)
		if key == "" || p == nil {
			return nil, fmt.Errorf("payments: invalid provider registration %q", name)
		}
		m.providers[key] = p
	}
	if _, ok := m.providers["stripe"]; ok {
		m.fallback = "stripe"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func (m *Manager) route(pc PaymentContext) (string, Provider, error) {
	if pinned := providerKey(pc.PreferredProvider); pinned != "" {
		if p, ok := m.providers[pinned]; ok {
			return pinned, p, nil
		}
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, pinned)
	}
	candidates := []string{m.currencyRoutes[strings.ToUpper(strings.TrimSpace(pc.Currency))], m.fallback}
	for _, name := range candidates {
		if p, ok := m.providers[name]; ok && name != "" {
			return name, p, nil
		}
	}
	if len(m.providers) == 1 {
		for name, p := range m.providers {
			return name, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateCheckoutSession opens the session with the routed provider and records which one it was.
func (m *Manager) CreateCheckoutSession(ctx context.Context, pc PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	name, p, err := m.route(pc)
	if err != nil {
		return CheckoutSession{}, err
	}
	session, err := p.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = name
	return session, nil
}

// LookupPayment asks the routed provider about a session.
func (m *Manager) LookupPayment(ctx context.Context, pc PaymentContext, req LookupRequest) (SessionDetails, error) {
	name, p, err := m.route(pc)
	if err != nil {
		return SessionDetails{}, err
	}
	details, err := p.LookupSession(ctx, req)
	if err != nil {
		return SessionDetails{}, err
	}
	details.Provider = name
	return details, nil
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
