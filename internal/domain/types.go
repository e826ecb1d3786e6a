package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementMode is the payment path the shopper selected.
type SettlementMode string

const (
	// SettlementModeCard pays the whole order through a card session.
	SettlementModeCard SettlementMode = "CARD"
	// SettlementModePoints pays the whole order with loyalty points and fails when points fall short.
	SettlementModePoints SettlementMode = "POINTS"
	// SettlementModeAuto spends eligible points first and falls back to a hybrid card leg for the rest.
	SettlementModeAuto SettlementMode = "AUTO"
)

// Valid reports whether the mode is known.
func (m SettlementMode) Valid() bool {
	switch m {
	case SettlementModeCard, SettlementModePoints, SettlementModeAuto:
		return true
	default:
		return false
	}
}

// Buyer identifies who is paying. An empty UserID means a guest checkout.
type Buyer struct {
	UserID string
	Email  string
	Locale string
}

// IsGuest reports whether the buyer is not logged in.
func (b Buyer) IsGuest() bool {
	return b.UserID == ""
}

// ShopPointsAllocation is the points leg sized for one shop.
type ShopPointsAllocation struct {
	ShopID         string
	ShopTotal      decimal.Decimal
	UsableValue    decimal.Decimal
	PointsToUse    int64
	RemainingToPay decimal.Decimal
}

// PointsPlan is the outcome of sizing points across all eligible shops.
type PointsPlan struct {
	Allocations      []ShopPointsAllocation
	OrderTotal       decimal.Decimal
	TotalPointsValue decimal.Decimal
	TotalPoints      int64
	RemainingToPay   decimal.Decimal
	FullPoints       bool
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but the checkout keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// DependencyHealth is the outcome of one readiness probe.
type DependencyHealth struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates probe results for the readiness endpoint.
type HealthReport struct {
	Status      string
	Checks      map[string]DependencyHealth
	Version     string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	// ActiveCheckouts is the number of checkout sessions held by this instance.
	ActiveCheckouts int
	Draining        bool
}
