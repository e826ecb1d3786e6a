package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceQuote is a point-in-time cost breakdown for the cart. A new fetch supersedes it; it is never edited.
type PriceQuote struct {
	ShopSummaries []ShopPriceSummary
	Currency      string
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Shipping      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	RewardPoints  int64
	FetchedAt     time.Time
	// Preferences is the per-shop preference snapshot the quote was requested with.
	Preferences map[string]FulfillmentPreference
}

// Summary returns the summary for the shop if the quote contains one.
func (q *PriceQuote) Summary(shopID string) (ShopPriceSummary, bool) {
	if q == nil {
		return ShopPriceSummary{}, false
	}
	for _, summary := range q.ShopSummaries {
		if summary.ShopID == shopID {
			return summary, true
		}
	}
	return ShopPriceSummary{}, false
}

// ShopPriceSummary is the per-shop slice of a quote.
type ShopPriceSummary struct {
	ShopID                    string
	Subtotal                  decimal.Decimal
	DiscountAmount            decimal.Decimal
	ShippingCost              decimal.Decimal
	PackagingFee              decimal.Decimal
	TaxAmount                 decimal.Decimal
	TotalAmount               decimal.Decimal
	RewardPoints              int64
	FulfillmentType           *FulfillmentPreference
	RequiresFulfillmentChoice bool
}

// PointsEligibility is the loyalty snapshot for one shop, fetched right before settlement.
type PointsEligibility struct {
	ShopID                 string
	CurrentPointsBalance   int64
	CurrentPointsValue     decimal.Decimal
	MaxPointsPayableAmount decimal.Decimal
	CanPayWithPoints       bool
}

// PointUnitValue derives the cash value of one point, or false when the balance is empty.
func (e PointsEligibility) PointUnitValue() (decimal.Decimal, bool) {
	if e.CurrentPointsBalance <= 0 || !e.CurrentPointsValue.IsPositive() {
		return decimal.Zero, false
	}
	return e.CurrentPointsValue.Div(decimal.NewFromInt(e.CurrentPointsBalance)), true
}
