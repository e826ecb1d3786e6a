package services

import (
	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

// DefaultFullPointsEpsilon is the rounding tolerance under which a remainder counts as fully covered.
var DefaultFullPointsEpsilon = decimal.RequireFromString("0.01")

// PointsSizingInput carries what points sizing needs from the quote and the eligibility snapshot.
type PointsSizingInput struct {
	Quote       *domain.PriceQuote
	Eligibility []domain.PointsEligibility
	DefaultUnit decimal.Decimal
	Epsilon     decimal.Decimal
}

// SizePoints computes, per eligible shop, the points leg and the remainder left for a card.
// usable = min(points value, shop total); points = ceil(usable / unit value).
func SizePoints(in PointsSizingInput) domain.PointsPlan {
	plan := domain.PointsPlan{
		TotalPointsValue: decimal.Zero,
		RemainingToPay:   decimal.Zero,
		OrderTotal:       decimal.Zero,
	}
	if in.Quote == nil {
		return plan
	}
	epsilon := in.Epsilon
	if !epsilon.IsPositive() {
		epsilon = DefaultFullPointsEpsilon
	}
	plan.OrderTotal = in.Quote.Total

	eligibility := make(map[string]domain.PointsEligibility, len(in.Eligibility))
	for _, e := range in.Eligibility {
		eligibility[e.ShopID] = e
	}

	for _, summary := range in.Quote.ShopSummaries {
		e, ok := eligibility[summary.ShopID]
		if !ok || !e.CanPayWithPoints {
			continue
		}
		usable := decimal.Min(e.CurrentPointsValue, summary.TotalAmount)
		if !usable.IsPositive() {
			continue
		}
		points, ok := pointsForValue(usable, e, in.DefaultUnit)
		if !ok {
			continue
		}
		plan.Allocations = append(plan.Allocations, domain.ShopPointsAllocation{
			ShopID:         summary.ShopID,
			ShopTotal:      summary.TotalAmount,
			UsableValue:    usable,
			PointsToUse:    points,
			RemainingToPay: nonNegative(summary.TotalAmount.Sub(usable)),
		})
		plan.TotalPointsValue = plan.TotalPointsValue.Add(usable)
		plan.TotalPoints += points
	}

	plan.RemainingToPay = nonNegative(plan.OrderTotal.Sub(plan.TotalPointsValue))
	plan.FullPoints = len(plan.Allocations) > 0 && plan.RemainingToPay.LessThanOrEqual(epsilon)
	return plan
}

// pointsForValue sizes the points for a cash value. With a known balance the ratio is taken
// against balance/value directly so non-terminating unit values do not inflate the ceiling.
func pointsForValue(value decimal.Decimal, e domain.PointsEligibility, defaultUnit decimal.Decimal) (int64, bool) {
	if e.CurrentPointsBalance > 0 && e.CurrentPointsValue.IsPositive() {
		points := value.Mul(decimal.NewFromInt(e.CurrentPointsBalance)).Div(e.CurrentPointsValue).Ceil().IntPart()
		if points > e.CurrentPointsBalance {
			points = e.CurrentPointsBalance
		}
		return points, true
	}
	if defaultUnit.IsPositive() {
		return value.Div(defaultUnit).Ceil().IntPart(), true
	}
	return 0, false
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
