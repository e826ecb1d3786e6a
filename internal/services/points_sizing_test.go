package services

import (
	"testing"

	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func quoteWithShops(total string, shops map[string]string, order ...string) *domain.PriceQuote {
	q := &domain.PriceQuote{Total: dec(total)}
	for _, id := range order {
		q.ShopSummaries = append(q.ShopSummaries, domain.ShopPriceSummary{ShopID: id, TotalAmount: dec(shops[id])})
	}
	return q
}

func TestSizePointsCapsUsableAtShopTotal(t *testing.T) {
	plan := SizePoints(PointsSizingInput{
		Quote: quoteWithShops("10.00", map[string]string{"s-1": "10.00"}, "s-1"),
		Eligibility: []domain.PointsEligibility{
			{ShopID: "s-1", CurrentPointsBalance: 1250, CurrentPointsValue: dec("12.50"), CanPayWithPoints: true},
		},
	})

	if len(plan.Allocations) != 1 {
		t.Fatalf("expected one allocation, got %d", len(plan.Allocations))
	}
	alloc := plan.Allocations[0]
	if !alloc.UsableValue.Equal(dec("10.00")) {
		t.Fatalf("expected usable 10.00, got %s", alloc.UsableValue)
	}
	if !alloc.RemainingToPay.IsZero() {
		t.Fatalf("expected nothing left for the shop, got %s", alloc.RemainingToPay)
	}
	if alloc.PointsToUse != 1000 {
		t.Fatalf("expected 1000 points, got %d", alloc.PointsToUse)
	}
	if !plan.FullPoints {
		t.Fatalf("expected full points settlement")
	}
}

func TestSizePointsPartialCoverage(t *testing.T) {
	plan := SizePoints(PointsSizingInput{
		Quote: quoteWithShops("10.00", map[string]string{"s-1": "10.00"}, "s-1"),
		Eligibility: []domain.PointsEligibility{
			{ShopID: "s-1", CurrentPointsBalance: 400, CurrentPointsValue: dec("4.00"), CanPayWithPoints: true},
		},
	})

	alloc := plan.Allocations[0]
	if !alloc.UsableValue.Equal(dec("4.00")) {
		t.Fatalf("expected usable 4.00, got %s", alloc.UsableValue)
	}
	if !alloc.RemainingToPay.Equal(dec("6.00")) {
		t.Fatalf("expected shop remainder 6.00, got %s", alloc.RemainingToPay)
	}
	if !plan.RemainingToPay.Equal(dec("6.00")) {
		t.Fatalf("expected order remainder 6.00, got %s", plan.RemainingToPay)
	}
	if plan.FullPoints {
		t.Fatalf("expected hybrid settlement")
	}
}

func TestSizePointsFullPointsWithinEpsilon(t *testing.T) {
	plan := SizePoints(PointsSizingInput{
		Quote: quoteWithShops("20.01", map[string]string{"s-1": "10.00", "s-2": "10.01"}, "s-1", "s-2"),
		Eligibility: []domain.PointsEligibility{
			{ShopID: "s-1", CurrentPointsBalance: 2000, CurrentPointsValue: dec("20.00"), CanPayWithPoints: true},
			{ShopID: "s-2", CurrentPointsBalance: 1000, CurrentPointsValue: dec("10.00"), CanPayWithPoints: true},
		},
	})

	if !plan.RemainingToPay.Equal(dec("0.01")) {
		t.Fatalf("expected remainder 0.01, got %s", plan.RemainingToPay)
	}
	if !plan.FullPoints {
		t.Fatalf("expected a 0.01 remainder to settle fully with points")
	}
	if plan.TotalPoints != 2000 {
		t.Fatalf("expected 2000 points in total, got %d", plan.TotalPoints)
	}
}

func TestSizePointsSkipsIneligibleShops(t *testing.T) {
	plan := SizePoints(PointsSizingInput{
		Quote: quoteWithShops("30.00", map[string]string{"s-1": "10.00", "s-2": "20.00"}, "s-1", "s-2"),
		Eligibility: []domain.PointsEligibility{
			{ShopID: "s-1", CurrentPointsBalance: 5000, CurrentPointsValue: dec("50.00"), CanPayWithPoints: true},
			{ShopID: "s-2", CurrentPointsBalance: 5000, CurrentPointsValue: dec("50.00"), CanPayWithPoints: false},
		},
	})

	if len(plan.Allocations) != 1 || plan.Allocations[0].ShopID != "s-1" {
		t.Fatalf("expected only s-1 allocated, got %#v", plan.Allocations)
	}
	if !plan.RemainingToPay.Equal(dec("20.00")) {
		t.Fatalf("expected remainder 20.00, got %s", plan.RemainingToPay)
	}
	if plan.FullPoints {
		t.Fatalf("expected hybrid settlement")
	}
}

func TestSizePointsCeilsAwkwardUnitValues(t *testing.T) {
	plan := SizePoints(PointsSizingInput{
		Quote: quoteWithShops("10.00", map[string]string{"s-1": "10.00"}, "s-1"),
		Eligibility: []domain.PointsEligibility{
			{ShopID: "s-1", CurrentPointsBalance: 3, CurrentPointsValue: dec("10.00"), CanPayWithPoints: true},
		},
	})
	if plan.Allocations[0].PointsToUse != 3 {
		t.Fatalf("expected 3 points, got %d", plan.Allocations[0].PointsToUse)
	}

	fallback := SizePoints(PointsSizingInput{
		Quote:       quoteWithShops("2.50", map[string]string{"s-1": "2.50"}, "s-1"),
		DefaultUnit: dec("0.30"),
		Eligibility: []domain.PointsEligibility{
			{ShopID: "s-1", CurrentPointsValue: dec("5.00"), CanPayWithPoints: true},
		},
	})
	if fallback.Allocations[0].PointsToUse != 9 {
		t.Fatalf("expected ceil(2.50/0.30)=9 points, got %d", fallback.Allocations[0].PointsToUse)
	}
}

func TestSizePointsNoEligibleShopsIsNeverFullPoints(t *testing.T) {
	plan := SizePoints(PointsSizingInput{Quote: quoteWithShops("0.00", nil)})
	if plan.FullPoints {
		t.Fatalf("expected no full points plan without allocations")
	}
}
