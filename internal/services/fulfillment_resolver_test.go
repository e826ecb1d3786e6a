package services

import (
	"testing"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

func prefPtr(p domain.FulfillmentPreference) *domain.FulfillmentPreference {
	return &p
}

func TestResolveFulfillmentRequirementsWithoutQuote(t *testing.T) {
	groups := []domain.ShopGroup{
		{ShopID: "s-1", Capability: domain.ShopCapabilityFullEcommerce},
		{ShopID: "s-2", Capability: domain.ShopCapabilityHybrid},
		{ShopID: "s-3", Capability: domain.ShopCapabilityHybrid, FulfillmentPreference: prefPtr(domain.FulfillmentPickup)},
		{ShopID: "s-4", Capability: domain.ShopCapabilityPickupOrders},
	}

	got := ResolveFulfillmentRequirements(groups, nil)
	if len(got) != 1 || got[0] != "s-2" {
		t.Fatalf("expected [s-2], got %v", got)
	}
}

func TestResolveFulfillmentRequirementsUsesServerDefault(t *testing.T) {
	groups := []domain.ShopGroup{
		{ShopID: "s-1", Capability: domain.ShopCapabilityHybrid},
		{ShopID: "s-2", Capability: domain.ShopCapabilityHybrid},
		{ShopID: "s-3", Capability: domain.ShopCapabilityHybrid},
	}
	quote := &domain.PriceQuote{ShopSummaries: []domain.ShopPriceSummary{
		{ShopID: "s-1", FulfillmentType: prefPtr(domain.FulfillmentDelivery)},
		{ShopID: "s-2", FulfillmentType: prefPtr(domain.FulfillmentPickup), RequiresFulfillmentChoice: true},
		{ShopID: "s-3"},
	}}

	got := ResolveFulfillmentRequirements(groups, quote)
	if len(got) != 2 || got[0] != "s-2" || got[1] != "s-3" {
		t.Fatalf("expected [s-2 s-3], got %v", got)
	}
}

func TestResolveFulfillmentRequirementsOptimisticPreference(t *testing.T) {
	groups := []domain.ShopGroup{
		{ShopID: "s-1", Capability: domain.ShopCapabilityHybrid, FulfillmentPreference: prefPtr(domain.FulfillmentDelivery)},
	}
	quote := &domain.PriceQuote{ShopSummaries: []domain.ShopPriceSummary{
		{ShopID: "s-1", RequiresFulfillmentChoice: true},
	}}

	if got := ResolveFulfillmentRequirements(groups, quote); len(got) != 0 {
		t.Fatalf("expected recorded preference to clear the requirement, got %v", got)
	}
	rejected := RejectedFulfillmentChoices(quote, PreferenceSnapshot(groups))
	if len(rejected) != 1 || rejected[0] != "s-1" {
		t.Fatalf("expected s-1 rejected by the server, got %v", rejected)
	}
}

func TestSamePreferences(t *testing.T) {
	a := map[string]domain.FulfillmentPreference{"s-1": domain.FulfillmentPickup}
	b := map[string]domain.FulfillmentPreference{"s-1": domain.FulfillmentPickup}
	if !SamePreferences(a, b) {
		t.Fatalf("expected equal snapshots")
	}
	b["s-1"] = domain.FulfillmentDelivery
	if SamePreferences(a, b) {
		t.Fatalf("expected differing snapshots")
	}
	if SamePreferences(a, nil) {
		t.Fatalf("expected nil snapshot to differ")
	}
}
