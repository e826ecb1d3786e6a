package services

import (
	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

// ResolveFulfillmentRequirements returns, in group order, the HYBRID shops still missing a usable preference.
// A recorded shopper preference clears the requirement immediately, before any quote confirms it.
func ResolveFulfillmentRequirements(groups []domain.ShopGroup, latest *domain.PriceQuote) []string {
	var required []string
	for _, group := range groups {
		if group.Capability != domain.ShopCapabilityHybrid {
			continue
		}
		if group.HasPreference() {
			continue
		}
		if latest == nil {
			required = append(required, group.ShopID)
			continue
		}
		summary, ok := latest.Summary(group.ShopID)
		if !ok || summary.RequiresFulfillmentChoice || summary.FulfillmentType == nil || !summary.FulfillmentType.Valid() {
			required = append(required, group.ShopID)
		}
	}
	return required
}

// RejectedFulfillmentChoices lists shops the quote still flags as needing a choice even though the
// request carried a preference for them. These are surfaced to the shopper, never silently retried.
func RejectedFulfillmentChoices(quote *domain.PriceQuote, sent map[string]domain.FulfillmentPreference) []string {
	if quote == nil {
		return nil
	}
	var rejected []string
	for _, summary := range quote.ShopSummaries {
		if !summary.RequiresFulfillmentChoice {
			continue
		}
		if pref, ok := sent[summary.ShopID]; ok && pref.Valid() {
			rejected = append(rejected, summary.ShopID)
		}
	}
	return rejected
}

// FlaggedFulfillmentChoices lists every shop the quote flags as requiring a choice.
func FlaggedFulfillmentChoices(quote *domain.PriceQuote) []string {
	if quote == nil {
		return nil
	}
	var flagged []string
	for _, summary := range quote.ShopSummaries {
		if summary.RequiresFulfillmentChoice {
			flagged = append(flagged, summary.ShopID)
		}
	}
	return flagged
}

// PreferenceSnapshot captures the recorded preferences of the groups, keyed by shop.
func PreferenceSnapshot(groups []domain.ShopGroup) map[string]domain.FulfillmentPreference {
	snapshot := make(map[string]domain.FulfillmentPreference, len(groups))
	for _, group := range groups {
		if group.HasPreference() {
			snapshot[group.ShopID] = *group.FulfillmentPreference
		}
	}
	return snapshot
}

// SamePreferences reports whether two preference snapshots are identical.
func SamePreferences(a, b map[string]domain.FulfillmentPreference) bool {
	if len(a) != len(b) {
		return false
	}
	for shopID, pref := range a {
		if other, ok := b[shopID]; !ok || other != pref {
			return false
		}
	}
	return true
}
