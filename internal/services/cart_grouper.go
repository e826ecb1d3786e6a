package services

import (
	"strings"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
)

// GroupCartByShop partitions the cart per shop in order of first occurrence.
// Preferences recorded for a shop are carried onto its group; unknown shops in prefs are ignored.
func GroupCartByShop(items []domain.CartLineItem, prefs map[string]domain.FulfillmentPreference) ([]domain.ShopGroup, error) {
	groups := make([]domain.ShopGroup, 0)
	index := make(map[string]int)

	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		shopID := strings.TrimSpace(item.ShopID)
		switch {
		case productID == "" && shopID == "":
			return nil, &InvalidCartError{Index: i, Reason: "product and shop are missing"}
		case productID == "":
			return nil, &InvalidCartError{Index: i, Reason: "product is missing"}
		case shopID == "":
			return nil, &InvalidCartError{Index: i, Reason: "shop could not be resolved"}
		case item.Quantity <= 0:
			return nil, &InvalidCartError{Index: i, Reason: "quantity must be positive"}
		case item.UnitPrice.IsNegative():
			return nil, &InvalidCartError{Index: i, Reason: "unit price must not be negative"}
		case item.Weight.IsNegative():
			return nil, &InvalidCartError{Index: i, Reason: "weight must not be negative"}
		}

		item.ProductID = productID
		item.ShopID = shopID
		item.ShopCapability = domain.NormaliseShopCapability(string(item.ShopCapability))

		pos, ok := index[shopID]
		if !ok {
			group := domain.ShopGroup{
				ShopID:     shopID,
				ShopName:   strings.TrimSpace(item.ShopName),
				Capability: item.ShopCapability,
			}
			if pref, found := prefs[shopID]; found && pref.Valid() {
				p := pref
				group.FulfillmentPreference = &p
			}
			groups = append(groups, group)
			pos = len(groups) - 1
			index[shopID] = pos
		}

		group := &groups[pos]
		if group.ShopName == "" {
			group.ShopName = strings.TrimSpace(item.ShopName)
		}
		if !group.Capability.Valid() && item.ShopCapability.Valid() {
			group.Capability = item.ShopCapability
		}
		group.Items = append(group.Items, item)
	}

	return groups, nil
}

// VisualizationOnlyShops returns the display-only shops present in the groups.
func VisualizationOnlyShops(groups []domain.ShopGroup) []string {
	var shops []string
	for _, group := range groups {
		if group.Capability == domain.ShopCapabilityVisualizationOnly {
			shops = append(shops, group.ShopID)
		}
	}
	return shops
}
