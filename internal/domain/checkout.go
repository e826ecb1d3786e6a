package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ShopCapability describes the fulfillment model a shop supports.
type ShopCapability string

const (
	// ShopCapabilityVisualizationOnly marks display-only shops whose items cannot be purchased.
	ShopCapabilityVisualizationOnly ShopCapability = "VISUALIZATION_ONLY"
	// ShopCapabilityPickupOrders marks shops that only hand orders over in store.
	ShopCapabilityPickupOrders ShopCapability = "PICKUP_ORDERS"
	// ShopCapabilityFullEcommerce marks shops that deliver every order.
	ShopCapabilityFullEcommerce ShopCapability = "FULL_ECOMMERCE"
	// ShopCapabilityHybrid marks shops offering both pickup and delivery.
	ShopCapabilityHybrid ShopCapability = "HYBRID"
)

// Valid reports whether the capability is one of the known values.
func (c ShopCapability) Valid() bool {
	switch c {
	case ShopCapabilityVisualizationOnly, ShopCapabilityPickupOrders, ShopCapabilityFullEcommerce, ShopCapabilityHybrid:
		return true
	default:
		return false
	}
}

// NormaliseShopCapability maps loosely formatted capability strings onto the known set.
func NormaliseShopCapability(raw string) ShopCapability {
	value := strings.ToUpper(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "-", "_")
	return ShopCapability(value)
}

// FulfillmentPreference is the shopper's pickup-vs-delivery choice for a shop.
type FulfillmentPreference string

const (
	FulfillmentPickup   FulfillmentPreference = "PICKUP"
	FulfillmentDelivery FulfillmentPreference = "DELIVERY"
)

// Valid reports whether the preference is PICKUP or DELIVERY.
func (p FulfillmentPreference) Valid() bool {
	return p == FulfillmentPickup || p == FulfillmentDelivery
}

// CartLineItem is one immutable line of the cart snapshot taken at checkout entry.
type CartLineItem struct {
	ProductID      string
	VariantID      *string
	ShopID         string
	ShopName       string
	ShopCapability ShopCapability
	Quantity       int
	UnitPrice      decimal.Decimal
	Weight         decimal.Decimal
}

// LineTotal returns quantity * unit price.
func (i CartLineItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// VariantKey returns the variant id or an empty string.
func (i CartLineItem) VariantKey() string {
	if i.VariantID == nil {
		return ""
	}
	return strings.TrimSpace(*i.VariantID)
}

// ShopGroup partitions the cart per shop.
type ShopGroup struct {
	ShopID                string
	ShopName              string
	Capability            ShopCapability
	Items                 []CartLineItem
	FulfillmentPreference *FulfillmentPreference
}

// Subtotal sums the line totals of the group.
func (g ShopGroup) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range g.Items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// HasPreference reports whether the shopper recorded a fulfillment preference for the shop.
func (g ShopGroup) HasPreference() bool {
	return g.FulfillmentPreference != nil && g.FulfillmentPreference.Valid()
}

// DeliveryAddress is the shopper-entered destination used for pricing.
type DeliveryAddress struct {
	StreetAddress string
	City          string
	State         string
	Country       string
	Latitude      *float64
	Longitude     *float64
}

// IsComplete reports whether street, city and country are all present.
func (a DeliveryAddress) IsComplete() bool {
	return strings.TrimSpace(a.StreetAddress) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.Country) != ""
}

// MissingFields lists the required address fields that are still empty.
func (a DeliveryAddress) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(a.StreetAddress) == "" {
		missing = append(missing, "streetAddress")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	return missing
}

// Equal compares two addresses field by field, coordinates included.
func (a DeliveryAddress) Equal(other DeliveryAddress) bool {
	return a.StreetAddress == other.StreetAddress &&
		a.City == other.City &&
		a.State == other.State &&
		a.Country == other.Country &&
		floatPtrEqual(a.Latitude, other.Latitude) &&
		floatPtrEqual(a.Longitude, other.Longitude)
}

// ClearForReentry drops the fields a rejected address must re-enter.
func (a DeliveryAddress) ClearForReentry() DeliveryAddress {
	a.StreetAddress = ""
	a.City = ""
	a.Country = ""
	a.Latitude = nil
	a.Longitude = nil
	return a
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
