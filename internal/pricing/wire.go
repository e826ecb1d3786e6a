package pricing

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

type addressPayload struct {
	StreetAddress string   `json:"streetAddress"`
	City          string   `json:"city"`
	State         string   `json:"state,omitempty"`
	Country       string   `json:"country"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

type itemPayload struct {
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId,omitempty"`
	ShopID    string          `json:"shopId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Weight    decimal.Decimal `json:"weight"`
}

type preferencePayload struct {
	ShopID          string `json:"shopId"`
	FulfillmentType string `json:"fulfillmentType"`
}

type quotePayload struct {
	CheckoutID                 string              `json:"checkoutId,omitempty"`
	Currency                   string              `json:"currency,omitempty"`
	DeliveryAddress            addressPayload      `json:"deliveryAddress"`
	Items                      []itemPayload       `json:"items"`
	ShopFulfillmentPreferences []preferencePayload `json:"shopFulfillmentPreferences"`
}

func newQuotePayload(req services.QuoteRequest) quotePayload {
	payload := quotePayload{
		CheckoutID: req.CheckoutID,
		Currency:   req.Currency,
		DeliveryAddress: addressPayload{
			StreetAddress: strings.TrimSpace(req.Address.StreetAddress),
			City:          strings.TrimSpace(req.Address.City),
			State:         strings.TrimSpace(req.Address.State),
			Country:       strings.TrimSpace(req.Address.Country),
			Latitude:      req.Address.Latitude,
			Longitude:     req.Address.Longitude,
		},
		Items:                      []itemPayload{},
		ShopFulfillmentPreferences: []preferencePayload{},
	}
	for _, group := range req.Groups {
		for _, item := range group.Items {
			payload.Items = append(payload.Items, itemPayload{
				ProductID: item.ProductID,
				VariantID: item.VariantKey(),
				ShopID:    item.ShopID,
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
				Weight:    item.Weight,
			})
		}
	}

	shopIDs := make([]string, 0, len(req.Preferences))
	for shopID := range req.Preferences {
		shopIDs = append(shopIDs, shopID)
	}
	sort.Strings(shopIDs)
	for _, shopID := range shopIDs {
		payload.ShopFulfillmentPreferences = append(payload.ShopFulfillmentPreferences, preferencePayload{
			ShopID:          shopID,
			FulfillmentType: string(req.Preferences[shopID]),
		})
	}
	return payload
}

type shopSummaryPayload struct {
	ShopID                    string          `json:"shopId"`
	Subtotal                  decimal.Decimal `json:"subtotal"`
	DiscountAmount            decimal.Decimal `json:"discountAmount"`
	ShippingCost              decimal.Decimal `json:"shippingCost"`
	PackagingFee              decimal.Decimal `json:"packagingFee"`
	TaxAmount                 decimal.Decimal `json:"taxAmount"`
	TotalAmount               decimal.Decimal `json:"totalAmount"`
	RewardPoints              int64           `json:"rewardPoints"`
	FulfillmentType           string          `json:"fulfillmentType"`
	RequiresFulfillmentChoice bool            `json:"requiresFulfillmentChoice"`
}

type quoteResponse struct {
	Currency       string               `json:"currency"`
	Subtotal       decimal.Decimal      `json:"subtotal"`
	DiscountAmount decimal.Decimal      `json:"discountAmount"`
	ShippingCost   decimal.Decimal      `json:"shippingCost"`
	TaxAmount      decimal.Decimal      `json:"taxAmount"`
	TotalAmount    decimal.Decimal      `json:"totalAmount"`
	RewardPoints   int64                `json:"rewardPoints"`
	ShopSummaries  []shopSummaryPayload `json:"shopSummaries"`
}

func (r quoteResponse) toQuote(fallbackCurrency string) services.PriceQuote {
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(fallbackCurrency))
	}
	quote := services.PriceQuote{
		Currency:      currency,
		Subtotal:      r.Subtotal,
		Discount:      r.DiscountAmount,
		Shipping:      r.ShippingCost,
		Tax:           r.TaxAmount,
		Total:         r.TotalAmount,
		RewardPoints:  r.RewardPoints,
		ShopSummaries: make([]services.ShopPriceSummary, 0, len(r.ShopSummaries)),
	}
	for _, s := range r.ShopSummaries {
		summary := services.ShopPriceSummary{
			ShopID:                    strings.TrimSpace(s.ShopID),
			Subtotal:                  s.Subtotal,
			DiscountAmount:            s.DiscountAmount,
			ShippingCost:              s.ShippingCost,
			PackagingFee:              s.PackagingFee,
			TaxAmount:                 s.TaxAmount,
			TotalAmount:               s.TotalAmount,
			RewardPoints:              s.RewardPoints,
			RequiresFulfillmentChoice: s.RequiresFulfillmentChoice,
		}
		if fulfillment := domain.FulfillmentPreference(strings.ToUpper(strings.TrimSpace(s.FulfillmentType))); fulfillment != "" {
			// unknown values are kept so the resolver can treat them as unresolved
			summary.FulfillmentType = &fulfillment
		}
		quote.ShopSummaries = append(quote.ShopSummaries, summary)
	}
	return quote
}
