package loyalty

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

type itemPayload struct {
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId,omitempty"`
	ShopID    string          `json:"shopId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

func itemsPayload(items []services.CartLineItem) []itemPayload {
	out := make([]itemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, itemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantKey(),
			ShopID:    item.ShopID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}

type eligibilityPayload struct {
	UserID string        `json:"userId"`
	Items  []itemPayload `json:"items"`
}

func newEligibilityPayload(userID string, items []services.CartLineItem) eligibilityPayload {
	return eligibilityPayload{UserID: userID, Items: itemsPayload(items)}
}

type shopEligibilityPayload struct {
	ShopID                 string          `json:"shopId"`
	CurrentPointsBalance   int64           `json:"currentPointsBalance"`
	CurrentPointsValue     decimal.Decimal `json:"currentPointsValue"`
	MaxPointsPayableAmount decimal.Decimal `json:"maxPointsPayableAmount"`
	CanPayWithPoints       bool            `json:"canPayWithPoints"`
}

// eligibilityResponse accepts either a bare array or an object with a shops field.
type eligibilityResponse struct {
	Shops []shopEligibilityPayload
}

func (r *eligibilityResponse) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, &r.Shops)
	}
	var wrapped struct {
		Shops []shopEligibilityPayload `json:"shops"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	r.Shops = wrapped.Shops
	return nil
}

func (r eligibilityResponse) toEligibility() []services.PointsEligibility {
	out := make([]services.PointsEligibility, 0, len(r.Shops))
	for _, shop := range r.Shops {
		out = append(out, services.PointsEligibility{
			ShopID:                 strings.TrimSpace(shop.ShopID),
			CurrentPointsBalance:   shop.CurrentPointsBalance,
			CurrentPointsValue:     shop.CurrentPointsValue,
			MaxPointsPayableAmount: shop.MaxPointsPayableAmount,
			CanPayWithPoints:       shop.CanPayWithPoints,
		})
	}
	return out
}

type addressPayload struct {
	StreetAddress string   `json:"streetAddress"`
	City          string   `json:"city"`
	State         string   `json:"state,omitempty"`
	Country       string   `json:"country"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

type preferencePayload struct {
	ShopID          string `json:"shopId"`
	FulfillmentType string `json:"fulfillmentType"`
}

type shopPointsPayload struct {
	ShopID      string          `json:"shopId"`
	PointsToUse int64           `json:"pointsToUse"`
	PointsValue decimal.Decimal `json:"pointsValue"`
}

type pointsPaymentPayload struct {
	CheckoutID                 string              `json:"checkoutId"`
	UserID                     string              `json:"userId"`
	Email                      string              `json:"email,omitempty"`
	Items                      []itemPayload       `json:"items"`
	DeliveryAddress            addressPayload      `json:"deliveryAddress"`
	ShopFulfillmentPreferences []preferencePayload `json:"shopFulfillmentPreferences"`
	ShopPoints                 []shopPointsPayload `json:"shopPoints"`
	PointsToUse                int64               `json:"pointsToUse"`
	PointsValue                decimal.Decimal     `json:"pointsValue"`
	Currency                   string              `json:"currency,omitempty"`
	SuccessURL                 string              `json:"successUrl,omitempty"`
	CancelURL                  string              `json:"cancelUrl,omitempty"`
}

func newPointsPaymentPayload(req services.PointsPaymentRequest) pointsPaymentPayload {
	payload := pointsPaymentPayload{
		CheckoutID: req.CheckoutID,
		UserID:     req.UserID,
		Email:      req.Buyer.Email,
		Items:      itemsPayload(req.Items),
		DeliveryAddress: addressPayload{
			StreetAddress: req.Address.StreetAddress,
			City:          req.Address.City,
			State:         req.Address.State,
			Country:       req.Address.Country,
			Latitude:      req.Address.Latitude,
			Longitude:     req.Address.Longitude,
		},
		ShopFulfillmentPreferences: []preferencePayload{},
		ShopPoints:                 make([]shopPointsPayload, 0, len(req.Plan.Allocations)),
		PointsToUse:                req.Plan.TotalPoints,
		PointsValue:                req.Plan.TotalPointsValue,
		Currency:                   req.Currency,
		SuccessURL:                 req.SuccessURL,
		CancelURL:                  req.CancelURL,
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
	for _, allocation := range req.Plan.Allocations {
		payload.ShopPoints = append(payload.ShopPoints, shopPointsPayload{
			ShopID:      allocation.ShopID,
			PointsToUse: allocation.PointsToUse,
			PointsValue: allocation.UsableValue,
		})
	}
	return payload
}

type hybridCompletionPayload struct {
	UserID          string `json:"userId"`
	OrderID         string `json:"orderId"`
	StripeSessionID string `json:"stripeSessionId"`
}

type paymentResponse struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	OrderID         flexibleID      `json:"orderId"`
	OrderNumber     string          `json:"orderNumber"`
	PointsUsed      int64           `json:"pointsUsed"`
	PointsValue     decimal.Decimal `json:"pointsValue"`
	HybridPayment   bool            `json:"hybridPayment"`
	StripeSessionID string          `json:"stripeSessionId"`
	SessionURL      string          `json:"sessionUrl"`
}

func (r paymentResponse) toResult() services.PointsPaymentResult {
	return services.PointsPaymentResult{
		Success:       r.Success,
		Message:       strings.TrimSpace(r.Message),
		OrderID:       strings.TrimSpace(string(r.OrderID)),
		OrderNumber:   strings.TrimSpace(r.OrderNumber),
		PointsUsed:    r.PointsUsed,
		PointsValue:   r.PointsValue,
		HybridPayment: r.HybridPayment,
		SessionHandle: strings.TrimSpace(r.StripeSessionID),
		RedirectURL:   strings.TrimSpace(r.SessionURL),
	}
}

// flexibleID accepts numeric and string identifiers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		*f = ""
	case strings.HasPrefix(trimmed, `"`):
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*f = flexibleID(value)
	default:
		*f = flexibleID(trimmed)
	}
	return nil
}
