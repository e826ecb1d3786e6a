package handlers

import (
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

type cartItemRequest struct {
	ProductID      string          `json:"productId" validate:"required,max=64"`
	VariantID      *string         `json:"variantId,omitempty" validate:"omitempty,max=64"`
	ShopID         string          `json:"shopId" validate:"required,max=64"`
	ShopName       string          `json:"shopName,omitempty" validate:"max=120"`
	ShopCapability string          `json:"shopCapability" validate:"required"`
	Quantity       int             `json:"quantity" validate:"required,min=1,max=999"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	Weight         decimal.Decimal `json:"weight"`
}

type addressRequest struct {
	StreetAddress string   `json:"streetAddress" validate:"max=200"`
	City          string   `json:"city" validate:"max=100"`
	State         string   `json:"state" validate:"max=100"`
	Country       string   `json:"country" validate:"omitempty,iso3166_1_alpha2"`
	Latitude      *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude     *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
}

type startCheckoutRequest struct {
	Items   []cartItemRequest `json:"items" validate:"required,min=1,max=200,dive"`
	Address *addressRequest   `json:"address,omitempty"`
}

type replaceItemsRequest struct {
	Items []cartItemRequest `json:"items" validate:"required,min=1,max=200,dive"`
}

type fulfillmentRequest struct {
	Preference string `json:"preference" validate:"required,oneof=PICKUP DELIVERY"`
}

type submitRequest struct {
	Mode string `json:"mode" validate:"required,oneof=CARD POINTS AUTO"`
}

func (r *fulfillmentRequest) normalise() {
	r.Preference = strings.ToUpper(strings.TrimSpace(r.Preference))
}

func (r *addressRequest) normalise() {
	r.Country = strings.ToUpper(strings.TrimSpace(r.Country))
}

func (r *startCheckoutRequest) normalise() {
	if r.Address != nil {
		r.Address.normalise()
	}
}

func (r *submitRequest) normalise() {
	r.Mode = strings.ToUpper(strings.TrimSpace(r.Mode))
}

type sessionHandleRequest struct {
	SessionHandle string `json:"sessionHandle" validate:"required,max=255"`
}

func (r cartItemRequest) toDomain() services.CartLineItem {
	item := services.CartLineItem{
		ProductID:      strings.TrimSpace(r.ProductID),
		ShopID:         strings.TrimSpace(r.ShopID),
		ShopName:       strings.TrimSpace(r.ShopName),
		ShopCapability: domain.NormaliseShopCapability(r.ShopCapability),
		Quantity:       r.Quantity,
		UnitPrice:      r.UnitPrice,
		Weight:         r.Weight,
	}
	if r.VariantID != nil {
		if v := strings.TrimSpace(*r.VariantID); v != "" {
			item.VariantID = &v
		}
	}
	return item
}

func itemsToDomain(items []cartItemRequest) []services.CartLineItem {
	out := make([]services.CartLineItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.toDomain())
	}
	return out
}

// toDomain strips markup from the free-text fields before they reach pricing or the PSP.
func (r addressRequest) toDomain(policy *bluemonday.Policy) services.DeliveryAddress {
	clean := func(value string) string {
		return strings.TrimSpace(policy.Sanitize(value))
	}
	return services.DeliveryAddress{
		StreetAddress: clean(r.StreetAddress),
		City:          clean(r.City),
		State:         clean(r.State),
		Country:       strings.ToUpper(strings.TrimSpace(r.Country)),
		Latitude:      r.Latitude,
		Longitude:     r.Longitude,
	}
}

type checkoutStateResponse struct {
	ID             string                 `json:"id"`
	Revision       uint64                 `json:"revision"`
	Status         string                 `json:"status"`
	Guest          bool                   `json:"guest"`
	Address        addressResponse        `json:"address"`
	MissingFields  []string               `json:"missingFields,omitempty"`
	Shops          []shopGroupResponse    `json:"shops"`
	Quote          *quoteResponse         `json:"quote,omitempty"`
	QuoteFresh     bool                   `json:"quoteFresh"`
	RequiredShops  []string               `json:"requiredShops,omitempty"`
	Blocking       *checkoutErrorResponse `json:"blocking,omitempty"`
	BlockingReason string                 `json:"blockingReason,omitempty"`
	Settlement     *settlementResponse    `json:"settlement,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

type addressResponse struct {
	StreetAddress string   `json:"streetAddress"`
	City          string   `json:"city"`
	State         string   `json:"state,omitempty"`
	Country       string   `json:"country"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
}

type shopGroupResponse struct {
	ShopID      string             `json:"shopId"`
	ShopName    string             `json:"shopName,omitempty"`
	Capability  string             `json:"capability"`
	Preference  string             `json:"fulfillmentPreference,omitempty"`
	Subtotal    decimal.Decimal    `json:"subtotal"`
	Items       []lineItemResponse `json:"items"`
	NeedsChoice bool               `json:"requiresFulfillmentChoice"`
}

type lineItemResponse struct {
	ProductID string          `json:"productId"`
	VariantID string          `json:"variantId,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

type quoteResponse struct {
	Currency     string                `json:"currency"`
	Subtotal     decimal.Decimal       `json:"subtotal"`
	Discount     decimal.Decimal       `json:"discount"`
	Shipping     decimal.Decimal       `json:"shipping"`
	Tax          decimal.Decimal       `json:"tax"`
	Total        decimal.Decimal       `json:"total"`
	RewardPoints int64                 `json:"rewardPoints"`
	Shops        []shopSummaryResponse `json:"shops"`
	FetchedAt    time.Time             `json:"fetchedAt"`
}

type shopSummaryResponse struct {
	ShopID          string          `json:"shopId"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	Shipping        decimal.Decimal `json:"shipping"`
	Packaging       decimal.Decimal `json:"packaging"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	RewardPoints    int64           `json:"rewardPoints"`
	FulfillmentType string          `json:"fulfillmentType,omitempty"`
}

type settlementResponse struct {
	Mode           string          `json:"mode"`
	Phase          string          `json:"phase"`
	Hybrid         bool            `json:"hybrid"`
	SessionHandle  string          `json:"sessionHandle,omitempty"`
	RedirectURL    string          `json:"redirectUrl,omitempty"`
	OrderID        string          `json:"orderId,omitempty"`
	OrderNumber    string          `json:"orderNumber,omitempty"`
	PointsUsed     int64           `json:"pointsUsed,omitempty"`
	PointsValue    decimal.Decimal `json:"pointsValue"`
	RemainingToPay decimal.Decimal `json:"remainingToPay"`
}

type checkoutErrorResponse struct {
	Kind        string               `json:"kind"`
	Message     string               `json:"message"`
	Detail      string               `json:"detail,omitempty"`
	NextStep    string               `json:"nextStep,omitempty"`
	ShopIDs     []string             `json:"shopIds,omitempty"`
	StockIssues []stockIssueResponse `json:"stockIssues,omitempty"`
	Partial     bool                 `json:"partial,omitempty"`
}

type stockIssueResponse struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Message   string `json:"message,omitempty"`
}

type submitResponse struct {
	Checkout   checkoutStateResponse `json:"checkout"`
	Settlement *settlementResponse   `json:"settlement,omitempty"`
}

type transitionResponse struct {
	CheckoutID string                 `json:"checkoutId"`
	From       string                 `json:"from"`
	To         string                 `json:"to"`
	Revision   uint64                 `json:"revision"`
	Reason     *checkoutErrorResponse `json:"reason,omitempty"`
	At         time.Time              `json:"at"`
}

func newCheckoutStateResponse(state services.CheckoutState) checkoutStateResponse {
	resp := checkoutStateResponse{
		ID:       state.ID,
		Revision: state.Revision,
		Status:   string(state.Status),
		Guest:    state.Buyer.IsGuest(),
		Address: addressResponse{
			StreetAddress: state.Address.StreetAddress,
			City:          state.Address.City,
			State:         state.Address.State,
			Country:       state.Address.Country,
			Latitude:      state.Address.Latitude,
			Longitude:     state.Address.Longitude,
		},
		MissingFields:  state.MissingFields,
		Shops:          make([]shopGroupResponse, 0, len(state.Groups)),
		QuoteFresh:     state.QuoteFresh,
		RequiredShops:  state.RequiredShops,
		Blocking:       newCheckoutErrorResponse(state.Blocking),
		BlockingReason: state.BlockingReason,
		Settlement:     newSettlementResponse(state.Settlement),
		UpdatedAt:      state.UpdatedAt,
	}
	required := make(map[string]bool, len(state.RequiredShops))
	for _, id := range state.RequiredShops {
		required[id] = true
	}
	for _, group := range state.Groups {
		g := shopGroupResponse{
			ShopID:      group.ShopID,
			ShopName:    group.ShopName,
			Capability:  string(group.Capability),
			Subtotal:    group.Subtotal(),
			Items:       make([]lineItemResponse, 0, len(group.Items)),
			NeedsChoice: required[group.ShopID] && !group.HasPreference(),
		}
		if group.FulfillmentPreference != nil {
			g.Preference = string(*group.FulfillmentPreference)
		}
		for _, item := range group.Items {
			g.Items = append(g.Items, lineItemResponse{
				ProductID: item.ProductID,
				VariantID: item.VariantKey(),
				Quantity:  item.Quantity,
				UnitPrice: item.UnitPrice,
				LineTotal: item.LineTotal(),
			})
		}
		resp.Shops = append(resp.Shops, g)
	}
	if q := state.Quote; q != nil {
		quote := &quoteResponse{
			Currency:     q.Currency,
			Subtotal:     q.Subtotal,
			Discount:     q.Discount,
			Shipping:     q.Shipping,
			Tax:          q.Tax,
			Total:        q.Total,
			RewardPoints: q.RewardPoints,
			Shops:        make([]shopSummaryResponse, 0, len(q.ShopSummaries)),
			FetchedAt:    q.FetchedAt,
		}
		for _, s := range q.ShopSummaries {
			summary := shopSummaryResponse{
				ShopID:       s.ShopID,
				Subtotal:     s.Subtotal,
				Discount:     s.DiscountAmount,
				Shipping:     s.ShippingCost,
				Packaging:    s.PackagingFee,
				Tax:          s.TaxAmount,
				Total:        s.TotalAmount,
				RewardPoints: s.RewardPoints,
			}
			if s.FulfillmentType != nil {
				summary.FulfillmentType = string(*s.FulfillmentType)
			}
			quote.Shops = append(quote.Shops, summary)
		}
		resp.Quote = quote
	}
	return resp
}

func newSettlementResponse(outcome *services.SettlementOutcome) *settlementResponse {
	if outcome == nil || outcome.Mode == "" {
		return nil
	}
	return &settlementResponse{
		Mode:           string(outcome.Mode),
		Phase:          string(outcome.Phase),
		Hybrid:         outcome.Hybrid,
		SessionHandle:  outcome.SessionHandle,
		RedirectURL:    outcome.RedirectURL,
		OrderID:        outcome.OrderID,
		OrderNumber:    outcome.OrderNumber,
		PointsUsed:     outcome.PointsUsed,
		PointsValue:    outcome.PointsValue,
		RemainingToPay: outcome.RemainingToPay,
	}
}

func newCheckoutErrorResponse(err *services.CheckoutError) *checkoutErrorResponse {
	if err == nil {
		return nil
	}
	resp := &checkoutErrorResponse{
		Kind:     string(err.Kind),
		Message:  err.Message,
		Detail:   err.Detail,
		NextStep: string(err.NextStep),
		ShopIDs:  err.ShopIDs,
		Partial:  err.Partial,
	}
	for _, issue := range err.StockIssues {
		resp.StockIssues = append(resp.StockIssues, stockIssueResponse{
			ProductID: issue.ProductID,
			VariantID: issue.VariantID,
			Requested: issue.Requested,
			Available: issue.Available,
			Message:   issue.Message,
		})
	}
	return resp
}

func newTransitionResponse(t services.Transition) transitionResponse {
	return transitionResponse{
		CheckoutID: t.CheckoutID,
		From:       string(t.From),
		To:         string(t.To),
		Revision:   t.Revision,
		Reason:     newCheckoutErrorResponse(t.Reason),
		At:         t.At,
	}
}
