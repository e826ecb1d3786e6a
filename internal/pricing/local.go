package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/domain"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

// LocalConfig tunes the in-process pricer used when no pricing collaborator is configured.
type LocalConfig struct {
	// ShippingBase is charged once per delivering shop.
	ShippingBase decimal.Decimal
	// ShippingPerKg is added per kilogram of delivered weight.
	ShippingPerKg decimal.Decimal
	// FreeShippingOver waives shipping when the shop subtotal reaches it. Zero disables the waiver.
	FreeShippingOver decimal.Decimal
	PackagingFee     decimal.Decimal
	TaxRate          decimal.Decimal
	// ServedCountries limits delivery; empty serves every country.
	ServedCountries []string
	// PointsPerUnit awards reward points per whole currency unit spent.
	PointsPerUnit int64
	Clock         func() time.Time
}

// LocalPricer quotes carts in process with flat shipping and tax rules.
type LocalPricer struct {
	cfg    LocalConfig
	served map[string]struct{}
	now    func() time.Time
}

var _ services.PricingClient = (*LocalPricer)(nil)

// NewLocalPricer builds the fallback pricer.
func NewLocalPricer(cfg LocalConfig) *LocalPricer {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	served := make(map[string]struct{}, len(cfg.ServedCountries))
	for _, country := range cfg.ServedCountries {
		if key := normaliseCountry(country); key != "" {
			served[key] = struct{}{}
		}
	}
	return &LocalPricer{
		cfg:    cfg,
		served: served,
		now: func() time.Time {
			return clock().UTC()
		},
	}
}

// Quote prices every shop group. HYBRID shops without a preference come back flagged.
func (p *LocalPricer) Quote(ctx context.Context, req services.QuoteRequest) (services.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return services.PriceQuote{}, err
	}
	if !req.Address.IsComplete() {
		return services.PriceQuote{}, fmt.Errorf("%w: address is incomplete", services.ErrCheckoutInvalidInput)
	}

	var rejected []string
	for _, group := range req.Groups {
		if group.Capability == domain.ShopCapabilityVisualizationOnly {
			rejected = append(rejected, group.ShopID)
		}
	}
	if len(rejected) > 0 {
		return services.PriceQuote{}, &services.PricingFailure{
			Kind:    services.PricingFailureCapabilityRejected,
			Code:    services.CodeCapabilityRejected,
			Message: "some shops in the cart do not accept online orders",
			ShopIDs: rejected,
		}
	}

	quote := services.PriceQuote{
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		Subtotal:      decimal.Zero,
		Discount:      decimal.Zero,
		Shipping:      decimal.Zero,
		Tax:           decimal.Zero,
		Total:         decimal.Zero,
		ShopSummaries: make([]services.ShopPriceSummary, 0, len(req.Groups)),
		FetchedAt:     p.now(),
	}

	for _, group := range req.Groups {
		fulfillment, resolved := p.fulfillmentFor(group, req.Preferences)
		if resolved && fulfillment == domain.FulfillmentDelivery && !p.serves(req.Address.Country) {
			return services.PriceQuote{}, &services.PricingFailure{
				Kind:    services.PricingFailureAddressUnservedCountry,
				Code:    services.CodeValidationError,
				Message: fmt.Sprintf("We don't deliver to %s", strings.TrimSpace(req.Address.Country)),
				ShopIDs: []string{group.ShopID},
			}
		}

		summary := p.summarise(group, fulfillment, resolved)
		quote.ShopSummaries = append(quote.ShopSummaries, summary)
		quote.Subtotal = quote.Subtotal.Add(summary.Subtotal)
		quote.Shipping = quote.Shipping.Add(summary.ShippingCost)
		quote.Tax = quote.Tax.Add(summary.TaxAmount)
		quote.Total = quote.Total.Add(summary.TotalAmount)
		quote.RewardPoints += summary.RewardPoints
	}
	return quote, nil
}

func (p *LocalPricer) summarise(group services.ShopGroup, fulfillment domain.FulfillmentPreference, resolved bool) services.ShopPriceSummary {
	subtotal := group.Subtotal()
	summary := services.ShopPriceSummary{
		ShopID:         group.ShopID,
		Subtotal:       subtotal,
		DiscountAmount: decimal.Zero,
		ShippingCost:   decimal.Zero,
		PackagingFee:   decimal.Zero,
	}
	if !resolved {
		summary.RequiresFulfillmentChoice = true
	} else {
		f := fulfillment
		summary.FulfillmentType = &f
		if fulfillment == domain.FulfillmentDelivery {
			summary.ShippingCost = p.shippingFor(group, subtotal)
		}
		summary.PackagingFee = p.cfg.PackagingFee
	}

	taxable := subtotal.Add(summary.ShippingCost).Add(summary.PackagingFee)
	summary.TaxAmount = taxable.Mul(p.cfg.TaxRate).Round(2)
	summary.TotalAmount = taxable.Add(summary.TaxAmount)
	if p.cfg.PointsPerUnit > 0 {
		summary.RewardPoints = subtotal.Floor().IntPart() * p.cfg.PointsPerUnit
	}
	return summary
}

func (p *LocalPricer) shippingFor(group services.ShopGroup, subtotal decimal.Decimal) decimal.Decimal {
	if p.cfg.FreeShippingOver.IsPositive() && subtotal.GreaterThanOrEqual(p.cfg.FreeShippingOver) {
		return decimal.Zero
	}
	weight := decimal.Zero
	for _, item := range group.Items {
		weight = weight.Add(item.Weight.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return p.cfg.ShippingBase.Add(weight.Mul(p.cfg.ShippingPerKg)).Round(2)
}

func (p *LocalPricer) fulfillmentFor(group services.ShopGroup, prefs map[string]services.FulfillmentPreference) (domain.FulfillmentPreference, bool) {
	switch group.Capability {
	case domain.ShopCapabilityPickupOrders:
		return domain.FulfillmentPickup, true
	case domain.ShopCapabilityFullEcommerce:
		return domain.FulfillmentDelivery, true
	case domain.ShopCapabilityHybrid:
		if pref, ok := prefs[group.ShopID]; ok && pref.Valid() {
			return pref, true
		}
		return "", false
	default:
		return "", false
	}
}

func (p *LocalPricer) serves(country string) bool {
	if len(p.served) == 0 {
		return true
	}
	_, ok := p.served[normaliseCountry(country)]
	return ok
}

func normaliseCountry(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}
