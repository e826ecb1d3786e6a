package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifyErrorAddressRejectedForUnservedCountry(t *testing.T) {
	failure := PricingFailureFromCollaborator(&CollaboratorError{
		Service: "pricing",
		Status:  400,
		Code:    CodeValidationError,
		Message: "Sorry, we don't deliver to Kenya yet",
	})
	if failure.Kind != PricingFailureAddressUnservedCountry {
		t.Fatalf("expected unserved country, got %s", failure.Kind)
	}

	classified := ClassifyError(fmt.Errorf("quote: %w", failure))
	if classified.Kind != ErrorKindAddressRejected {
		t.Fatalf("expected address rejected, got %s", classified.Kind)
	}
	if classified.NextStep != NextStepFixAddress {
		t.Fatalf("expected fix address next step, got %s", classified.NextStep)
	}
}

func TestClassifyErrorValidationPatterns(t *testing.T) {
	cases := []struct {
		name    string
		message string
		want    PricingFailureKind
	}{
		{name: "road", message: "No road found near the given coordinates", want: PricingFailureGeoValidationFailed},
		{name: "capability", message: "Product is from a visualization only shop", want: PricingFailureCapabilityRejected},
		{name: "fulfillment", message: "Shop s-2 requires a fulfillment type", want: PricingFailureHybridChoiceRequired},
		{name: "unrecognised", message: "bad request", want: PricingFailureGeoValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PricingFailureFromCollaborator(&CollaboratorError{Status: 400, Code: CodeValidationError, Message: tc.message})
			if got.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Kind)
			}
		})
	}
}

func TestClassifyErrorExplicitStockCodeWins(t *testing.T) {
	failure := PricingFailureFromCollaborator(&CollaboratorError{
		Status:  409,
		Code:    CodeInsufficientStock,
		Message: "we don't deliver to this item",
		Details: map[string]any{
			"items": []any{
				map[string]any{"productId": "p-1", "variantId": "v-1", "requested": float64(3), "available": float64(1)},
			},
		},
	})
	if failure.Kind != PricingFailureStockUnavailable {
		t.Fatalf("expected stock failure, got %s", failure.Kind)
	}
	classified := ClassifyError(failure)
	if classified.Kind != ErrorKindStockConflict {
		t.Fatalf("expected stock conflict, got %s", classified.Kind)
	}
	if len(classified.StockIssues) != 1 {
		t.Fatalf("expected one stock issue, got %#v", classified.StockIssues)
	}
	issue := classified.StockIssues[0]
	if issue.ProductID != "p-1" || issue.VariantID != "v-1" || issue.Requested != 3 || issue.Available != 1 {
		t.Fatalf("unexpected stock issue %#v", issue)
	}
	if classified.NextStep != NextStepRemoveItem {
		t.Fatalf("expected remove item, got %s", classified.NextStep)
	}
}

func TestClassifyErrorInternalErrorWithStockText(t *testing.T) {
	classified := ClassifyError(&CollaboratorError{
		Status:  500,
		Code:    CodeInternalError,
		Message: "Insufficient stock for product Ceramic Mug: only 2 available",
	})
	if classified.Kind != ErrorKindStockConflict {
		t.Fatalf("expected stock conflict, got %s", classified.Kind)
	}
	if len(classified.StockIssues) != 1 || classified.StockIssues[0].Available != 2 {
		t.Fatalf("expected available quantity parsed from text, got %#v", classified.StockIssues)
	}
}

func TestClassifyErrorInternalErrorWithoutStockTextIsUnknown(t *testing.T) {
	classified := ClassifyError(&CollaboratorError{Status: 500, Code: CodeInternalError, Message: "db timeout"})
	if classified.Kind != ErrorKindUnknown {
		t.Fatalf("expected unknown, got %s", classified.Kind)
	}
	if classified.NextStep != NextStepRetry {
		t.Fatalf("expected retry, got %s", classified.NextStep)
	}
}

func TestClassifyErrorCollaboratorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  *CollaboratorError
		want ErrorKind
	}{
		{name: "unauthorized status", err: &CollaboratorError{Status: 401}, want: ErrorKindAuthRequired},
		{name: "unauthorized code", err: &CollaboratorError{Status: 403, Code: CodeUnauthorized}, want: ErrorKindAuthRequired},
		{name: "insufficient points", err: &CollaboratorError{Status: 400, Code: CodeInsufficientPoints}, want: ErrorKindInsufficientPoints},
		{name: "points text", err: &CollaboratorError{Status: 400, Message: "Not enough points to cover order"}, want: ErrorKindInsufficientPoints},
		{name: "cart changed", err: &CollaboratorError{Status: 409, Code: CodeCartChanged}, want: ErrorKindItemsChangedConcurrently},
		{name: "capability code", err: &CollaboratorError{Status: 400, Code: CodeCapabilityRejected}, want: ErrorKindCapabilityConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got.Kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got.Kind)
			}
		})
	}
}

func TestClassifyErrorUnknownFallback(t *testing.T) {
	if ClassifyError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	classified := ClassifyError(errors.New("boom"))
	if classified.Kind != ErrorKindUnknown {
		t.Fatalf("expected unknown, got %s", classified.Kind)
	}
	if classified.Message == "" {
		t.Fatalf("expected generic message")
	}

	timeout := ClassifyError(context.DeadlineExceeded)
	if timeout.Kind != ErrorKindUnknown || !errors.Is(timeout, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline, got %#v", timeout)
	}
}

func TestClassifyErrorPassesThroughClassified(t *testing.T) {
	original := NewCheckoutError(ErrorKindCapabilityConflict, nil)
	original.ShopIDs = []string{"shop-1"}
	got := ClassifyError(fmt.Errorf("wrap: %w", original))
	if got != original {
		t.Fatalf("expected the same classified error")
	}
	if !errors.Is(got, &CheckoutError{Kind: ErrorKindCapabilityConflict}) {
		t.Fatalf("expected errors.Is to match by kind")
	}
}

func TestPricingFailureShopIDsFromDetails(t *testing.T) {
	failure := PricingFailureFromCollaborator(&CollaboratorError{
		Status:  400,
		Code:    CodeFulfillmentChoiceRequired,
		Details: map[string]any{"shopIds": []any{"s-2", "s-1", "s-2"}},
	})
	classified := ClassifyError(failure)
	if classified.Kind != ErrorKindFulfillmentChoiceRequired {
		t.Fatalf("expected fulfillment choice, got %s", classified.Kind)
	}
	if len(classified.ShopIDs) != 2 || classified.ShopIDs[0] != "s-1" || classified.ShopIDs[1] != "s-2" {
		t.Fatalf("unexpected shop ids %v", classified.ShopIDs)
	}
}
