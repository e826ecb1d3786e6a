package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Collaborator error codes with a business meaning for checkout.
const (
	CodeValidationError           = "VALIDATION_ERROR"
	CodeInsufficientStock         = "INSUFFICIENT_STOCK"
	CodeProductNotAvailable       = "PRODUCT_NOT_AVAILABLE"
	CodeVariantNotAvailable       = "VARIANT_NOT_AVAILABLE"
	CodeInternalError             = "INTERNAL_ERROR"
	CodeCapabilityRejected        = "CAPABILITY_REJECTED"
	CodeFulfillmentChoiceRequired = "FULFILLMENT_CHOICE_REQUIRED"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeInsufficientPoints        = "INSUFFICIENT_POINTS"
	CodeCartChanged               = "CART_CHANGED"
)

var (
	unservedAddressPatterns = []string{
		"don't deliver to", "do not deliver to", "dont deliver to", "not deliver to",
		"not served", "unserved", "country is not supported", "not available in your country",
		"outside our delivery",
	}
	geoPatterns = []string{
		"road", "geocod", "coordinates", "location could not", "invalid address",
		"address could not", "out of range", "too far",
	}
	capabilityPatterns = []string{
		"visualization", "display only", "display-only", "not available for purchase", "cannot be purchased",
	}
	fulfillmentPatterns = []string{
		"fulfillment", "fulfilment", "pickup or delivery", "pickup/delivery",
	}
	stockPatterns = []string{
		"insufficient stock", "out of stock", "not enough stock", "stock available", "only available",
	}
	pointsPatterns = []string{
		"insufficient points", "not enough points", "points balance",
	}

	availableQuantityPattern = regexp.MustCompile(`(?i)(?:only\s+(\d+)\s+(?:\w+\s+)?(?:left|available|in stock))|(?:available(?:\s+quantity)?\s*[:=]?\s*(\d+))`)
)

// ClassifyError maps any collaborator or checkout failure onto the closed taxonomy.
// Unrecognised failures classify as Unknown with a retry next step.
func ClassifyError(err error) *CheckoutError {
	if err == nil {
		return nil
	}

	var classified *CheckoutError
	if errors.As(err, &classified) && classified != nil {
		return classified
	}

	var failure *PricingFailure
	if errors.As(err, &failure) && failure != nil {
		return classifyPricingFailure(failure)
	}

	var collab *CollaboratorError
	if errors.As(err, &collab) && collab != nil {
		return classifyCollaboratorError(collab)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newCheckoutError(ErrorKindUnknown, "the request timed out", err)
	}

	return newCheckoutError(ErrorKindUnknown, "", err)
}

// PricingFailureFromCollaborator derives the typed pricing failure for a decoded collaborator error.
// Explicit codes win; message patterns are only consulted for codes that do not carry the meaning.
func PricingFailureFromCollaborator(cerr *CollaboratorError) *PricingFailure {
	if cerr == nil {
		return nil
	}
	code := strings.ToUpper(strings.TrimSpace(cerr.Code))
	message := strings.TrimSpace(cerr.Message)
	lower := strings.ToLower(message)

	failure := &PricingFailure{
		Kind:    PricingFailureUnknown,
		Code:    code,
		Message: message,
		ShopIDs: shopIDsFromDetails(cerr.Details),
		Cause:   cerr,
	}

	switch code {
	case CodeInsufficientStock, CodeProductNotAvailable, CodeVariantNotAvailable:
		failure.Kind = PricingFailureStockUnavailable
	case CodeCapabilityRejected:
		failure.Kind = PricingFailureCapabilityRejected
	case CodeFulfillmentChoiceRequired:
		failure.Kind = PricingFailureHybridChoiceRequired
	case CodeValidationError:
		switch {
		case containsAny(lower, capabilityPatterns):
			failure.Kind = PricingFailureCapabilityRejected
		case containsAny(lower, fulfillmentPatterns):
			failure.Kind = PricingFailureHybridChoiceRequired
		case containsAny(lower, unservedAddressPatterns):
			failure.Kind = PricingFailureAddressUnservedCountry
		default:
			failure.Kind = PricingFailureGeoValidationFailed
		}
	case CodeInternalError:
		if containsAny(lower, stockPatterns) {
			failure.Kind = PricingFailureStockUnavailable
		}
	default:
		switch {
		case containsAny(lower, unservedAddressPatterns):
			failure.Kind = PricingFailureAddressUnservedCountry
		case cerr.Status == 400 && containsAny(lower, geoPatterns):
			failure.Kind = PricingFailureGeoValidationFailed
		}
	}

	if failure.Kind == PricingFailureStockUnavailable {
		failure.StockIssues = stockIssuesFromDetails(cerr.Details, message)
	}
	return failure
}

func classifyPricingFailure(f *PricingFailure) *CheckoutError {
	var out *CheckoutError
	switch f.Kind {
	case PricingFailureAddressUnservedCountry:
		out = newCheckoutError(ErrorKindAddressRejected, "we don't deliver to this address", f)
	case PricingFailureGeoValidationFailed:
		out = newCheckoutError(ErrorKindAddressRejected, "the address could not be validated", f)
	case PricingFailureCapabilityRejected:
		out = newCheckoutError(ErrorKindCapabilityConflict, "", f)
	case PricingFailureHybridChoiceRequired:
		out = newCheckoutError(ErrorKindFulfillmentChoiceRequired, "", f)
	case PricingFailureStockUnavailable:
		out = newCheckoutError(ErrorKindStockConflict, "", f)
		out.StockIssues = append([]StockIssue(nil), f.StockIssues...)
	default:
		out = newCheckoutError(ErrorKindUnknown, "", f)
	}
	out.ShopIDs = uniqueSorted(f.ShopIDs)
	out.Detail = f.Message
	return out
}

func classifyCollaboratorError(cerr *CollaboratorError) *CheckoutError {
	code := strings.ToUpper(strings.TrimSpace(cerr.Code))
	lower := strings.ToLower(cerr.Message)

	var out *CheckoutError
	switch {
	case code == CodeUnauthorized || code == "UNAUTHENTICATED" || cerr.Status == 401:
		out = newCheckoutError(ErrorKindAuthRequired, "", cerr)
	case code == CodeInsufficientPoints || containsAny(lower, pointsPatterns):
		out = newCheckoutError(ErrorKindInsufficientPoints, "", cerr)
	case code == CodeCartChanged || code == "CART_MODIFIED" || cerr.Status == 409:
		out = newCheckoutError(ErrorKindItemsChangedConcurrently, "", cerr)
	default:
		return classifyPricingFailure(PricingFailureFromCollaborator(cerr))
	}
	out.Detail = cerr.Message
	return out
}

func newCheckoutError(kind ErrorKind, message string, cause error) *CheckoutError {
	if message == "" {
		message = defaultErrorMessage(kind)
	}
	return &CheckoutError{
		Kind:     kind,
		Message:  message,
		NextStep: nextStepFor(kind),
		Cause:    cause,
	}
}

// NewCheckoutError builds a classified error with the default message and next step for the kind.
func NewCheckoutError(kind ErrorKind, cause error) *CheckoutError {
	return newCheckoutError(kind, "", cause)
}

func defaultErrorMessage(kind ErrorKind) string {
	switch kind {
	case ErrorKindAddressRejected:
		return "the delivery address was rejected"
	case ErrorKindCapabilityConflict:
		return "the cart contains items from a display-only shop"
	case ErrorKindFulfillmentChoiceRequired:
		return "choose pickup or delivery for every shop that offers both"
	case ErrorKindStockConflict:
		return "some items are not available in the requested quantity"
	case ErrorKindAuthRequired:
		return "log in to pay with points"
	case ErrorKindInsufficientPoints:
		return "your points do not cover this order"
	case ErrorKindItemsChangedConcurrently:
		return "your cart changed while checking out"
	default:
		return "something went wrong, please try again"
	}
}

func nextStepFor(kind ErrorKind) NextStep {
	switch kind {
	case ErrorKindAddressRejected:
		return NextStepFixAddress
	case ErrorKindCapabilityConflict, ErrorKindItemsChangedConcurrently:
		return NextStepReturnToCart
	case ErrorKindFulfillmentChoiceRequired:
		return NextStepPickFulfillment
	case ErrorKindStockConflict:
		return NextStepRemoveItem
	case ErrorKindAuthRequired:
		return NextStepLogIn
	case ErrorKindInsufficientPoints:
		return NextStepChoosePayment
	default:
		return NextStepRetry
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func shopIDsFromDetails(details map[string]any) []string {
	if len(details) == 0 {
		return nil
	}
	var ids []string
	for _, key := range []string{"shopIds", "shops"} {
		if raw, ok := details[key].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
					ids = append(ids, strings.TrimSpace(s))
				}
			}
		}
	}
	if s, ok := details["shopId"].(string); ok && strings.TrimSpace(s) != "" {
		ids = append(ids, strings.TrimSpace(s))
	}
	return uniqueSorted(ids)
}

func stockIssuesFromDetails(details map[string]any, message string) []StockIssue {
	var issues []StockIssue
	if raw, ok := details["items"].([]any); ok {
		for _, entry := range raw {
			if m, ok := entry.(map[string]any); ok {
				issues = append(issues, stockIssueFromMap(m))
			}
		}
	} else if _, ok := details["productId"]; ok {
		issues = append(issues, stockIssueFromMap(details))
	}

	if len(issues) == 0 {
		issue := StockIssue{Message: message, Available: -1}
		if available, ok := availableFromMessage(message); ok {
			issue.Available = available
		}
		issues = append(issues, issue)
	}
	return issues
}

func stockIssueFromMap(m map[string]any) StockIssue {
	issue := StockIssue{
		ProductID: stringFromAny(m["productId"]),
		VariantID: stringFromAny(m["variantId"]),
		Requested: intFromAny(m["requested"], 0),
		Available: intFromAny(m["available"], -1),
		Message:   stringFromAny(m["message"]),
	}
	if issue.Available < 0 {
		if available, ok := availableFromMessage(issue.Message); ok {
			issue.Available = available
		}
	}
	return issue
}

func availableFromMessage(message string) (int, bool) {
	match := availableQuantityPattern.FindStringSubmatch(message)
	if match == nil {
		return 0, false
	}
	for _, group := range match[1:] {
		if group == "" {
			continue
		}
		if n, err := strconv.Atoi(group); err == nil {
			return n, true
		}
	}
	return 0, false
}

func stringFromAny(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func intFromAny(v any, fallback int) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return fallback
}

func uniqueSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
