package settlementd

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OrderAttributes carries the referral linkage captured on the cart and
// echoed through to the completed order.
type OrderAttributes struct {
	ReferralValidated  string `json:"referral_validated"`
	ReferrerCustomerID string `json:"referrer_customer_id"`
}

// AppliedDiscount is one discount application recorded on the order. The
// attribution code was assigned at decision time; settlement matches on it
// rather than on the display title.
type AppliedDiscount struct {
	AttributionCode string `json:"attribution_code"`
	Title           string `json:"title"`
	Amount          string `json:"amount"`
}

// CompletedOrderEvent is the webhook payload consumed by settlement. An
// absent customer id means a guest checkout: referral settlement and credit
// deduction are both skipped.
type CompletedOrderEvent struct {
	OrderID          string            `json:"order_id"`
	OrderReference   string            `json:"order_reference"`
	CustomerID       string            `json:"customer_id"`
	Subtotal         string            `json:"subtotal"`
	Attributes       OrderAttributes   `json:"attributes"`
	AppliedDiscounts []AppliedDiscount `json:"applied_discounts"`
}

// ParseCompletedOrderEvent validates and normalises an incoming webhook body.
func ParseCompletedOrderEvent(body []byte) (*CompletedOrderEvent, error) {
	var event CompletedOrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	event.OrderID = strings.TrimSpace(event.OrderID)
	if event.OrderID == "" {
		return nil, fmt.Errorf("order_id required")
	}
	event.OrderReference = strings.TrimSpace(event.OrderReference)
	if event.OrderReference == "" {
		event.OrderReference = "#" + event.OrderID
	}
	event.CustomerID = strings.TrimSpace(event.CustomerID)
	event.Subtotal = strings.TrimSpace(event.Subtotal)
	event.Attributes.ReferralValidated = strings.TrimSpace(event.Attributes.ReferralValidated)
	event.Attributes.ReferrerCustomerID = strings.TrimSpace(event.Attributes.ReferrerCustomerID)
	for i := range event.AppliedDiscounts {
		event.AppliedDiscounts[i].AttributionCode = strings.TrimSpace(event.AppliedDiscounts[i].AttributionCode)
		event.AppliedDiscounts[i].Title = strings.TrimSpace(event.AppliedDiscounts[i].Title)
		event.AppliedDiscounts[i].Amount = strings.TrimSpace(event.AppliedDiscounts[i].Amount)
	}
	return &event, nil
}

// referralLinkage reports whether the order carries a validated referral and
// names the referrer.
func (e *CompletedOrderEvent) referralLinkage() (string, bool) {
	if e.Attributes.ReferralValidated != "true" {
		return "", false
	}
	if e.Attributes.ReferrerCustomerID == "" {
		return "", false
	}
	return e.Attributes.ReferrerCustomerID, true
}
