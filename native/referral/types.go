package referral

import "math/big"

// DiscountKind distinguishes the two candidate value shapes.
type DiscountKind string

const (
	DiscountKindPercentage  DiscountKind = "PERCENTAGE"
	DiscountKindFixedAmount DiscountKind = "FIXED_AMOUNT"
)

// DiscountClass mirrors the checkout pipeline's discount classes. Both modes
// only produce order-level discounts.
type DiscountClass string

const (
	DiscountClassOrder    DiscountClass = "ORDER"
	DiscountClassProduct  DiscountClass = "PRODUCT"
	DiscountClassShipping DiscountClass = "SHIPPING"
)

// DiscountTarget names what a candidate applies to.
type DiscountTarget string

// TargetOrderSubtotal is the only target either mode emits.
const TargetOrderSubtotal DiscountTarget = "ORDER_SUBTOTAL"

// SelectionStrategy tells the calling pipeline how to pick among candidates.
type SelectionStrategy string

// SelectionFirst instructs the caller to apply only the first eligible
// candidate from a single invocation.
const SelectionFirst SelectionStrategy = "FIRST"

// Attribution codes are assigned at decision time and echoed back on the
// completed order, giving settlement a stable structural identifier instead
// of display-title matching.
const (
	AttributionReferral    = "referral"
	AttributionStoreCredit = "store-credit"
)

// CartSnapshot is the transient, per-invocation view of the cart under
// evaluation. Attribute values arrive as strings from the checkout pipeline.
type CartSnapshot struct {
	Subtotal           *big.Rat
	ReferralValidated  string
	ReferrerCustomerID string
	HasSubscription    bool
	DiscountClasses    []DiscountClass
}

// HasClass reports whether the invocation requested the given discount class.
func (c CartSnapshot) HasClass(class DiscountClass) bool {
	for _, dc := range c.DiscountClasses {
		if dc == class {
			return true
		}
	}
	return false
}

func (c CartSnapshot) referralValidated() bool {
	return c.ReferralValidated == "true"
}

// LedgerSnapshot is a point-in-time read of a customer's referral ledger,
// taken by the caller before invoking the engine. The engine itself never
// touches the ledger.
type LedgerSnapshot struct {
	CustomerID    string
	CreditBalance *big.Rat
	ReferralsMade uint64
}

// DiscountCandidate is the ephemeral output of one evaluation. It is never
// persisted; the attribution code is the only part echoed back at settlement.
type DiscountCandidate struct {
	Kind            DiscountKind
	Value           *big.Rat
	Target          DiscountTarget
	Message         string
	AttributionCode string
}

// Decision carries the ordered candidates plus the selection strategy the
// calling pipeline must honour.
type Decision struct {
	Strategy   SelectionStrategy
	Candidates []DiscountCandidate
}

// RequestKind selects a decision mode explicitly. The caller names the mode;
// it is never inferred from which optional fields happen to be present.
type RequestKind string

const (
	RequestKindReferral    RequestKind = "referral"
	RequestKindStoreCredit RequestKind = "store_credit"
)

// DecisionRequest is the tagged union of the two decision modes.
type DecisionRequest struct {
	Kind   RequestKind
	Cart   CartSnapshot
	Config *DiscountConfig
	Ledger *LedgerSnapshot
}
