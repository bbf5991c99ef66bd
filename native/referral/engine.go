// Package referral implements the discount decision engine for the referral
// rewards program. The engine is pure: it performs no I/O and reads no clock,
// so identical inputs always yield identical outputs and any invocation can
// be replayed for debugging. Missing optional data resolves to an empty
// candidate list, never an error, so a fault here can never degrade checkout.
package referral

import (
	"fmt"
	"math/big"
	"strings"
)

func emptyDecision() Decision {
	return Decision{Strategy: SelectionFirst}
}

// Evaluate dispatches on the explicitly named request kind. Unknown kinds
// resolve to an empty decision.
func Evaluate(req DecisionRequest) Decision {
	switch req.Kind {
	case RequestKindReferral:
		cfg := DefaultConfig()
		if req.Config != nil {
			cfg = *req.Config
		}
		return EvaluateReferral(req.Cart, cfg)
	case RequestKindStoreCredit:
		return EvaluateStoreCredit(req.Cart, req.Ledger)
	default:
		return emptyDecision()
	}
}

// EvaluateReferral produces the referee's percentage discount. It requires a
// validated referral attribute, an explicit referrer reference, and a
// subtotal meeting the configured minimum. It never consults the ledger.
func EvaluateReferral(cart CartSnapshot, cfg DiscountConfig) Decision {
	if !cart.HasClass(DiscountClassOrder) {
		return emptyDecision()
	}
	if cart.Subtotal == nil || cart.Subtotal.Sign() <= 0 {
		return emptyDecision()
	}
	if !cart.referralValidated() {
		return emptyDecision()
	}
	if strings.TrimSpace(cart.ReferrerCustomerID) == "" {
		return emptyDecision()
	}
	if cart.HasSubscription && !cfg.AppliesOnSubscription {
		return emptyDecision()
	}
	if cfg.RefereeMinOrder != nil && cart.Subtotal.Cmp(cfg.RefereeMinOrder) < 0 {
		return emptyDecision()
	}
	percentage := cfg.RefereeDiscountPercentage
	if percentage == nil || percentage.Sign() <= 0 {
		return emptyDecision()
	}
	return Decision{
		Strategy: SelectionFirst,
		Candidates: []DiscountCandidate{{
			Kind:            DiscountKindPercentage,
			Value:           new(big.Rat).Set(percentage),
			Target:          TargetOrderSubtotal,
			Message:         fmt.Sprintf("Referral discount: %s%% off", formatPercentage(percentage)),
			AttributionCode: AttributionReferral,
		}},
	}
}

// EvaluateStoreCredit produces a fixed-amount discount spending the invoking
// customer's accumulated credit, capped at the cart subtotal. It never
// consults cart attributes.
func EvaluateStoreCredit(cart CartSnapshot, snapshot *LedgerSnapshot) Decision {
	if !cart.HasClass(DiscountClassOrder) {
		return emptyDecision()
	}
	if snapshot == nil || snapshot.CreditBalance == nil || snapshot.CreditBalance.Sign() <= 0 {
		return emptyDecision()
	}
	if cart.Subtotal == nil || cart.Subtotal.Sign() <= 0 {
		return emptyDecision()
	}
	amount := new(big.Rat).Set(snapshot.CreditBalance)
	if amount.Cmp(cart.Subtotal) > 0 {
		amount.Set(cart.Subtotal)
	}
	return Decision{
		Strategy: SelectionFirst,
		Candidates: []DiscountCandidate{{
			Kind:            DiscountKindFixedAmount,
			Value:           amount,
			Target:          TargetOrderSubtotal,
			Message:         fmt.Sprintf("Store credit: $%s", amount.FloatString(2)),
			AttributionCode: AttributionStoreCredit,
		}},
	}
}

// formatPercentage renders a percentage without trailing zeros: 10 stays
// "10", 12.5 stays "12.5".
func formatPercentage(value *big.Rat) string {
	if value.IsInt() {
		return value.Num().String()
	}
	formatted := strings.TrimRight(value.FloatString(4), "0")
	return strings.TrimRight(formatted, ".")
}
