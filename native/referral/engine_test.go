package referral

import (
	"math/big"
	"reflect"
	"strings"
	"testing"
)

func rat(t *testing.T, value string) *big.Rat {
	t.Helper()
	r, ok := new(big.Rat).SetString(value)
	if !ok {
		t.Fatalf("invalid decimal %q", value)
	}
	return r
}

func orderCart(t *testing.T, subtotal string) CartSnapshot {
	t.Helper()
	return CartSnapshot{
		Subtotal:        rat(t, subtotal),
		DiscountClasses: []DiscountClass{DiscountClassOrder},
	}
}

func validatedCart(t *testing.T, subtotal string) CartSnapshot {
	t.Helper()
	cart := orderCart(t, subtotal)
	cart.ReferralValidated = "true"
	cart.ReferrerCustomerID = "referrer-1"
	return cart
}

func TestReferralModeAppliesPercentage(t *testing.T) {
	// Scenario: subtotal $20, validated referral, percentage 10.
	decision := EvaluateReferral(validatedCart(t, "20.00"), DefaultConfig())
	if len(decision.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(decision.Candidates))
	}
	if decision.Strategy != SelectionFirst {
		t.Fatalf("expected FIRST strategy, got %s", decision.Strategy)
	}
	candidate := decision.Candidates[0]
	if candidate.Kind != DiscountKindPercentage {
		t.Fatalf("expected percentage candidate, got %s", candidate.Kind)
	}
	if candidate.Value.Cmp(rat(t, "10")) != 0 {
		t.Fatalf("expected 10 percent, got %s", candidate.Value.RatString())
	}
	if !strings.Contains(candidate.Message, "Referral discount") {
		t.Fatalf("unexpected message %q", candidate.Message)
	}
	if candidate.AttributionCode != AttributionReferral {
		t.Fatalf("unexpected attribution code %q", candidate.AttributionCode)
	}
	if candidate.Target != TargetOrderSubtotal {
		t.Fatalf("unexpected target %q", candidate.Target)
	}
}

func TestReferralModeSkips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefereeMinOrder = rat(t, "25.00")

	subscriptionCart := validatedCart(t, "20.00")
	subscriptionCart.HasSubscription = true

	noOrderClass := validatedCart(t, "20.00")
	noOrderClass.DiscountClasses = []DiscountClass{DiscountClassProduct}

	notValidated := orderCart(t, "20.00")
	notValidated.ReferrerCustomerID = "referrer-1"

	noReferrer := orderCart(t, "20.00")
	noReferrer.ReferralValidated = "true"

	cases := []struct {
		name string
		cart CartSnapshot
		cfg  DiscountConfig
	}{
		{"missing validated attribute", notValidated, DefaultConfig()},
		{"missing referrer id", noReferrer, DefaultConfig()},
		{"below min order", validatedCart(t, "20.00"), cfg},
		{"no order discount class", noOrderClass, DefaultConfig()},
		{"subscription not allowed", subscriptionCart, DefaultConfig()},
		{"nil subtotal", CartSnapshot{DiscountClasses: []DiscountClass{DiscountClassOrder}, ReferralValidated: "true", ReferrerCustomerID: "r"}, DefaultConfig()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := EvaluateReferral(tc.cart, tc.cfg)
			if len(decision.Candidates) != 0 {
				t.Fatalf("expected no candidates, got %+v", decision.Candidates)
			}
		})
	}
}

func TestReferralModeAllowsSubscriptionWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AppliesOnSubscription = true
	cart := validatedCart(t, "20.00")
	cart.HasSubscription = true
	decision := EvaluateReferral(cart, cfg)
	if len(decision.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(decision.Candidates))
	}
}

func TestStoreCreditModePartialBalance(t *testing.T) {
	// Scenario: balance $15, subtotal $20 -> fixed amount $15.00.
	snapshot := &LedgerSnapshot{CustomerID: "cust-1", CreditBalance: rat(t, "15.00")}
	decision := EvaluateStoreCredit(orderCart(t, "20.00"), snapshot)
	if len(decision.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(decision.Candidates))
	}
	candidate := decision.Candidates[0]
	if candidate.Kind != DiscountKindFixedAmount {
		t.Fatalf("expected fixed amount, got %s", candidate.Kind)
	}
	if candidate.Value.Cmp(rat(t, "15.00")) != 0 {
		t.Fatalf("expected 15.00, got %s", candidate.Value.FloatString(2))
	}
	if candidate.Message != "Store credit: $15.00" {
		t.Fatalf("unexpected message %q", candidate.Message)
	}
	if candidate.AttributionCode != AttributionStoreCredit {
		t.Fatalf("unexpected attribution code %q", candidate.AttributionCode)
	}
}

func TestStoreCreditModeCapsAtSubtotal(t *testing.T) {
	// Scenario: balance $25, subtotal $20 -> capped at $20.00.
	snapshot := &LedgerSnapshot{CustomerID: "cust-1", CreditBalance: rat(t, "25.00")}
	decision := EvaluateStoreCredit(orderCart(t, "20.00"), snapshot)
	if len(decision.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(decision.Candidates))
	}
	if decision.Candidates[0].Value.Cmp(rat(t, "20.00")) != 0 {
		t.Fatalf("expected 20.00, got %s", decision.Candidates[0].Value.FloatString(2))
	}
}

func TestStoreCreditModeSkips(t *testing.T) {
	cases := []struct {
		name     string
		cart     CartSnapshot
		snapshot *LedgerSnapshot
	}{
		{"nil snapshot", orderCart(t, "20.00"), nil},
		{"zero balance", orderCart(t, "20.00"), &LedgerSnapshot{CreditBalance: rat(t, "0")}},
		{"nil balance", orderCart(t, "20.00"), &LedgerSnapshot{}},
		{"no order class", CartSnapshot{Subtotal: rat(t, "20.00")}, &LedgerSnapshot{CreditBalance: rat(t, "15.00")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := EvaluateStoreCredit(tc.cart, tc.snapshot)
			if len(decision.Candidates) != 0 {
				t.Fatalf("expected no candidates, got %+v", decision.Candidates)
			}
		})
	}
}

func TestEvaluateDispatchesOnKind(t *testing.T) {
	referral := Evaluate(DecisionRequest{Kind: RequestKindReferral, Cart: validatedCart(t, "20.00")})
	if len(referral.Candidates) != 1 || referral.Candidates[0].Kind != DiscountKindPercentage {
		t.Fatalf("referral dispatch failed: %+v", referral)
	}
	credit := Evaluate(DecisionRequest{
		Kind:   RequestKindStoreCredit,
		Cart:   orderCart(t, "20.00"),
		Ledger: &LedgerSnapshot{CreditBalance: rat(t, "5.00")},
	})
	if len(credit.Candidates) != 1 || credit.Candidates[0].Kind != DiscountKindFixedAmount {
		t.Fatalf("store-credit dispatch failed: %+v", credit)
	}
	unknown := Evaluate(DecisionRequest{Kind: "loyalty", Cart: validatedCart(t, "20.00")})
	if len(unknown.Candidates) != 0 {
		t.Fatalf("unknown kind should be empty, got %+v", unknown)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	req := DecisionRequest{Kind: RequestKindReferral, Cart: validatedCart(t, "42.00")}
	first := Evaluate(req)
	second := Evaluate(req)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replayed invocation differed: %+v vs %+v", first, second)
	}
	// Mutating the output must not leak back into a later evaluation.
	first.Candidates[0].Value.SetInt64(99)
	third := Evaluate(req)
	if !reflect.DeepEqual(second, third) {
		t.Fatal("engine output aliases shared state")
	}
}

func TestDecodeConfigDefaultsAndOverlay(t *testing.T) {
	cfg, err := DecodeConfig(nil)
	if err != nil {
		t.Fatalf("decode nil: %v", err)
	}
	if cfg.RefereeDiscountPercentage.Cmp(rat(t, "10")) != 0 ||
		cfg.RefereeMinOrder.Sign() != 0 ||
		cfg.ReferrerCreditAmount.Cmp(rat(t, "5.00")) != 0 ||
		cfg.MinReferrerOrders != 1 ||
		cfg.AppliesOnSubscription {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	cfg, err = DecodeConfig([]byte(`{"refereeDiscountPercentage":12.5,"refereeMinOrder":30,"minReferrerOrders":3}`))
	if err != nil {
		t.Fatalf("decode overlay: %v", err)
	}
	if cfg.RefereeDiscountPercentage.Cmp(rat(t, "12.5")) != 0 {
		t.Fatalf("percentage not overlaid: %s", cfg.RefereeDiscountPercentage.RatString())
	}
	if cfg.RefereeMinOrder.Cmp(rat(t, "30")) != 0 {
		t.Fatalf("min order not overlaid: %s", cfg.RefereeMinOrder.RatString())
	}
	if cfg.MinReferrerOrders != 3 {
		t.Fatalf("min referrer orders not overlaid: %d", cfg.MinReferrerOrders)
	}
	// Untouched fields keep their defaults.
	if cfg.ReferrerCreditAmount.Cmp(rat(t, "5.00")) != 0 {
		t.Fatalf("credit amount default lost: %s", cfg.ReferrerCreditAmount.RatString())
	}

	if _, err := DecodeConfig([]byte(`{"refereeDiscountPercentage":-5}`)); err == nil {
		t.Fatal("expected error for negative percentage")
	}
	if _, err := DecodeConfig([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestFormatPercentage(t *testing.T) {
	cases := map[string]string{
		"10":    "10",
		"12.5":  "12.5",
		"0.25":  "0.25",
		"33.33": "33.33",
	}
	for input, want := range cases {
		if got := formatPercentage(rat(t, input)); got != want {
			t.Fatalf("formatPercentage(%s) = %q, want %q", input, got, want)
		}
	}
}
