package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// amountScale is the number of decimal places persisted for monetary values.
// Ledger arithmetic is addition and subtraction only, so values stay exact at
// this scale and round trips never drift.
const amountScale = 2

var amountScaleFactor = new(big.Rat).SetInt64(100)

// ParseAmount parses a decimal-string monetary value. Values with precision
// beyond two decimal places are rejected rather than silently rounded.
func ParseAmount(value string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	rat := new(big.Rat)
	if _, ok := rat.SetString(trimmed); !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", value)
	}
	scaled := new(big.Rat).Mul(rat, amountScaleFactor)
	if !scaled.IsInt() {
		return nil, fmt.Errorf("amount %q requires precision beyond %d decimals", value, amountScale)
	}
	return rat, nil
}

// FormatAmount renders a monetary value as a two-decimal string, the format
// the attribute store persists.
func FormatAmount(amount *big.Rat) string {
	if amount == nil {
		return "0.00"
	}
	return amount.FloatString(amountScale)
}
