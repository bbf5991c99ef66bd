package referral

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Documented defaults applied whenever a discount instance has no stored
// configuration, or a stored blob omits a field. Missing configuration is
// resolved locally and never surfaced as an error.
const (
	DefaultRefereeDiscountPercentage = "10"
	DefaultRefereeMinOrder           = "0"
	DefaultReferrerCreditAmount      = "5.00"
	DefaultMinReferrerOrders         = 1
)

// DiscountConfig is the versionless per-discount-instance configuration. It
// is stored as a whole JSON blob and overwritten wholesale on change.
type DiscountConfig struct {
	RefereeDiscountPercentage *big.Rat
	RefereeMinOrder           *big.Rat
	ReferrerCreditAmount      *big.Rat
	MinReferrerOrders         int
	AppliesOnSubscription     bool
}

type discountConfigJSON struct {
	RefereeDiscountPercentage *json.Number `json:"refereeDiscountPercentage"`
	RefereeMinOrder           *json.Number `json:"refereeMinOrder"`
	ReferrerCreditAmount      *json.Number `json:"referrerCreditAmount"`
	MinReferrerOrders         *int         `json:"minReferrerOrders"`
	AppliesOnSubscription     *bool        `json:"appliesOnSubscription"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() DiscountConfig {
	return DiscountConfig{
		RefereeDiscountPercentage: mustRat(DefaultRefereeDiscountPercentage),
		RefereeMinOrder:           mustRat(DefaultRefereeMinOrder),
		ReferrerCreditAmount:      mustRat(DefaultReferrerCreditAmount),
		MinReferrerOrders:         DefaultMinReferrerOrders,
	}
}

// DecodeConfig overlays a stored JSON blob on top of the defaults. A nil or
// empty blob yields the defaults unchanged.
func DecodeConfig(raw []byte) (DiscountConfig, error) {
	cfg := DefaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}
	var decoded discountConfigJSON
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return DiscountConfig{}, fmt.Errorf("decode discount config: %w", err)
	}
	if decoded.RefereeDiscountPercentage != nil {
		value, err := parseNumber(*decoded.RefereeDiscountPercentage)
		if err != nil {
			return DiscountConfig{}, fmt.Errorf("refereeDiscountPercentage: %w", err)
		}
		cfg.RefereeDiscountPercentage = value
	}
	if decoded.RefereeMinOrder != nil {
		value, err := parseNumber(*decoded.RefereeMinOrder)
		if err != nil {
			return DiscountConfig{}, fmt.Errorf("refereeMinOrder: %w", err)
		}
		cfg.RefereeMinOrder = value
	}
	if decoded.ReferrerCreditAmount != nil {
		value, err := parseNumber(*decoded.ReferrerCreditAmount)
		if err != nil {
			return DiscountConfig{}, fmt.Errorf("referrerCreditAmount: %w", err)
		}
		cfg.ReferrerCreditAmount = value
	}
	if decoded.MinReferrerOrders != nil {
		cfg.MinReferrerOrders = *decoded.MinReferrerOrders
	}
	if decoded.AppliesOnSubscription != nil {
		cfg.AppliesOnSubscription = *decoded.AppliesOnSubscription
	}
	return cfg, nil
}

func parseNumber(n json.Number) (*big.Rat, error) {
	rat := new(big.Rat)
	if _, ok := rat.SetString(n.String()); !ok {
		return nil, fmt.Errorf("invalid decimal %q", n.String())
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value %q must not be negative", n.String())
	}
	return rat, nil
}

func mustRat(value string) *big.Rat {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		panic(fmt.Sprintf("invalid built-in decimal %q", value))
	}
	return rat
}
