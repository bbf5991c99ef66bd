package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed bootstraps attribute-store entries at startup. It exists so a fresh
// deployment can describe its discount instances (and optionally customer
// display names) in one reviewable file instead of hand-poking the store.
type Seed struct {
	Discounts []DiscountSeed `yaml:"discounts"`
	Customers []CustomerSeed `yaml:"customers"`
}

// DiscountSeed holds one discount instance's configuration blob.
type DiscountSeed struct {
	Instance string         `yaml:"instance"`
	Config   map[string]any `yaml:"config"`
}

// CustomerSeed associates a customer id with a display name used in
// referral notifications.
type CustomerSeed struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoadSeed reads and validates a seed file.
func LoadSeed(path string) (*Seed, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer file.Close()

	var seed Seed
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&seed); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	for i, discount := range seed.Discounts {
		if strings.TrimSpace(discount.Instance) == "" {
			return nil, fmt.Errorf("seed discount %d: instance required", i)
		}
	}
	for i, customer := range seed.Customers {
		if strings.TrimSpace(customer.ID) == "" {
			return nil, fmt.Errorf("seed customer %d: id required", i)
		}
	}
	return &seed, nil
}

// ConfigJSON renders the discount configuration as the JSON blob the
// attribute store persists.
func (d DiscountSeed) ConfigJSON() ([]byte, error) {
	if d.Config == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(d.Config)
	if err != nil {
		return nil, fmt.Errorf("encode discount config %s: %w", d.Instance, err)
	}
	return raw, nil
}
