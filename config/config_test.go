package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daisychaind.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8091", cfg.ListenAddress)
	require.Equal(t, 5, cfg.WorkerMaxAttempts)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config not persisted")

	// Reloading the freshly written default must succeed.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ListenAddress, again.ListenAddress)
	require.Equal(t, cfg.DataDir, again.DataDir)
}

func TestLoadResolvesSecretFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daisychaind.toml")
	contents := `
ListenAddress = ":9000"
WebhookSecretEnv = "DAISYCHAIN_TEST_SECRET"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	t.Setenv("DAISYCHAIN_TEST_SECRET", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "hunter2", cfg.WebhookSecret)
}

func TestLoadFailsOnEmptySecretEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daisychaind.toml")
	contents := `WebhookSecretEnv = "DAISYCHAIN_MISSING_SECRET"`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	contents := `
discounts:
  - instance: referral-program
    config:
      refereeDiscountPercentage: 12.5
      refereeMinOrder: 30
customers:
  - id: cust-1
    name: Ada Lovelace
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Discounts, 1)
	require.Len(t, seed.Customers, 1)

	raw, err := seed.Discounts[0].ConfigJSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, 12.5, decoded["refereeDiscountPercentage"])
}

func TestLoadSeedRejectsMissingInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	contents := `
discounts:
  - config:
      refereeMinOrder: 10
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := LoadSeed(path)
	require.Error(t, err)
}
