package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime options for the settlement daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DataDir       string `toml:"DataDir"`
	QueuePath     string `toml:"QueuePath"`
	AuditPath     string `toml:"AuditPath"`
	LogFile       string `toml:"LogFile"`

	// Webhook signature secret, with env/file indirection so the literal
	// secret never has to live in the config file.
	WebhookSecret     string `toml:"WebhookSecret"`
	WebhookSecretEnv  string `toml:"WebhookSecretEnv"`
	WebhookSecretFile string `toml:"WebhookSecretFile"`

	// ReferralDiscountInstance names the discount instance whose stored
	// configuration supplies the referrer credit amount at settlement.
	ReferralDiscountInstance string `toml:"ReferralDiscountInstance"`

	// SeedFile optionally bootstraps discount-instance configurations into
	// the attribute store at startup.
	SeedFile string `toml:"SeedFile"`

	WorkerMaxAttempts     int `toml:"WorkerMaxAttempts"`
	WorkerBackoffSeconds  int `toml:"WorkerBackoffSeconds"`
	WorkerPollSeconds     int `toml:"WorkerPollSeconds"`
	WebhookRatePerMinute  int `toml:"WebhookRatePerMinute"`
	WebhookRateBurst      int `toml:"WebhookRateBurst"`
	RequestTimeoutSeconds int `toml:"RequestTimeoutSeconds"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.resolveSecret(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8091"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./daisychain-data"
	}
	if strings.TrimSpace(c.QueuePath) == "" {
		c.QueuePath = filepath.Join(c.DataDir, "settlement-queue.db")
	}
	if strings.TrimSpace(c.AuditPath) == "" {
		c.AuditPath = filepath.Join(c.DataDir, "settlement-audit.db")
	}
	if strings.TrimSpace(c.ReferralDiscountInstance) == "" {
		c.ReferralDiscountInstance = "referral-program"
	}
	if c.WorkerMaxAttempts <= 0 {
		c.WorkerMaxAttempts = 5
	}
	if c.WorkerBackoffSeconds <= 0 {
		c.WorkerBackoffSeconds = 5
	}
	if c.WorkerPollSeconds <= 0 {
		c.WorkerPollSeconds = 1
	}
	if c.WebhookRatePerMinute <= 0 {
		c.WebhookRatePerMinute = 120
	}
	if c.WebhookRateBurst <= 0 {
		c.WebhookRateBurst = 20
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 15
	}
}

func (c *Config) resolveSecret() error {
	c.WebhookSecret = strings.TrimSpace(c.WebhookSecret)
	c.WebhookSecretEnv = strings.TrimSpace(c.WebhookSecretEnv)
	c.WebhookSecretFile = strings.TrimSpace(c.WebhookSecretFile)
	if c.WebhookSecret != "" {
		return nil
	}
	switch {
	case c.WebhookSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(c.WebhookSecretEnv))
		if value == "" {
			return fmt.Errorf("WebhookSecretEnv %s is empty", c.WebhookSecretEnv)
		}
		c.WebhookSecret = value
	case c.WebhookSecretFile != "":
		contents, err := os.ReadFile(c.WebhookSecretFile)
		if err != nil {
			return fmt.Errorf("read WebhookSecretFile: %w", err)
		}
		c.WebhookSecret = strings.TrimSpace(string(contents))
	}
	return nil
}

// Validate checks the loaded configuration for unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir required")
	}
	if c.WorkerMaxAttempts < 1 {
		return fmt.Errorf("WorkerMaxAttempts must be at least 1")
	}
	return nil
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// WorkerBackoff returns the base retry backoff as a duration.
func (c *Config) WorkerBackoff() time.Duration {
	return time.Duration(c.WorkerBackoffSeconds) * time.Second
}

// WorkerPoll returns the queue polling interval as a duration.
func (c *Config) WorkerPoll() time.Duration {
	return time.Duration(c.WorkerPollSeconds) * time.Second
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
