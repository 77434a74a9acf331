package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "mongodb" {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Payments.Currency != "XAF" || !cfg.Payments.RequireRegisteredPayer || !cfg.Payments.VerifyUnconfirmedWebhooks ||
		cfg.Payments.MinorUnits != 0 || cfg.Payments.MaxAmount != 5_000_000 {
		t.Errorf("Payments = %+v", cfg.Payments)
	}
	if cfg.Sweep.Interval != time.Minute || cfg.Sweep.StaleAfter != 5*time.Minute || cfg.Sweep.ExpireAfter != 24*time.Hour {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if cfg.Gateway.Timeout != 15*time.Second || !cfg.Gateway.MockAPI {
		t.Errorf("Gateway = %+v", cfg.Gateway)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
store:
  driver: memory
gateway:
  mockapi: false
  appid: app-1
  appkey: key-1
  timeout: 5s
sweep:
  staleafter: 2m
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GATEWAY_APPKEY", "from-env")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q", cfg.Store.Driver)
	}
	if cfg.Gateway.AppID != "app-1" || cfg.Gateway.AppKey != "from-env" {
		t.Errorf("Gateway credentials = %q/%q", cfg.Gateway.AppID, cfg.Gateway.AppKey)
	}
	if cfg.Gateway.Timeout != 5*time.Second || cfg.Sweep.StaleAfter != 2*time.Minute {
		t.Errorf("durations = %v / %v", cfg.Gateway.Timeout, cfg.Sweep.StaleAfter)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Store:    StoreConfig{Driver: "memory"},
			Gateway:  GatewayConfig{MockAPI: true},
			Payments: PaymentsConfig{Currency: "XAF"},
		}
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	cases := map[string]func(*Config){
		"store driver":   func(c *Config) { c.Store.Driver = "sqlite" },
		"events driver":  func(c *Config) { c.Events.Driver = "rabbit" },
		"postgres url":   func(c *Config) { c.Store.Driver = "postgres" },
		"gateway creds":  func(c *Config) { c.Gateway.MockAPI = false },
		"empty currency": func(c *Config) { c.Payments.Currency = "" },
		"minor units":    func(c *Config) { c.Payments.MinorUnits = 3 },
		"max amount":     func(c *Config) { c.Payments.MaxAmount = -1 },
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
