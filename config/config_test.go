package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.RoundTimeout != 30*time.Second {
		t.Fatalf("round_timeout default %v", cfg.RoundTimeout)
	}
	if cfg.Strategy != "commit-reveal" {
		t.Fatalf("strategy default %q", cfg.Strategy)
	}
	if cfg.MaxParticipants != 64 || cfg.SlashRounds != 16 || cfg.DisputeWindow != 8 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LedgerPath != "" {
		t.Fatalf("ledger_path default %q, want in-memory", cfg.LedgerPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("round_timeout: 5s\nstrategy: vrf\nstarting_balance: 250\npeers:\n  - host-a:9000\n  - host-b:9000\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RoundTimeout != 5*time.Second {
		t.Fatalf("round_timeout %v, want 5s", cfg.RoundTimeout)
	}
	if cfg.Strategy != "vrf" {
		t.Fatalf("strategy %q, want vrf", cfg.Strategy)
	}
	if cfg.StartingBalance != 250 {
		t.Fatalf("starting_balance %d, want 250", cfg.StartingBalance)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0] != "host-a:9000" {
		t.Fatalf("peers %v", cfg.Peers)
	}
	// Untouched keys keep their defaults.
	if cfg.RevealWindow != 10*time.Second {
		t.Fatalf("reveal_window %v, want the default", cfg.RevealWindow)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DICEMESH_STRATEGY", "vrf")
	t.Setenv("DICEMESH_ROUND_TIMEOUT", "12s")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy != "vrf" {
		t.Fatalf("env strategy not applied: %q", cfg.Strategy)
	}
	if cfg.RoundTimeout != 12*time.Second {
		t.Fatalf("env round_timeout not applied: %v", cfg.RoundTimeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too many participants", func(c *Config) { c.MaxParticipants = 65 }},
		{"zero participants", func(c *Config) { c.MaxParticipants = 0 }},
		{"unknown strategy", func(c *Config) { c.Strategy = "coin-flip" }},
		{"zero round timeout", func(c *Config) { c.RoundTimeout = 0 }},
		{"zero reveal window", func(c *Config) { c.RevealWindow = 0 }},
		{"zero dispute window", func(c *Config) { c.DisputeWindow = 0 }},
		{"zero verify cache", func(c *Config) { c.VerifyCacheSize = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: validation passed", tc.name)
		}
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
