// Package config loads node configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of a node. Zero values never reach the
// node; Load fills defaults first.
type Config struct {
	// RoundTimeout bounds vote collection for one round.
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
	// RevealWindow is how long reveals are accepted after commitments
	// reach quorum.
	RevealWindow time.Duration `mapstructure:"reveal_window"`
	// RevealGrace extends the reveal window before silent committers
	// are flagged.
	RevealGrace time.Duration `mapstructure:"reveal_grace"`
	// MaxParticipants caps the group size.
	MaxParticipants int `mapstructure:"max_participants"`
	// Strategy selects the randomness source: "commit-reveal" or "vrf".
	Strategy string `mapstructure:"strategy"`
	// SlashRounds is the exclusion window after a slash.
	SlashRounds uint64 `mapstructure:"slash_rounds"`
	// DisputeWindow is how many superseded snapshots stay reachable.
	DisputeWindow int `mapstructure:"dispute_window"`
	// VerifyCacheSize bounds the signature verification cache.
	VerifyCacheSize int `mapstructure:"verify_cache_size"`
	// StartingBalance is every player's genesis balance.
	StartingBalance int64 `mapstructure:"starting_balance"`
	// LedgerPath is the LevelDB directory; empty keeps the ledger in
	// memory.
	LedgerPath string `mapstructure:"ledger_path"`
	// Listen is the transport bind address.
	Listen string `mapstructure:"listen"`
	// Peers are the other nodes' addresses.
	Peers []string `mapstructure:"peers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("round_timeout", 30*time.Second)
	v.SetDefault("reveal_window", 10*time.Second)
	v.SetDefault("reveal_grace", 5*time.Second)
	v.SetDefault("max_participants", 64)
	v.SetDefault("strategy", "commit-reveal")
	v.SetDefault("slash_rounds", 16)
	v.SetDefault("dispute_window", 8)
	v.SetDefault("verify_cache_size", 10000)
	v.SetDefault("starting_balance", 1000)
	v.SetDefault("ledger_path", "")
	v.SetDefault("listen", "localhost:0")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and DICEMESH_* environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DICEMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate rejects configurations the node cannot run with.
func (c Config) Validate() error {
	if c.MaxParticipants < 1 || c.MaxParticipants > 64 {
		return fmt.Errorf("max_participants must be in [1,64], got %d", c.MaxParticipants)
	}
	if c.Strategy != "commit-reveal" && c.Strategy != "vrf" {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("round_timeout must be positive")
	}
	if c.RevealWindow <= 0 || c.RevealGrace < 0 {
		return fmt.Errorf("reveal window settings must be positive")
	}
	if c.DisputeWindow < 1 {
		return fmt.Errorf("dispute_window must be at least 1")
	}
	if c.VerifyCacheSize < 1 {
		return fmt.Errorf("verify_cache_size must be positive")
	}
	return nil
}
