// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = ".munin/configs"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.json"
)

// Load reads configuration from ~/.munin/configs/config.json.
// Environment variables prefixed with MUNIN_ override file values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("MUNIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, fall through to defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromPath loads configuration from a specific path
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	// Storage defaults
	v.SetDefault("storage.root", filepath.Join(homeDir, ".munin", "stm"))
	v.SetDefault("storage.compaction_tombstone_ratio", 0.3)

	// Decay defaults
	v.SetDefault("decay.model", "power_law")
	v.SetDefault("decay.half_life_days", 3.0)
	v.SetDefault("decay.alpha", 1.1)
	v.SetDefault("decay.tc_lambda_fast", 1.603e-5)
	v.SetDefault("decay.tc_lambda_slow", 1.147e-6)
	v.SetDefault("decay.tc_weight_fast", 0.7)
	v.SetDefault("decay.beta", 0.6)
	v.SetDefault("decay.forget_threshold", 0.05)
	v.SetDefault("decay.promote_threshold", 0.65)
	v.SetDefault("decay.promote_use_count", 5)
	v.SetDefault("decay.promote_time_window_days", 14)
	v.SetDefault("decay.pinned_strength_floor", 1.8)

	// Review defaults
	v.SetDefault("review.touch_boost", 0.1)
	v.SetDefault("review.cross_domain_boost", 0.15)
	v.SetDefault("review.cross_domain_threshold", 0.3)
	v.SetDefault("review.blend_ratio", 0.3)
	v.SetDefault("review.danger_zone_low", 0.15)
	v.SetDefault("review.danger_zone_high", 0.35)
	v.SetDefault("review.recency_window_seconds", 3600)

	// Cluster defaults
	v.SetDefault("cluster.strategy", "hybrid")
	v.SetDefault("cluster.link_threshold", 0.83)
	v.SetDefault("cluster.max_size", 12)
	v.SetDefault("cluster.temporal_window_seconds", 3600)
	v.SetDefault("cluster.duplicate_threshold", 0.88)
	v.SetDefault("cluster.auto_merge_cohesion", 0.9)
	v.SetDefault("cluster.review_cohesion", 0.75)

	// Vault defaults
	v.SetDefault("vault.promotion_subdir", "stm-promoted")
	v.SetDefault("vault.watch", false)

	// Search defaults
	v.SetDefault("search.stm_weight", 1.0)
	v.SetDefault("search.ltm_weight", 0.8)

	// Embedding defaults
	v.SetDefault("embeddings.enabled", false)
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.api_key_env", "MUNIN_EMBEDDING_API_KEY")
	v.SetDefault("embeddings.timeout_seconds", 30)

	// Git defaults
	v.SetDefault("git.auto_commit", false)

	// Maintenance defaults: hourly
	v.SetDefault("maintenance.schedule", "@hourly")
	v.SetDefault("maintenance.archive_instead", false)

	// Security defaults
	v.SetDefault("security.redaction_guard", true)
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	switch cfg.Decay.Model {
	case "exponential", "power_law", "two_component":
	default:
		return fmt.Errorf("decay.model must be 'exponential', 'power_law' or 'two_component', got '%s'", cfg.Decay.Model)
	}

	if cfg.Decay.HalfLifeDays <= 0 {
		return fmt.Errorf("decay.half_life_days must be positive, got %g", cfg.Decay.HalfLifeDays)
	}
	if cfg.Decay.Alpha <= 0 {
		return fmt.Errorf("decay.alpha must be positive, got %g", cfg.Decay.Alpha)
	}
	if cfg.Decay.Beta < 0 || cfg.Decay.Beta > 2 {
		return fmt.Errorf("decay.beta must be in [0, 2], got %g", cfg.Decay.Beta)
	}
	if cfg.Decay.TCWeightFast < 0 || cfg.Decay.TCWeightFast > 1 {
		return fmt.Errorf("decay.tc_weight_fast must be in [0, 1], got %g", cfg.Decay.TCWeightFast)
	}
	if cfg.Decay.ForgetThreshold < 0 || cfg.Decay.ForgetThreshold >= cfg.Decay.PromoteThreshold {
		return fmt.Errorf("decay.forget_threshold must be in [0, promote_threshold)")
	}
	if cfg.Decay.PromoteUseCount < 1 {
		return fmt.Errorf("decay.promote_use_count must be at least 1, got %d", cfg.Decay.PromoteUseCount)
	}
	if cfg.Decay.PromoteWindow < 1 {
		return fmt.Errorf("decay.promote_time_window_days must be at least 1, got %d", cfg.Decay.PromoteWindow)
	}

	if cfg.Review.DangerZoneLow >= cfg.Review.DangerZoneHigh {
		return fmt.Errorf("review.danger_zone_low must be below danger_zone_high")
	}
	if cfg.Review.BlendRatio < 0 || cfg.Review.BlendRatio > 1 {
		return fmt.Errorf("review.blend_ratio must be in [0, 1], got %g", cfg.Review.BlendRatio)
	}
	if cfg.Review.CrossDomainThreshold < 0 || cfg.Review.CrossDomainThreshold > 1 {
		return fmt.Errorf("review.cross_domain_threshold must be in [0, 1], got %g", cfg.Review.CrossDomainThreshold)
	}

	switch cfg.Cluster.Strategy {
	case "similarity", "tag_overlap", "temporal", "hybrid":
	default:
		return fmt.Errorf("cluster.strategy must be 'similarity', 'tag_overlap', 'temporal' or 'hybrid', got '%s'", cfg.Cluster.Strategy)
	}
	if cfg.Cluster.LinkThreshold < 0 || cfg.Cluster.LinkThreshold > 1 {
		return fmt.Errorf("cluster.link_threshold must be in [0, 1], got %g", cfg.Cluster.LinkThreshold)
	}
	if cfg.Cluster.MaxClusterSize < 2 {
		return fmt.Errorf("cluster.max_size must be at least 2, got %d", cfg.Cluster.MaxClusterSize)
	}

	if cfg.Storage.CompactionTombstoneRatio <= 0 || cfg.Storage.CompactionTombstoneRatio >= 1 {
		return fmt.Errorf("storage.compaction_tombstone_ratio must be in (0, 1), got %g", cfg.Storage.CompactionTombstoneRatio)
	}

	if cfg.Embeddings.Enabled {
		if cfg.Embeddings.BaseURL == "" {
			return fmt.Errorf("embeddings.base_url is required when embeddings.enabled=true")
		}
		if cfg.Embeddings.Dimensions <= 0 {
			return fmt.Errorf("embeddings.dimensions must be positive when embeddings.enabled=true")
		}
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configPath, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults always unmarshal; a failure here is a programming error
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}
