// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

// Config represents the complete engine configuration
type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Decay       DecayConfig       `mapstructure:"decay"`
	Review      ReviewConfig      `mapstructure:"review"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Search      SearchConfig      `mapstructure:"search"`
	Embeddings  EmbeddingConfig   `mapstructure:"embeddings"`
	Git         GitConfig         `mapstructure:"git"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Security    SecurityConfig    `mapstructure:"security"`
}

// StorageConfig holds JSONL store settings
type StorageConfig struct {
	Root                     string  `mapstructure:"root"`
	CompactionTombstoneRatio float64 `mapstructure:"compaction_tombstone_ratio"`
}

// DecayConfig holds the decay model and its parameters
type DecayConfig struct {
	Model            string  `mapstructure:"model"` // "exponential", "power_law" or "two_component"
	HalfLifeDays     float64 `mapstructure:"half_life_days"`
	Alpha            float64 `mapstructure:"alpha"`
	TCLambdaFast     float64 `mapstructure:"tc_lambda_fast"`
	TCLambdaSlow     float64 `mapstructure:"tc_lambda_slow"`
	TCWeightFast     float64 `mapstructure:"tc_weight_fast"`
	Beta             float64 `mapstructure:"beta"`
	ForgetThreshold  float64 `mapstructure:"forget_threshold"`
	PromoteThreshold float64 `mapstructure:"promote_threshold"`
	PromoteUseCount  int     `mapstructure:"promote_use_count"`
	PromoteWindow    int     `mapstructure:"promote_time_window_days"`
	PinnedFloor      float64 `mapstructure:"pinned_strength_floor"`
}

// ReviewConfig holds reinforcement and review settings
type ReviewConfig struct {
	TouchBoost           float64 `mapstructure:"touch_boost"`
	CrossDomainBoost     float64 `mapstructure:"cross_domain_boost"`
	CrossDomainThreshold float64 `mapstructure:"cross_domain_threshold"`
	BlendRatio           float64 `mapstructure:"blend_ratio"`
	DangerZoneLow        float64 `mapstructure:"danger_zone_low"`
	DangerZoneHigh       float64 `mapstructure:"danger_zone_high"`
	RecencyWindow        int     `mapstructure:"recency_window_seconds"`
}

// ClusterConfig holds clustering settings
type ClusterConfig struct {
	Strategy       string  `mapstructure:"strategy"` // "similarity", "tag_overlap", "temporal" or "hybrid"
	LinkThreshold  float64 `mapstructure:"link_threshold"`
	MaxClusterSize int     `mapstructure:"max_size"`
	TemporalWindow int     `mapstructure:"temporal_window_seconds"`
	DuplicateHi    float64 `mapstructure:"duplicate_threshold"`
	AutoMergeMin   float64 `mapstructure:"auto_merge_cohesion"`
	ReviewMin      float64 `mapstructure:"review_cohesion"`
}

// VaultConfig holds long-term vault settings
type VaultConfig struct {
	Path            string `mapstructure:"path"`
	PromotionSubdir string `mapstructure:"promotion_subdir"`
	Watch           bool   `mapstructure:"watch"`
}

// SearchConfig holds unified search weights
type SearchConfig struct {
	STMWeight float64 `mapstructure:"stm_weight"`
	LTMWeight float64 `mapstructure:"ltm_weight"`
}

// EmbeddingConfig holds configuration for the optional embedding capability
type EmbeddingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	APIKeyEnv  string `mapstructure:"api_key_env"`
	Dimensions int    `mapstructure:"dimensions"`
	CachePath  string `mapstructure:"cache_path"`
	TimeoutSec int    `mapstructure:"timeout_seconds"`
}

// GitConfig holds the storage snapshot side-channel settings
type GitConfig struct {
	AutoCommit bool `mapstructure:"auto_commit"`
}

// MaintenanceConfig holds scheduled background work settings
type MaintenanceConfig struct {
	Schedule       string `mapstructure:"schedule"` // cron expression
	ArchiveInstead bool   `mapstructure:"archive_instead"`
}

// SecurityConfig holds pre-write content guards
type SecurityConfig struct {
	RedactionGuard bool `mapstructure:"redaction_guard"`
}
