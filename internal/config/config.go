// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// rigroute.
//
// Configuration is TOML with sensible defaults, RIGROUTE_* environment
// variable overrides, and validation. File location precedence:
//   - path passed explicitly (RIGROUTE_CONFIG or --config)
//   - ~/.rigroute/config.toml
//   - built-in defaults
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigroute configuration.
type Config struct {
	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `toml:"log_level"`

	Retrieval RetrievalConfig `toml:"retrieval"`
	Routing   RoutingConfig   `toml:"routing"`
	Privacy   PrivacyConfig   `toml:"privacy"`
	Providers ProvidersConfig `toml:"providers"`
	Admission AdmissionConfig `toml:"admission"`
	Optimizer OptimizerConfig `toml:"optimizer"`
	Cache     CacheConfig     `toml:"cache"`
	Storage   StorageConfig   `toml:"storage"`
}

// RetrievalConfig tunes memory retrieval.
type RetrievalConfig struct {
	// MaxResultsPerTier caps how many items each tier may contribute.
	MaxResultsPerTier int `toml:"max_results_per_tier"`
	// MaxTotalResults caps the assembled context size.
	MaxTotalResults int `toml:"max_total_results"`
	// RecencyWeight and RelevanceWeight combine the two ranking signals.
	RecencyWeight   float64 `toml:"recency_weight"`
	RelevanceWeight float64 `toml:"relevance_weight"`
	// SemanticThreshold discards items scoring below it (0.0-1.0).
	SemanticThreshold float64 `toml:"semantic_threshold"`
	// RecencyHalfLifeHours is the recency decay half-life in hours.
	RecencyHalfLifeHours float64 `toml:"recency_half_life_hours"`
	// DeadlineMs bounds one retrieval pass in milliseconds.
	DeadlineMs int `toml:"deadline_ms"`
	// EmbeddingModel names an Ollama embedding model for semantic scoring
	// and nearest-neighbor candidate pre-selection. Empty keeps retrieval
	// lexical-only.
	EmbeddingModel string `toml:"embedding_model"`
	// EmbeddingDims is the embedding model's output dimensionality.
	EmbeddingDims int `toml:"embedding_dims"`
}

// RoutingConfig tunes provider scoring.
type RoutingConfig struct {
	// Sub-score weights (0.0-1.0 each; they need not sum to 1).
	PrivacyWeight      float64 `toml:"privacy_weight"`
	ContentWeight      float64 `toml:"content_weight"`
	PerformanceWeight  float64 `toml:"performance_weight"`
	AvailabilityWeight float64 `toml:"availability_weight"`
	// InvocationTimeoutMs bounds a single provider invocation.
	InvocationTimeoutMs int `toml:"invocation_timeout_ms"`
}

// PrivacyConfig tunes classification confidence.
type PrivacyConfig struct {
	// BaseConfidence is the floor confidence for any detector hit.
	BaseConfidence float64 `toml:"base_confidence"`
	// PerIndicator is the confidence added per matched indicator.
	PerIndicator float64 `toml:"per_indicator"`
	// PerAgreeingDetector is the confidence added per extra detector that
	// agrees on the level.
	PerAgreeingDetector float64 `toml:"per_agreeing_detector"`
}

// ProvidersConfig wires the concrete backends.
type ProvidersConfig struct {
	Ollama     OllamaConfig     `toml:"ollama"`
	OpenRouter OpenRouterConfig `toml:"openrouter"`
}

// OllamaConfig contains local Ollama settings.
type OllamaConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Model   string `toml:"model"`
	// MaxConcurrent is the starting admission ceiling.
	MaxConcurrent int `toml:"max_concurrent"`
}

// OpenRouterConfig contains cloud OpenRouter settings.
type OpenRouterConfig struct {
	Enabled bool `toml:"enabled"`
	// APIKey is the OpenRouter API key. Prefer RIGROUTE_OPENROUTER_KEY
	// over storing it in the file.
	APIKey        string `toml:"api_key"`
	BaseURL       string `toml:"base_url"`
	Model         string `toml:"model"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// AdmissionConfig bounds the per-provider concurrency ceilings.
type AdmissionConfig struct {
	MinCeiling int `toml:"min_ceiling"`
	MaxCeiling int `toml:"max_ceiling"`
}

// OptimizerConfig tunes the adaptive feedback loop.
type OptimizerConfig struct {
	Enabled    bool `toml:"enabled"`
	IntervalMs int  `toml:"interval_ms"`
	MinSamples int  `toml:"min_samples"`
	// BonusStep and MaxBonus bound routing-bonus movement.
	BonusStep float64 `toml:"bonus_step"`
	MaxBonus  float64 `toml:"max_bonus"`
	// LowSuccess / HighSuccess are the demotion and recovery thresholds.
	LowSuccess  float64 `toml:"low_success"`
	HighSuccess float64 `toml:"high_success"`
	// HighLatencyMs demotes a provider whose mean latency exceeds it;
	// zero disables the check.
	HighLatencyMs int `toml:"high_latency_ms"`
	// WaitThresholdMs is the queue wait that triggers a ceiling raise.
	WaitThresholdMs int `toml:"wait_threshold_ms"`
}

// CacheConfig tunes the retrieval and response caches.
type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	// RetrievalTTLSecs is the memory-retrieval cache TTL in seconds.
	RetrievalTTLSecs int `toml:"retrieval_ttl_secs"`
	// ResponseTTLSecs is the response cache TTL in seconds.
	ResponseTTLSecs int `toml:"response_ttl_secs"`
}

// StorageConfig locates the memory database.
type StorageConfig struct {
	// Path is the SQLite database path; empty means in-memory only.
	Path string `toml:"path"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",

		Retrieval: RetrievalConfig{
			MaxResultsPerTier:    10,
			MaxTotalResults:      20,
			RecencyWeight:        0.3,
			RelevanceWeight:      0.7,
			SemanticThreshold:    0.15,
			RecencyHalfLifeHours: 6,
			DeadlineMs:           5000,
			EmbeddingModel:       "",
			EmbeddingDims:        768,
		},

		Routing: RoutingConfig{
			PrivacyWeight:       0.25,
			ContentWeight:       0.25,
			PerformanceWeight:   0.25,
			AvailabilityWeight:  0.25,
			InvocationTimeoutMs: 120000,
		},

		Privacy: PrivacyConfig{
			BaseConfidence:      0.4,
			PerIndicator:        0.15,
			PerAgreeingDetector: 0.2,
		},

		Providers: ProvidersConfig{
			Ollama: OllamaConfig{
				Enabled:       true,
				URL:           "http://127.0.0.1:11434",
				Model:         "qwen2.5:7b",
				MaxConcurrent: 2,
			},
			OpenRouter: OpenRouterConfig{
				Enabled:       true,
				BaseURL:       "https://openrouter.ai/api/v1",
				Model:         "anthropic/claude-3.5-sonnet",
				MaxConcurrent: 8,
			},
		},

		Admission: AdmissionConfig{
			MinCeiling: 1,
			MaxCeiling: 16,
		},

		Optimizer: OptimizerConfig{
			Enabled:         true,
			IntervalMs:      30000,
			MinSamples:      10,
			BonusStep:       0.1,
			MaxBonus:        0.5,
			LowSuccess:      0.8,
			HighSuccess:     0.95,
			HighLatencyMs:   10000,
			WaitThresholdMs: 2000,
		},

		Cache: CacheConfig{
			Enabled:          true,
			RetrievalTTLSecs: 30,
			ResponseTTLSecs:  300,
		},

		Storage: StorageConfig{
			Path: "", // in-memory unless configured
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// Dir returns the rigroute configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigroute"), nil
}

// DefaultPath returns the path to the TOML config file.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions checks and fixes permissions on the config file.
// SECURITY: config files should be 0600 to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load reads configuration with full precedence: the default file if it
// exists, then environment overrides, then validation. A missing file is
// not an error.
func Load() (*Config, error) {
	if path := os.Getenv("RIGROUTE_CONFIG"); path != "" {
		return LoadFromPath(path)
	}

	cfg := Default()
	path, err := DefaultPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := decodeTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := decodeTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func decodeTOML(cfg *Config, path string) error {
	// SECURITY: check and fix file permissions if needed.
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies RIGROUTE_* environment variables on top of the
// loaded values. Secrets should come from here, not the file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RIGROUTE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RIGROUTE_OPENROUTER_KEY"); v != "" {
		c.Providers.OpenRouter.APIKey = v
	}
	if v := os.Getenv("RIGROUTE_OPENROUTER_MODEL"); v != "" {
		c.Providers.OpenRouter.Model = v
	}
	if v := os.Getenv("RIGROUTE_OLLAMA_URL"); v != "" {
		c.Providers.Ollama.URL = v
	}
	if v := os.Getenv("RIGROUTE_OLLAMA_MODEL"); v != "" {
		c.Providers.Ollama.Model = v
	}
	if v := os.Getenv("RIGROUTE_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("RIGROUTE_OPTIMIZER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Optimizer.Enabled = b
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func validFraction(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %v", name, v)
	}
	return nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	r := c.Retrieval
	if r.MaxResultsPerTier <= 0 {
		return fmt.Errorf("retrieval.max_results_per_tier must be positive, got %d", r.MaxResultsPerTier)
	}
	if r.MaxTotalResults <= 0 {
		return fmt.Errorf("retrieval.max_total_results must be positive, got %d", r.MaxTotalResults)
	}
	for name, v := range map[string]float64{
		"retrieval.recency_weight":     r.RecencyWeight,
		"retrieval.relevance_weight":   r.RelevanceWeight,
		"retrieval.semantic_threshold": r.SemanticThreshold,
	} {
		if err := validFraction(name, v); err != nil {
			return err
		}
	}
	if r.RecencyHalfLifeHours <= 0 {
		return fmt.Errorf("retrieval.recency_half_life_hours must be positive, got %v", r.RecencyHalfLifeHours)
	}
	if r.EmbeddingModel != "" && r.EmbeddingDims <= 0 {
		return fmt.Errorf("retrieval.embedding_dims must be positive when embedding_model is set, got %d", r.EmbeddingDims)
	}

	for name, v := range map[string]float64{
		"routing.privacy_weight":      c.Routing.PrivacyWeight,
		"routing.content_weight":      c.Routing.ContentWeight,
		"routing.performance_weight":  c.Routing.PerformanceWeight,
		"routing.availability_weight": c.Routing.AvailabilityWeight,
		"privacy.base_confidence":     c.Privacy.BaseConfidence,
		"optimizer.low_success":       c.Optimizer.LowSuccess,
		"optimizer.high_success":      c.Optimizer.HighSuccess,
	} {
		if err := validFraction(name, v); err != nil {
			return err
		}
	}
	if c.Optimizer.LowSuccess > c.Optimizer.HighSuccess {
		return fmt.Errorf("optimizer.low_success (%v) must not exceed optimizer.high_success (%v)",
			c.Optimizer.LowSuccess, c.Optimizer.HighSuccess)
	}

	if c.Admission.MinCeiling < 1 {
		return fmt.Errorf("admission.min_ceiling must be at least 1, got %d", c.Admission.MinCeiling)
	}
	if c.Admission.MaxCeiling < c.Admission.MinCeiling {
		return fmt.Errorf("admission.max_ceiling (%d) must be at least min_ceiling (%d)",
			c.Admission.MaxCeiling, c.Admission.MinCeiling)
	}

	if c.Providers.Ollama.Enabled {
		if _, err := url.ParseRequestURI(c.Providers.Ollama.URL); err != nil {
			return fmt.Errorf("providers.ollama.url is not a valid URL: %w", err)
		}
	}
	if c.Providers.OpenRouter.Enabled {
		if _, err := url.ParseRequestURI(c.Providers.OpenRouter.BaseURL); err != nil {
			return fmt.Errorf("providers.openrouter.base_url is not a valid URL: %w", err)
		}
	}
	if !c.Providers.Ollama.Enabled && !c.Providers.OpenRouter.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}

	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := DefaultPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file.
// SECURITY: creates the file 0600 (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// RetrievalDeadline returns the retrieval deadline as a duration.
func (c *Config) RetrievalDeadline() time.Duration {
	return time.Duration(c.Retrieval.DeadlineMs) * time.Millisecond
}

// RecencyHalfLife returns the recency half-life as a duration.
func (c *Config) RecencyHalfLife() time.Duration {
	return time.Duration(c.Retrieval.RecencyHalfLifeHours * float64(time.Hour))
}

// InvocationTimeout returns the per-invocation timeout as a duration.
func (c *Config) InvocationTimeout() time.Duration {
	return time.Duration(c.Routing.InvocationTimeoutMs) * time.Millisecond
}

// OptimizerInterval returns the optimizer cycle period as a duration.
func (c *Config) OptimizerInterval() time.Duration {
	return time.Duration(c.Optimizer.IntervalMs) * time.Millisecond
}
