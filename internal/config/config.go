// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and layered generation
// option resolution for loom.
//
// Generation options resolve through four layers, weakest first:
//
//	global default < model default < conversation override < per-call override
//
// Each layer only contributes the fields it explicitly sets; nil pointer
// fields mean "not set at this layer". The streaming core is agnostic to how
// a resolved configuration was produced; it only consumes the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBadEndpoint indicates a missing or non-HTTP endpoint URL.
	ErrBadEndpoint = errors.New("endpoint must be an http(s) URL")

	// ErrBadTemperature indicates a temperature outside [0, 2].
	ErrBadTemperature = errors.New("temperature must be within [0, 2]")

	// ErrBadEffort indicates an unknown reasoning effort level.
	ErrBadEffort = errors.New("reasoning effort must be low, medium, or high")
)

// =============================================================================
// TYPES
// =============================================================================

// Reasoning configures provider reasoning output for a request.
type Reasoning struct {
	// Effort is low, medium, or high. Empty means provider default.
	Effort string `toml:"effort" json:"effort,omitempty"`

	// MaxTokens caps reasoning tokens. Zero means provider default.
	MaxTokens int `toml:"max_tokens" json:"max_tokens,omitempty"`

	// Exclude asks the provider to suppress reasoning output. This flag is
	// what reasoning-visibility classification consults: "excluded" is only
	// reported when the request provably set it.
	Exclude *bool `toml:"exclude" json:"exclude,omitempty"`

	// Enabled toggles reasoning entirely.
	Enabled *bool `toml:"enabled" json:"enabled,omitempty"`
}

// Generation is one layer of generation options. Nil fields are unset.
type Generation struct {
	Temperature *float64   `toml:"temperature" json:"temperature,omitempty"`
	TopP        *float64   `toml:"top_p" json:"top_p,omitempty"`
	MaxTokens   *int       `toml:"max_tokens" json:"max_tokens,omitempty"`
	Reasoning   *Reasoning `toml:"reasoning" json:"reasoning,omitempty"`
	WebSearch   *bool      `toml:"web_search" json:"web_search,omitempty"`
}

// Config is the loom configuration file shape.
type Config struct {
	// Endpoint is the chat-completions base URL.
	Endpoint string `toml:"endpoint"`

	// APIKey authenticates against the provider. The LOOM_API_KEY
	// environment variable overrides it.
	APIKey string `toml:"api_key"`

	// DefaultModel is used when a conversation has not picked one.
	DefaultModel string `toml:"default_model"`

	// DataDir holds the snapshot database and logs.
	DataDir string `toml:"data_dir"`

	LogLevel string `toml:"log_level"`

	// IdleTimeoutSeconds bounds the wait for the next streamed delta before
	// a run is failed as stalled. Zero disables stall detection.
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`

	// Defaults is the global generation layer.
	Defaults Generation `toml:"defaults"`

	// Models holds per-model generation layers keyed by model id.
	Models map[string]Generation `toml:"models"`
}

// =============================================================================
// LOADING
// =============================================================================

// DefaultPath returns ~/.loom/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".loom", "config.toml"), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Endpoint:           "https://openrouter.ai/api/v1",
		DefaultModel:       "openrouter/auto",
		DataDir:            filepath.Join(home, ".loom"),
		LogLevel:           "info",
		IdleTimeoutSeconds: 90,
		Models:             map[string]Generation{},
	}
}

// Load reads the TOML file at path over the built-in defaults. A missing
// file is not an error: the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if key := os.Getenv("LOOM_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if cfg.Models == nil {
		cfg.Models = map[string]Generation{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return ErrBadEndpoint
	}

	layers := []Generation{c.Defaults}
	for name := range c.Models {
		layers = append(layers, c.Models[name])
	}
	for _, layer := range layers {
		if layer.Temperature != nil && (*layer.Temperature < 0 || *layer.Temperature > 2) {
			return ErrBadTemperature
		}
		if layer.Reasoning != nil {
			switch layer.Reasoning.Effort {
			case "", "low", "medium", "high":
			default:
				return ErrBadEffort
			}
		}
	}
	return nil
}

// IdleTimeout returns the stall bound as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolved is a fully-resolved generation configuration for one request.
type Resolved struct {
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Reasoning   *Reasoning
	WebSearch   bool
}

// ReasoningExcluded reports whether this request asks the provider to
// suppress reasoning output.
func (r *Resolved) ReasoningExcluded() bool {
	return r.Reasoning != nil && r.Reasoning.Exclude != nil && *r.Reasoning.Exclude
}

// Resolve merges the global default, the model default, and any further
// override layers (conversation, then per-call), weakest first. Later
// layers win field by field; unset fields fall through.
func (c *Config) Resolve(model string, overrides ...*Generation) Resolved {
	if model == "" {
		model = c.DefaultModel
	}

	merged := Generation{}
	merge(&merged, &c.Defaults)
	if modelLayer, ok := c.Models[model]; ok {
		merge(&merged, &modelLayer)
	}
	for _, layer := range overrides {
		merge(&merged, layer)
	}

	resolved := Resolved{
		Model:       model,
		Temperature: merged.Temperature,
		TopP:        merged.TopP,
		MaxTokens:   merged.MaxTokens,
		Reasoning:   merged.Reasoning,
	}
	if merged.WebSearch != nil {
		resolved.WebSearch = *merged.WebSearch
	}
	return resolved
}

// merge copies src's set fields over dst.
func merge(dst, src *Generation) {
	if src == nil {
		return
	}
	if src.Temperature != nil {
		dst.Temperature = src.Temperature
	}
	if src.TopP != nil {
		dst.TopP = src.TopP
	}
	if src.MaxTokens != nil {
		dst.MaxTokens = src.MaxTokens
	}
	if src.WebSearch != nil {
		dst.WebSearch = src.WebSearch
	}
	if src.Reasoning != nil {
		if dst.Reasoning == nil {
			dst.Reasoning = &Reasoning{}
		}
		if src.Reasoning.Effort != "" {
			dst.Reasoning.Effort = src.Reasoning.Effort
		}
		if src.Reasoning.MaxTokens != 0 {
			dst.Reasoning.MaxTokens = src.Reasoning.MaxTokens
		}
		if src.Reasoning.Exclude != nil {
			dst.Reasoning.Exclude = src.Reasoning.Exclude
		}
		if src.Reasoning.Enabled != nil {
			dst.Reasoning.Enabled = src.Reasoning.Enabled
		}
	}
}
