// Package config assembles the immutable run settings for specHOUND.
// A Config is built once per run from defaults, an optional YAML file, and
// SPECHOUND_* environment overrides; components receive values from it and
// never reach back into the loader.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all specHOUND configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root; run artifacts land under <workspace>/.spechound/runs/
	Workspace string `yaml:"workspace"`

	// SQLite database path
	DatabasePath string `yaml:"database_path"`

	// Convergence loop knobs
	Convergence ConvergenceConfig `yaml:"convergence"`

	// Fetch scheduler lanes
	Lanes LanesConfig `yaml:"lanes"`

	// Identity gate thresholds
	Identity IdentityConfig `yaml:"identity"`

	// Consensus scoring
	Consensus ConsensusConfig `yaml:"consensus"`

	// Learning store gates and decay windows
	Learning LearningConfig `yaml:"learning"`

	// Discovery planner
	Discovery DiscoveryConfig `yaml:"discovery"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	DebugMode  bool   `yaml:"debug_mode"`
	JSONFormat bool   `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:         "specHOUND",
		Version:      "0.9.0",
		Workspace:    ".",
		DatabasePath: "data/spechound.db",
		Convergence:  DefaultConvergenceConfig(),
		Lanes:        DefaultLanesConfig(),
		Identity:     DefaultIdentityConfig(),
		Consensus:    DefaultConsensusConfig(),
		Learning:     DefaultLearningConfig(),
		Discovery:    DefaultDiscoveryConfig(),
		LLM:          DefaultLLMConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path, layered over defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets operators flip the common knobs without editing YAML.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPECHOUND_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("SPECHOUND_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("SPECHOUND_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("SPECHOUND_LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SPECHOUND_SEARCH_URL"); v != "" {
		c.Discovery.SearchEndpoint = v
	}
	if v := os.Getenv("SPECHOUND_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Convergence.MaxRounds = n
		}
	}
	if v := os.Getenv("SPECHOUND_URL_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Convergence.PerRunURLCap = n
		}
	}
	if v := os.Getenv("SPECHOUND_TOKEN_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Convergence.PerRunTokenCap = n
		}
	}
	if v := os.Getenv("SPECHOUND_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// Validate checks cross-knob sanity.
func (c *Config) Validate() error {
	if c.Convergence.MaxRounds < 1 {
		return fmt.Errorf("convergence.max_rounds must be >= 1")
	}
	if c.Convergence.PerRunURLCap < 1 {
		return fmt.Errorf("convergence.per_run_url_cap must be >= 1")
	}
	if err := c.Lanes.Validate(); err != nil {
		return err
	}
	if c.Identity.LockedThreshold <= c.Identity.ProvisionalThreshold {
		return fmt.Errorf("identity.locked_threshold must exceed provisional_threshold")
	}
	return nil
}
