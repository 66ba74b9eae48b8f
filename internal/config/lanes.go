package config

import (
	"fmt"
	"time"
)

// LaneConfig bounds one scheduler lane.
type LaneConfig struct {
	Workers     int `yaml:"workers"`
	QueueDepth  int `yaml:"queue_depth"`
	TokenBudget int `yaml:"token_budget"` // 0 = unbudgeted
}

// LanesConfig holds the per-lane concurrency knobs for the fetch scheduler.
type LanesConfig struct {
	Search LaneConfig `yaml:"search"`
	Fetch  LaneConfig `yaml:"fetch"`
	Parse  LaneConfig `yaml:"parse"`
	LLM    LaneConfig `yaml:"llm"`

	// Per-host pacing
	HostMinDelay    time.Duration `yaml:"host_min_delay"`
	HostInFlightCap int           `yaml:"host_in_flight_cap"`

	// Cooldown growth on blocked outcomes
	BlockedCooldownBase time.Duration `yaml:"blocked_cooldown_base"`
	BlockedCooldownMax  time.Duration `yaml:"blocked_cooldown_max"`

	// HTTP fetcher limits
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	UserAgent    string `yaml:"user_agent"`
}

// DefaultLanesConfig returns sensible defaults.
func DefaultLanesConfig() LanesConfig {
	return LanesConfig{
		Search: LaneConfig{Workers: 2, QueueDepth: 32},
		Fetch:  LaneConfig{Workers: 4, QueueDepth: 64},
		Parse:  LaneConfig{Workers: 2, QueueDepth: 64},
		LLM:    LaneConfig{Workers: 1, QueueDepth: 16, TokenBudget: 200000},

		HostMinDelay:    1500 * time.Millisecond,
		HostInFlightCap: 2,

		BlockedCooldownBase: 2 * time.Minute,
		BlockedCooldownMax:  6 * time.Hour,

		MaxBodyBytes: 500 * 1024, // 500KB limit per fetched body
		UserAgent:    "specHOUND/0.9 (spec harvesting agent)",
	}
}

// Validate checks lane sanity.
func (c LanesConfig) Validate() error {
	for name, lane := range map[string]LaneConfig{
		"search": c.Search, "fetch": c.Fetch, "parse": c.Parse, "llm": c.LLM,
	} {
		if lane.Workers < 1 {
			return fmt.Errorf("lane %s: workers must be >= 1", name)
		}
		if lane.QueueDepth < 1 {
			return fmt.Errorf("lane %s: queue_depth must be >= 1", name)
		}
	}
	if c.HostInFlightCap < 1 {
		return fmt.Errorf("host_in_flight_cap must be >= 1")
	}
	return nil
}
