package config

import "time"

// RunProfile scales external-call timeouts.
type RunProfile string

const (
	ProfileFast     RunProfile = "fast"
	ProfileStandard RunProfile = "standard"
	ProfileThorough RunProfile = "thorough"
)

// ConvergenceConfig holds the round controller knobs.
type ConvergenceConfig struct {
	MaxRounds      int        `yaml:"max_rounds"`
	PerRunURLCap   int        `yaml:"per_run_url_cap"`
	PerRunTokenCap int        `yaml:"per_run_token_cap"`
	Profile        RunProfile `yaml:"profile"`

	// no_progress: confidence delta below epsilon AND zero accepted fields
	// for this many consecutive rounds
	NoProgressEpsilon float64 `yaml:"no_progress_epsilon"`
	NoProgressRounds  int     `yaml:"no_progress_rounds"`

	// repeated_low_quality streak
	LowQualityConfidence float64 `yaml:"low_quality_confidence"`
	LowQualityRounds     int     `yaml:"low_quality_rounds"`

	// identity_gate_stuck streak (fast fail)
	IdentityFastFailRounds int `yaml:"identity_fast_fail_rounds"`

	// Bounded retry for a crashed extractor batch within a round
	ExtractorRetries int `yaml:"extractor_retries"`

	// Heartbeat interval for partial-summary persistence during long runs
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConvergenceConfig returns the standard defaults.
func DefaultConvergenceConfig() ConvergenceConfig {
	return ConvergenceConfig{
		MaxRounds:              4,
		PerRunURLCap:           120,
		PerRunTokenCap:         400000,
		Profile:                ProfileStandard,
		NoProgressEpsilon:      0.01,
		NoProgressRounds:       3,
		LowQualityConfidence:   0.35,
		LowQualityRounds:       3,
		IdentityFastFailRounds: 1,
		ExtractorRetries:       1,
		HeartbeatInterval:      30 * time.Second,
	}
}

// FetchTimeout derives the per-fetch timeout from the profile.
func (c ConvergenceConfig) FetchTimeout() time.Duration {
	switch c.Profile {
	case ProfileFast:
		return 10 * time.Second
	case ProfileThorough:
		return 60 * time.Second
	default:
		return 25 * time.Second
	}
}

// LLMTimeout derives the per-LLM-call timeout from the profile.
func (c ConvergenceConfig) LLMTimeout() time.Duration {
	switch c.Profile {
	case ProfileFast:
		return 30 * time.Second
	case ProfileThorough:
		return 180 * time.Second
	default:
		return 90 * time.Second
	}
}
