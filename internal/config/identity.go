package config

// IdentityConfig holds the identity gate thresholds.
type IdentityConfig struct {
	LockedThreshold      float64 `yaml:"locked_threshold"`
	ProvisionalThreshold float64 `yaml:"provisional_threshold"`

	// Field-scoped snippet overlap required for target_match_passed
	SnippetOverlapThreshold float64 `yaml:"snippet_overlap_threshold"`

	// Relaxed contradiction tolerances
	ComponentOverlapMin float64 `yaml:"component_overlap_min"` // sensor/component token overlap
	DimensionToleranceM float64 `yaml:"dimension_tolerance_mm"`

	// family_model_count boundaries for ambiguity grading
	AmbiguityMediumAt int `yaml:"ambiguity_medium_at"`
	AmbiguityHardAt   int `yaml:"ambiguity_hard_at"`
	AmbiguitySevereAt int `yaml:"ambiguity_severe_at"`
}

// DefaultIdentityConfig returns the standard thresholds.
func DefaultIdentityConfig() IdentityConfig {
	return IdentityConfig{
		LockedThreshold:         0.95,
		ProvisionalThreshold:    0.70,
		SnippetOverlapThreshold: 0.50,
		ComponentOverlapMin:     0.60,
		DimensionToleranceM:     3.0,
		AmbiguityMediumAt:       3,
		AmbiguityHardAt:         5,
		AmbiguitySevereAt:       10,
	}
}

// ConsensusConfig holds the consensus engine knobs.
type ConsensusConfig struct {
	// Minimum winner-minus-runner-up score margin for acceptance
	MarginThreshold float64 `yaml:"margin_threshold"`

	// Method weights keyed "method" or "method@tierN"; unlisted methods
	// fall back to DefaultMethodWeight.
	MethodWeights       map[string]float64 `yaml:"method_weights"`
	DefaultMethodWeight float64            `yaml:"default_method_weight"`

	// Freshness decay applied to stored confidence
	FreshnessHalfLifeDays float64 `yaml:"freshness_half_life_days"`
	FreshnessFloor        float64 `yaml:"freshness_floor"`
}

// DefaultConsensusConfig returns spec defaults. html_spec_table on tier 1
// outweighs llm_extract everywhere; deterministic methods sit between.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		MarginThreshold: 0.15,
		MethodWeights: map[string]float64{
			"html_spec_table":          1.00,
			"embedded_json":            0.95,
			"structured_metadata":      0.90,
			"deterministic_normalizer": 0.90,
			"pdf_text":                 0.85,
			"article_text":             0.70,
			"adapter":                  0.80,
			"llm_extract":              0.60,
			"llm_extract@tier1":        0.75,
			"pdf_ocr":                  0.55,
			"image_ocr":                0.45,
		},
		DefaultMethodWeight:   0.50,
		FreshnessHalfLifeDays: 45,
		FreshnessFloor:        0.20,
	}
}

// MethodWeight resolves the weight for a method on a tier.
func (c ConsensusConfig) MethodWeight(method string, tier int) float64 {
	if w, ok := c.MethodWeights[method+"@tier"+itoa(tier)]; ok {
		return w
	}
	if w, ok := c.MethodWeights[method]; ok {
		return w
	}
	return c.DefaultMethodWeight
}

func itoa(n int) string {
	// tiers are 1..4; avoid strconv import for a four-way switch
	switch n {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	default:
		return "4"
	}
}
