package config

// LearningConfig gates and decays the cross-product learning stores.
type LearningConfig struct {
	// Commit gate: a field must be accepted with at least this confidence
	// before its evidence writes back to any learning store.
	CommitConfidence float64 `yaml:"commit_confidence"`

	// Decay windows in days
	LexiconActiveDays  int `yaml:"lexicon_active_days"`
	LexiconExpireDays  int `yaml:"lexicon_expire_days"`
	AnchorsActiveDays  int `yaml:"anchors_active_days"`
	URLMemoryDays      int `yaml:"url_memory_days"`
	YieldLowRatioBelow float64 `yaml:"yield_low_ratio_below"`
}

// DefaultLearningConfig returns the category-tuned defaults.
func DefaultLearningConfig() LearningConfig {
	return LearningConfig{
		CommitConfidence:   0.85,
		LexiconActiveDays:  90,
		LexiconExpireDays:  180,
		AnchorsActiveDays:  60,
		URLMemoryDays:      120,
		YieldLowRatioBelow: 0.10,
	}
}

// DiscoveryConfig holds the discovery planner knobs.
type DiscoveryConfig struct {
	// Alias generation cap
	MaxAliases int `yaml:"max_aliases"`

	// SERP triage: number of candidates selected per round
	SelectK int `yaml:"select_k"`

	// LLM expansion / rerank
	EnableLLMExpansion bool `yaml:"enable_llm_expansion"`
	EnableLLMRerank    bool `yaml:"enable_llm_rerank"`
	RerankTopN         int  `yaml:"rerank_top_n"`

	// Source strategy table (host -> tier/doc bias/fetch mode), hot-reloaded
	StrategyTablePath string `yaml:"strategy_table_path"`

	// SearxNG-compatible JSON search endpoint the search lane queries.
	// Empty disables SERP discovery; runs then rely on seed URLs and
	// remembered URLs.
	SearchEndpoint string `yaml:"search_endpoint"`

	// Domains never fetched (social noise plus safety-gate permanent blocks)
	BlockedDomains []string `yaml:"blocked_domains"`
}

// DefaultDiscoveryConfig returns sensible defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		MaxAliases:         12,
		SelectK:            10,
		EnableLLMExpansion: true,
		EnableLLMRerank:    false,
		RerankTopN:         20,
		StrategyTablePath:  "",
		BlockedDomains: []string{
			"facebook.com", "twitter.com", "instagram.com",
			"linkedin.com", "tiktok.com", // Social media noise
		},
	}
}

// LLMConfig configures the LLM clients.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai-compatible, gemini
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Serialize LLM calls to respect provider rate limits
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultLLMConfig returns provider defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:      "gemini",
		Model:         "gemini-2.0-flash",
		Timeout:       "120s",
		MaxConcurrent: 1,
	}
}
