package types

import (
	"context"
	"time"
)

// StopReason terminates a convergence run.
type StopReason string

const (
	StopComplete            StopReason = "complete"
	StopMaxRounds           StopReason = "max_rounds_reached"
	StopBudgetExhausted     StopReason = "budget_exhausted"
	StopNoProgress          StopReason = "no_progress"
	StopRepeatedLowQuality  StopReason = "repeated_low_quality"
	StopIdentityGateStuck   StopReason = "identity_gate_stuck"
	StopEscalationExhausted StopReason = "escalation_exhausted"
	StopCancelled           StopReason = "cancelled"
	StopFatalError          StopReason = "fatal_error"
)

// RoundProgress is the per-round delta used by stop conditions.
type RoundProgress struct {
	Round                  int     `json:"round"`
	FieldsAcceptedDelta    int     `json:"fields_accepted_delta"`
	ConfidenceDelta        float64 `json:"confidence_delta"`
	NeedSetSize            int     `json:"needset_size"`
	SourcesIdentityMatched int     `json:"sources_identity_matched"`
	AllTimeQueriesAdded    int     `json:"all_time_queries_added"`
	MeanConfidence         float64 `json:"mean_confidence"`
	URLsFetched            int     `json:"urls_fetched"`
	LLMTokensUsed          int     `json:"llm_tokens_used"`
}

// RunSummary is the terminal artifact of one product run.
type RunSummary struct {
	RunID          string                `json:"run_id"`
	ProductID      string                `json:"product_id"`
	Category       string                `json:"category"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at"`
	Rounds         int                   `json:"rounds"`
	StopReason     StopReason            `json:"stop_reason"`
	Publishable    bool                  `json:"publishable"`
	Fields         map[string]FieldState `json:"fields"`
	Identity       IdentityLockState     `json:"identity"`
	RoundHistory   []RoundProgress       `json:"round_history"`
	TotalFetched   int                   `json:"total_urls_fetched"`
	TotalLLMTokens int                   `json:"total_llm_tokens"`
}

// ProductJob is the intake record from the batch orchestrator.
type ProductJob struct {
	Target   ProductTarget `json:"target" yaml:"target"`
	Category string        `json:"category" yaml:"category"`
}

// LLMClient is the minimal LLM surface the planner and extractors consume.
// Implemented in internal/llm.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TokenCounter reports cumulative LLM token usage for budget enforcement.
type TokenCounter interface {
	TokensUsed() int
}
