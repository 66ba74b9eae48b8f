package types

import "time"

// FieldStatus is the lifecycle state of a field within a run.
type FieldStatus string

const (
	FieldUnknown   FieldStatus = "unknown"
	FieldCandidate FieldStatus = "candidate"
	FieldAccepted  FieldStatus = "accepted"
	FieldConflict  FieldStatus = "conflict"
	FieldInvalid   FieldStatus = "invalid"
)

// AcceptanceGrade distinguishes publishable acceptance from stored-only.
type AcceptanceGrade string

const (
	AcceptFull        AcceptanceGrade = "full"        // publishable
	AcceptProvisional AcceptanceGrade = "provisional" // stored, not published
	AcceptAbort       AcceptanceGrade = "abort"       // unknown with reason
)

// FieldState is the per-product per-round state of one field.
// Owned by the consensus engine; read by NeedSet and the round controller.
type FieldState struct {
	FieldKey         string          `json:"field_key"`
	Status           FieldStatus     `json:"status"`
	Value            string          `json:"value,omitempty"`
	Confidence       float64         `json:"confidence"`
	Grade            AcceptanceGrade `json:"grade,omitempty"`
	Refs             []string        `json:"refs,omitempty"` // snippet IDs
	RefSources       []string        `json:"ref_sources,omitempty"`
	BestTierSeen     SourceTier      `json:"best_tier_seen,omitempty"`
	DistinctSources  int             `json:"refs_from_distinct_sources"`
	UnknownReason    UnknownReason   `json:"unknown_reason,omitempty"`
	AcceptedAt       time.Time       `json:"accepted_at,omitempty"`
	ConfidenceCapped bool            `json:"confidence_capped,omitempty"`
}

// NeedReason tags why a field still appears in the NeedSet.
type NeedReason string

const (
	ReasonMissing           NeedReason = "missing"
	ReasonLowConf           NeedReason = "low_conf"
	ReasonTierDeficit       NeedReason = "tier_deficit"
	ReasonMinRefsFail       NeedReason = "min_refs_fail"
	ReasonConflict          NeedReason = "conflict"
	ReasonIdentityUnlocked  NeedReason = "identity_unlocked"
	ReasonBlockedByIdentity NeedReason = "blocked_by_identity"
	ReasonPublishGateBlock  NeedReason = "publish_gate_block"
)

// NeedRow is one per-field deficit, recomputed every round.
type NeedRow struct {
	FieldKey            string       `json:"field_key"`
	NeedScore           float64      `json:"need_score"`
	Reasons             []NeedReason `json:"reasons"`
	BlockedBy           string       `json:"blocked_by,omitempty"`
	EffectiveConfidence float64      `json:"effective_confidence"`
	ConfidenceCapped    bool         `json:"confidence_capped,omitempty"`
}

// AmbiguityLevel grades how confusable the target identity is within its
// product family (driven by family_model_count).
type AmbiguityLevel string

const (
	AmbiguityEasy   AmbiguityLevel = "easy"
	AmbiguityMedium AmbiguityLevel = "medium"
	AmbiguityHard   AmbiguityLevel = "hard"
	AmbiguitySevere AmbiguityLevel = "severe"
)

// IdentityLockState is the per-product per-round identity gate state.
type IdentityLockState struct {
	Status             IdentityMatchLevel `json:"status"`
	Certainty          float64            `json:"certainty"`
	Ambiguity          AmbiguityLevel     `json:"ambiguity_level"`
	FamilyModelCount   int                `json:"family_model_count"`
	PublishGateOpen    bool               `json:"publish_gate_open"`
	ExtractionGateOpen bool               `json:"extraction_gate_open"`
}

// BlocksAcceptance reports whether identity-critical fields must stay
// unaccepted under this state.
func (s IdentityLockState) BlocksAcceptance() bool {
	return s.Status == IdentityConflict || s.Status == IdentityUnlocked || s.Status == IdentityFailed
}
