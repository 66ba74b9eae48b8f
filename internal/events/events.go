// Package events defines the append-only event stream the convergence
// engine emits for observers. Events are typed envelopes written through a
// Sink; the GUI collaborator consumes the NDJSON form, tests consume the
// in-memory form.
package events

import "time"

// Stage groups events by the pipeline stage that produced them.
type Stage string

const (
	StageSearch     Stage = "search"
	StageFetch      Stage = "fetch"
	StageParse      Stage = "parse"
	StageIndex      Stage = "index"
	StageExtract    Stage = "extract"
	StageConsensus  Stage = "consensus"
	StageNeedSet    Stage = "needset"
	StageRound      Stage = "round"
	StageAutomation Stage = "automation"
)

// Event names for every structural transition observers rely on.
const (
	RunStarted            = "run_started"
	RunCompleted          = "run_completed"
	RoundStarted          = "convergence_round_started"
	RoundCompleted        = "convergence_round_completed"
	ConvergenceStop       = "convergence_stop"
	NeedSetComputed       = "needset_computed"
	SearchProfileBuilt    = "search_profile_built"
	SourceFetchStarted    = "source_fetch_started"
	SourceFetchSkipped    = "source_fetch_skipped"
	SourceFetchFailed     = "source_fetch_failed"
	SourceProcessed       = "source_processed"
	EvidenceIndexResult   = "evidence_index_result"
	PrimeSourcesBuilt     = "prime_sources_built"
	ExtractionBatchDone   = "extraction_batch_completed"
	IdentityLockState     = "identity_lock_state"
	RepairQueryEnqueued   = "repair_query_enqueued"
	URLCooldownApplied    = "url_cooldown_applied"
	BlockedDomainCooldown = "blocked_domain_cooldown_applied"
)

// Event is one record on the stream.
type Event struct {
	RunID   string                 `json:"run_id"`
	TS      time.Time              `json:"ts"`
	Stage   Stage                  `json:"stage"`
	Name    string                 `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Sink receives events in emission order. Implementations must be safe for
// concurrent use; ordering within a single producer is preserved.
type Sink interface {
	Emit(Event)
	Flush() error
}

// Nop is a sink that discards everything. Useful as a default.
type Nop struct{}

func (Nop) Emit(Event)   {}
func (Nop) Flush() error { return nil }
