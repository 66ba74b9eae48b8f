// Package consensus scores extracted candidates into field values.
// Resolve is deterministic: fields process in key order, candidates in
// score-descending order with a stable snippet-id tie-break, so two
// runs over the same units produce identical states.
package consensus

import (
	"math"
	"sort"
	"strings"
	"time"

	"spechound/internal/config"
	"spechound/internal/identity"
	"spechound/internal/index"
	"spechound/internal/logging"
	"spechound/internal/types"
)

// Engine aggregates evidence units per field.
type Engine struct {
	cfg config.ConsensusConfig
	now func() time.Time
}

// New builds the engine. The clock is injectable for tests.
func New(cfg config.ConsensusConfig) *Engine {
	return &Engine{cfg: cfg, now: time.Now}
}

// candidate is one distinct value with its supporting units.
type candidate struct {
	value string
	units []types.EvidenceUnit
	score float64
}

// ResolveAll processes every contract field in key order and returns
// the updated states. Fields without units keep their prior state.
func (e *Engine) ResolveAll(contract types.CategoryContract, unitsByField map[string][]types.EvidenceUnit, idState types.IdentityLockState, priors map[string]types.FieldState) map[string]types.FieldState {
	fields := make([]types.FieldContract, len(contract.Fields))
	copy(fields, contract.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })

	out := make(map[string]types.FieldState, len(fields))
	for _, fc := range fields {
		units, ok := unitsByField[fc.Key]
		prior := priors[fc.Key]
		if !ok {
			if prior.FieldKey != "" {
				out[fc.Key] = prior
			}
			continue
		}
		out[fc.Key] = e.Resolve(fc, units, idState, prior)
	}
	return out
}

// Resolve aggregates one field's units into its next state.
func (e *Engine) Resolve(fc types.FieldContract, units []types.EvidenceUnit, idState types.IdentityLockState, prior types.FieldState) types.FieldState {
	timer := logging.StartTimer(logging.CategoryConsensus, "Resolve "+fc.Key)
	defer timer.Stop()

	state := types.FieldState{FieldKey: fc.Key, Status: types.FieldUnknown}

	counted, bestTier := countedUnits(units)
	state.BestTierSeen = bestTier
	if prior.BestTierSeen != 0 && prior.BestTierSeen < bestTier {
		state.BestTierSeen = prior.BestTierSeen
	}

	if len(counted) == 0 {
		state.UnknownReason = unknownFor(units, idState)
		return state
	}

	cands := e.aggregate(fc, counted)
	winner := cands[0]

	margin := winner.score
	if len(cands) > 1 {
		margin = winner.score - cands[1].score
	}

	state.Value = winner.value
	// Only attribution-passed units may serve as accepting references;
	// unmatched agreement corroborates the score but proves nothing.
	state.Refs, state.RefSources = refsOf(matchedUnits(winner.units))
	state.DistinctSources = len(state.RefSources)

	// Identity blocks acceptance for every field: evidence attributed
	// under an unlocked or conflicted identity may be the wrong product.
	if idState.BlocksAcceptance() {
		state.Status = types.FieldUnknown
		state.Value = ""
		state.Refs, state.RefSources, state.DistinctSources = nil, nil, 0
		state.Grade = types.AcceptAbort
		state.UnknownReason = types.UnknownIdentityUncertain
		return state
	}

	if margin < e.cfg.MarginThreshold && len(cands) > 1 {
		state.Status = types.FieldConflict
		state.UnknownReason = types.UnknownConflict
		return state
	}
	if state.DistinctSources < fc.EvidencePolicy.MinRefs || !anyTargetMatched(winner.units) {
		state.Status = types.FieldCandidate
		state.Confidence = e.confidence(winner, cands, idState)
		return state
	}

	state.Status = types.FieldAccepted
	state.Confidence = e.confidence(winner, cands, idState)
	state.AcceptedAt = e.now().UTC()
	state.ConfidenceCapped = state.Confidence >= idState.Status.ConfidenceCap() &&
		idState.Status != types.IdentityLocked

	tierMet := !fc.TierRequired() || winnerTier(winner.units) == types.Tier1
	switch {
	case idState.PublishGateOpen && tierMet && state.Confidence >= fc.EvidencePolicy.MinConfidence:
		state.Grade = types.AcceptFull
	default:
		state.Grade = types.AcceptProvisional
	}
	return state
}

// aggregate groups units by canonical value, merges compatible
// connection-class values into their superset, scores each candidate,
// and orders them deterministically.
func (e *Engine) aggregate(fc types.FieldContract, units []types.EvidenceUnit) []*candidate {
	groups := make(map[string]*candidate)
	var order []string
	for _, u := range units {
		key := canonical(u.CandidateValue)
		g, ok := groups[key]
		if !ok {
			g = &candidate{value: u.CandidateValue}
			groups[key] = g
			order = append(order, key)
		}
		g.units = append(g.units, u)
	}

	merged := e.mergeCompatible(fc, groups, order)

	for _, c := range merged {
		for _, u := range c.units {
			c.score += e.cfg.MethodWeight(string(u.Method), int(u.Tier)) *
				u.Tier.Weight() * u.SourceIdentity.Weight()
		}
		c.score = round4(c.score)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return minSnippet(merged[i].units) < minSnippet(merged[j].units)
	})
	return merged
}

// mergeCompatible folds connection-class subsets into their superset
// value so "wireless" and "wireless / wired" agree instead of conflict.
func (e *Engine) mergeCompatible(fc types.FieldContract, groups map[string]*candidate, order []string) []*candidate {
	if fc.ValueType != types.ValueEnum && fc.ValueType != types.ValueString {
		return inOrder(groups, order)
	}
	sort.Strings(order)

	absorbed := make(map[string]bool)
	for i, a := range order {
		for _, b := range order[i+1:] {
			if absorbed[a] || absorbed[b] {
				continue
			}
			ga, gb := groups[a], groups[b]
			if !identity.ConnectionCompatible(ga.value, gb.value) {
				continue
			}
			super := identity.ConnectionSuperset(ga.value, gb.value)
			if canonical(super) == canonical(ga.value) {
				ga.units = append(ga.units, gb.units...)
				absorbed[b] = true
			} else {
				gb.units = append(gb.units, ga.units...)
				absorbed[a] = true
			}
		}
	}

	var out []*candidate
	for _, k := range order {
		if !absorbed[k] {
			out = append(out, groups[k])
		}
	}
	return out
}

// confidence is the winner's score share, clipped to the identity cap.
func (e *Engine) confidence(winner *candidate, cands []*candidate, idState types.IdentityLockState) float64 {
	total := 0.0
	for _, c := range cands {
		total += c.score
	}
	if total <= 0 {
		return 0
	}
	conf := winner.score / total
	// A lone well-supported candidate normalizes to 1.0; temper by how
	// much absolute weight backs it so one thin ref does not read as
	// certainty.
	conf *= saturation(winner.score)
	if ceiling := idState.Status.ConfidenceCap(); conf > ceiling {
		conf = ceiling
	}
	return round4(conf)
}

// saturation maps absolute score mass to (0,1): 1-2^(-score). One
// tier-1 spec-table unit (~1.0) lands near 0.5; three agreeing strong
// units approach 0.9.
func saturation(score float64) float64 {
	return 1 - math.Exp2(-score)
}

// countedUnits drops valueless units and evidence from conflicted or
// failed sources, and reports the best tier seen across the batch.
func countedUnits(units []types.EvidenceUnit) ([]types.EvidenceUnit, types.SourceTier) {
	var counted []types.EvidenceUnit
	var best types.SourceTier
	for _, u := range units {
		if u.CandidateValue == "" {
			continue
		}
		if best == 0 || u.Tier < best {
			best = u.Tier
		}
		if u.SourceIdentity == types.IdentityConflict || u.SourceIdentity == types.IdentityFailed {
			continue
		}
		counted = append(counted, u)
	}
	return counted, best
}

func unknownFor(units []types.EvidenceUnit, idState types.IdentityLockState) types.UnknownReason {
	if idState.BlocksAcceptance() {
		return types.UnknownIdentityUncertain
	}
	for _, u := range units {
		if u.IsUnknown() {
			return u.UnknownReason
		}
	}
	return types.UnknownMissingEvidence
}

func refsOf(units []types.EvidenceUnit) ([]string, []string) {
	snippets := make(map[string]bool)
	sources := make(map[string]bool)
	for _, u := range units {
		if u.SnippetID != "" {
			snippets[u.SnippetID] = true
		}
		if u.SourceID != "" {
			sources[u.SourceID] = true
		}
	}
	return sortedKeys(snippets), sortedKeys(sources)
}

func matchedUnits(units []types.EvidenceUnit) []types.EvidenceUnit {
	var out []types.EvidenceUnit
	for _, u := range units {
		if u.TargetMatchPassed {
			out = append(out, u)
		}
	}
	return out
}

func anyTargetMatched(units []types.EvidenceUnit) bool {
	for _, u := range units {
		if u.TargetMatchPassed {
			return true
		}
	}
	return false
}

func winnerTier(units []types.EvidenceUnit) types.SourceTier {
	best := types.Tier4
	for _, u := range units {
		if u.Tier != 0 && u.Tier < best {
			best = u.Tier
		}
	}
	return best
}

func minSnippet(units []types.EvidenceUnit) string {
	min := ""
	for _, u := range units {
		if min == "" || u.SnippetID < min {
			min = u.SnippetID
		}
	}
	return min
}

func canonical(v string) string {
	return strings.ToLower(index.NormalizeValue(v))
}

func inOrder(groups map[string]*candidate, order []string) []*candidate {
	sort.Strings(order)
	out := make([]*candidate, 0, len(groups))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
