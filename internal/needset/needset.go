// Package needset computes the per-round field deficit ranking. Compute
// is a pure function of field states, contracts, and identity state:
// same inputs, same rows, same order. It holds no state and does no IO.
package needset

import (
	"math"
	"sort"
	"time"

	"spechound/internal/config"
	"spechound/internal/types"
)

// Multipliers per the scoring formula.
const (
	missingMult     = 2.0
	tierDeficitMult = 2.0
	minRefsMult     = 1.5
	conflictMult    = 1.5
)

// Params bundles the tunables Compute needs.
type Params struct {
	FreshnessHalfLifeDays float64
	FreshnessFloor        float64
}

// ParamsFrom lifts the consensus config's freshness knobs.
func ParamsFrom(cfg config.ConsensusConfig) Params {
	return Params{
		FreshnessHalfLifeDays: cfg.FreshnessHalfLifeDays,
		FreshnessFloor:        cfg.FreshnessFloor,
	}
}

// Compute returns the NeedSet: one row per deficient field, ordered by
// need score descending, then field key ascending.
func Compute(states map[string]types.FieldState, contract types.CategoryContract, identity types.IdentityLockState, now time.Time, params Params) []types.NeedRow {
	var rows []types.NeedRow

	for _, fc := range contract.Fields {
		state := states[fc.Key] // zero value means never seen: unknown
		if state.FieldKey == "" {
			state.FieldKey = fc.Key
			state.Status = types.FieldUnknown
		}

		row, needed := scoreField(fc, state, identity, now, params)
		if needed {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].NeedScore != rows[j].NeedScore {
			return rows[i].NeedScore > rows[j].NeedScore
		}
		return rows[i].FieldKey < rows[j].FieldKey
	})
	return rows
}

func scoreField(fc types.FieldContract, state types.FieldState, identity types.IdentityLockState, now time.Time, params Params) (types.NeedRow, bool) {
	var reasons []types.NeedReason

	// Effective confidence: freshness decay then identity cap.
	conf := clamp01(state.Confidence)
	conf *= freshness(state.AcceptedAt, now, params)
	ceiling := identity.Status.ConfidenceCap()
	capped := false
	if conf > ceiling {
		conf = ceiling
		capped = true
	}

	need := 1.0

	if state.Status == types.FieldUnknown || state.Status == types.FieldCandidate || state.Status == types.FieldInvalid {
		need *= missingMult
		reasons = append(reasons, types.ReasonMissing)
	}

	need *= 1 - conf
	// An accepted value whose effective confidence fell under the policy
	// floor, or was pulled down by an identity cap or staleness, is a
	// live deficit again.
	if state.Status == types.FieldAccepted && (conf < fc.EvidencePolicy.MinConfidence || capped) {
		reasons = append(reasons, types.ReasonLowConf)
	}

	need *= fc.RequiredLevel.Weight()

	if fc.TierRequired() && (state.BestTierSeen == 0 || state.BestTierSeen > types.Tier1) {
		need *= tierDeficitMult
		reasons = append(reasons, types.ReasonTierDeficit)
	}

	if state.DistinctSources < fc.EvidencePolicy.MinRefs {
		need *= minRefsMult
		reasons = append(reasons, types.ReasonMinRefsFail)
	}

	if state.Status == types.FieldConflict {
		need *= conflictMult
		reasons = append(reasons, types.ReasonConflict)
	}

	blockedBy := ""
	identityBlocked := identity.BlocksAcceptance() &&
		(fc.RequiredLevel == types.LevelIdentity || fc.RequiredLevel == types.LevelCritical)
	if identityBlocked {
		// Identity dominates: whatever else is wrong, the fix is the same.
		reasons = []types.NeedReason{types.ReasonBlockedByIdentity}
		if identity.Status == types.IdentityUnlocked {
			reasons = append(reasons, types.ReasonIdentityUnlocked)
		}
		blockedBy = "identity:" + string(identity.Status)
	} else if identity.Status == types.IdentityUnlocked {
		reasons = append(reasons, types.ReasonIdentityUnlocked)
	}

	if fc.PublishGated && !identity.PublishGateOpen {
		reasons = append(reasons, types.ReasonPublishGateBlock)
		if blockedBy == "" {
			blockedBy = "publish_gate"
		}
	}

	// A field stays off the NeedSet when nothing tags it: accepted,
	// policy satisfied, identity not in the way. Residual (1-conf) alone
	// is not a deficit.
	if need <= 0 || len(reasons) == 0 {
		return types.NeedRow{}, false
	}

	return types.NeedRow{
		FieldKey:            fc.Key,
		NeedScore:           round4(need),
		Reasons:             reasons,
		BlockedBy:           blockedBy,
		EffectiveConfidence: round4(conf),
		ConfidenceCapped:    capped,
	}, true
}

// freshness decays stored confidence by age, floored.
func freshness(acceptedAt, now time.Time, params Params) float64 {
	if acceptedAt.IsZero() || params.FreshnessHalfLifeDays <= 0 {
		return 1.0
	}
	ageDays := now.Sub(acceptedAt).Hours() / 24
	if ageDays <= 0 {
		return 1.0
	}
	mult := math.Exp2(-ageDays / params.FreshnessHalfLifeDays)
	if mult < params.FreshnessFloor {
		return params.FreshnessFloor
	}
	return mult
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// round4 stabilizes float comparisons across platforms for determinism.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
