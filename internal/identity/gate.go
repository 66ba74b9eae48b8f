// Package identity implements the identity gate: classifying how
// certainly a fetched source is about the target product, and whether
// individual evidence candidates belong to it. Everything downstream of
// a wrong answer here is wasted work, so the gate is conservative.
package identity

import (
	"regexp"
	"strings"

	"spechound/internal/config"
	"spechound/internal/logging"
	"spechound/internal/types"
)

// SourceSignals is what the gate sees of a fetched source: its URL plus
// the near-identity text extracted during indexing.
type SourceSignals struct {
	URL        string
	Title      string
	DOMContext string // headings, breadcrumbs, og: metadata near the top
}

// Gate classifies sources and candidates for one product target.
type Gate struct {
	cfg    config.IdentityConfig
	target types.ProductTarget

	tokens      []string // full identity token set
	modelTokens []string // model/variant digit-bearing tokens, the discriminators
	brandTokens []string
}

// New builds a gate for a target.
func New(cfg config.IdentityConfig, target types.ProductTarget) *Gate {
	return &Gate{
		cfg:         cfg,
		target:      target,
		tokens:      target.IdentityTokens(),
		modelTokens: tokenize(target.Model + " " + target.Variant),
		brandTokens: tokenize(target.Brand),
	}
}

// ClassifySource scores a source against the target and maps the score
// through the tiered thresholds. Conflict is raised when a competing
// model token outweighs the target's own model signal.
func (g *Gate) ClassifySource(sig SourceSignals) (types.IdentityMatchLevel, float64) {
	haystack := strings.ToLower(sig.Title + " " + sig.URL + " " + sig.DOMContext)
	pageTokens := tokenSet(haystack)

	score := g.certainty(pageTokens)

	if g.hasCompetingModel(sig.Title, pageTokens) && score >= g.cfg.ProvisionalThreshold {
		logging.IdentityDebug("Conflicting model tokens on %s (score %.2f)", sig.URL, score)
		return types.IdentityConflict, score
	}

	switch {
	case score >= g.cfg.LockedThreshold:
		return types.IdentityLocked, score
	case score >= g.cfg.ProvisionalThreshold:
		return types.IdentityProvisional, score
	default:
		return types.IdentityUnlocked, score
	}
}

// certainty is weighted token overlap: model/variant tokens are the
// discriminators, brand tokens are supporting.
func (g *Gate) certainty(pageTokens map[string]bool) float64 {
	if len(g.modelTokens) == 0 && len(g.brandTokens) == 0 {
		return 0
	}
	var modelHits, brandHits int
	for _, t := range g.modelTokens {
		if pageTokens[t] {
			modelHits++
		}
	}
	for _, t := range g.brandTokens {
		if pageTokens[t] {
			brandHits++
		}
	}

	var modelScore, brandScore float64
	if len(g.modelTokens) > 0 {
		modelScore = float64(modelHits) / float64(len(g.modelTokens))
	}
	if len(g.brandTokens) > 0 {
		brandScore = float64(brandHits) / float64(len(g.brandTokens))
	}
	if len(g.modelTokens) == 0 {
		return brandScore
	}
	if len(g.brandTokens) == 0 {
		return modelScore
	}
	return 0.75*modelScore + 0.25*brandScore
}

var digitGroupRe = regexp.MustCompile(`[a-z]*\d+[a-z0-9]*`)

// hasCompetingModel detects a different digit-bearing model token in the
// title: "X100V review" on a page scored for the X100VI.
func (g *Gate) hasCompetingModel(title string, pageTokens map[string]bool) bool {
	targetDigits := make(map[string]bool)
	for _, t := range g.modelTokens {
		for _, d := range digitGroupRe.FindAllString(t, -1) {
			targetDigits[d] = true
		}
	}
	if len(targetDigits) == 0 {
		return false
	}

	// Only the title is trusted for conflict: body text legitimately
	// mentions sibling models in comparisons.
	hasOwn := false
	var competing []string
	for _, tok := range tokenize(title) {
		for _, d := range digitGroupRe.FindAllString(tok, -1) {
			if targetDigits[d] {
				hasOwn = true
			} else if len(d) >= 3 {
				competing = append(competing, d)
			}
		}
	}
	return !hasOwn && len(competing) > 0 && g.brandPresent(pageTokens)
}

func (g *Gate) brandPresent(pageTokens map[string]bool) bool {
	for _, t := range g.brandTokens {
		if pageTokens[t] {
			return true
		}
	}
	return false
}

// CandidatePasses reports whether an evidence snippet may be attributed
// to the target: the source must be at least provisional and the snippet
// (or its document context) must overlap the identity tokens.
// candidateCluster is the page product cluster the snippet sits in;
// sourceCluster is the cluster the gate matched to the target. On
// multi-product pages a differing cluster rejects the candidate.
func (g *Gate) CandidatePasses(sourceLevel types.IdentityMatchLevel, snippetText, candidateCluster, sourceCluster string) (bool, string) {
	if sourceLevel != types.IdentityProvisional && sourceLevel != types.IdentityLocked {
		return false, "source_not_matched"
	}
	if candidateCluster != "" && sourceCluster != "" && candidateCluster != sourceCluster {
		return false, "cluster_mismatch"
	}

	snippetTokens := tokenSet(strings.ToLower(snippetText))
	if len(g.modelTokens) == 0 {
		return true, ""
	}
	hits := 0
	for _, t := range g.modelTokens {
		if snippetTokens[t] {
			hits++
		}
	}
	overlap := float64(hits) / float64(len(g.modelTokens))
	if overlap >= g.cfg.SnippetOverlapThreshold {
		return true, ""
	}
	// Spec tables rarely repeat the model per row. A locked source
	// vouches for its own snippets; provisional ones must self-identify.
	if sourceLevel == types.IdentityLocked {
		return true, ""
	}
	return false, "related_product"
}

// Ambiguity grades how confusable the target is within its family.
func (g *Gate) Ambiguity(familyModelCount int) types.AmbiguityLevel {
	switch {
	case familyModelCount >= g.cfg.AmbiguitySevereAt:
		return types.AmbiguitySevere
	case familyModelCount >= g.cfg.AmbiguityHardAt:
		return types.AmbiguityHard
	case familyModelCount >= g.cfg.AmbiguityMediumAt:
		return types.AmbiguityMedium
	default:
		return types.AmbiguityEasy
	}
}

// LockState assembles the per-round identity state from the best source
// classification seen this round.
func (g *Gate) LockState(status types.IdentityMatchLevel, certainty float64, familyModelCount int) types.IdentityLockState {
	ambiguity := g.Ambiguity(familyModelCount)
	return types.IdentityLockState{
		Status:             status,
		Certainty:          certainty,
		Ambiguity:          ambiguity,
		FamilyModelCount:   familyModelCount,
		PublishGateOpen:    status == types.IdentityLocked,
		ExtractionGateOpen: extractionAllowed(status, ambiguity),
	}
}

// extractionAllowed: unlocked identity may still extract when the family
// is easy to tell apart; hard families wait for provisional.
func extractionAllowed(status types.IdentityMatchLevel, ambiguity types.AmbiguityLevel) bool {
	switch status {
	case types.IdentityLocked, types.IdentityProvisional:
		return true
	case types.IdentityUnlocked:
		return ambiguity == types.AmbiguityEasy || ambiguity == types.AmbiguityMedium
	default: // conflict, failed
		return false
	}
}

func tokenize(s string) []string {
	return regexp.MustCompile(`[a-z0-9]+`).FindAllString(strings.ToLower(s), -1)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(s) {
		set[t] = true
	}
	return set
}
