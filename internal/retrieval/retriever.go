// Package retrieval builds Prime Source packs: for each deficit field it
// queries the evidence index (facts first, then chunks), ranks hits by
// tier preference, doc kind, token proximity, anchors, unit hints, and
// identity, and selects snippets until the field's evidence policy is
// coverable. Packs carry a trace and miss diagnostics; extraction never
// sees a raw page.
package retrieval

import (
	"sort"
	"strings"
	"time"

	"spechound/internal/events"
	"spechound/internal/index"
	"spechound/internal/logging"
	"spechound/internal/store"
	"spechound/internal/types"
)

// Miss diagnostics for incomplete packs.
const (
	MissPoolEmpty        = "pool_empty"
	MissNoAnchor         = "no_anchor"
	MissTierDeficit      = "tier_deficit"
	MissIdentityMismatch = "identity_mismatch"
)

// maxQuoteRunes bounds the quote carried into extraction context.
const maxQuoteRunes = 300

// selectionCap bounds pack size beyond the policy requirement.
const selectionCap = 8

// Hints are learning-store signals folded into ranking.
type Hints struct {
	Anchors       []string           // learned section anchors for this field
	LexiconTokens []string           // learned key phrases
	HostYield     map[string]float64 // accepted/attempts ratio per host
}

// PrimeSnippet is one selected snippet with its provenance.
type PrimeSnippet struct {
	SnippetID     string                   `json:"snippet_id"`
	Quote         string                   `json:"quote"`
	Surface       string                   `json:"surface"`
	SourceID      string                   `json:"source_id"`
	Host          string                   `json:"host"`
	Tier          types.SourceTier         `json:"tier"`
	IdentityMatch types.IdentityMatchLevel `json:"source_identity_match"`
	Score         float64                  `json:"score"`
}

// TraceEntry records one ranked candidate and the selection verdict.
type TraceEntry struct {
	SnippetID string  `json:"snippet_id"`
	Score     float64 `json:"score"`
	Accepted  bool    `json:"accepted"`
	Reason    string  `json:"reason,omitempty"`
}

// PrimeSourcePack is the per-field retrieval product.
type PrimeSourcePack struct {
	FieldKey        string         `json:"field_key"`
	Snippets        []PrimeSnippet `json:"snippets"`
	DistinctSources int            `json:"distinct_sources"`
	Complete        bool           `json:"complete"`
	Miss            string         `json:"miss,omitempty"`
	Trace           []TraceEntry   `json:"trace,omitempty"`
}

// Retriever queries the evidence index per deficit field.
type Retriever struct {
	index *index.Indexer
	sink  events.Sink
}

// New builds a retriever over the index.
func New(ix *index.Indexer, sink events.Sink) *Retriever {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Retriever{index: ix, sink: sink}
}

// BuildPack assembles the Prime Source pack for one deficit field.
func (r *Retriever) BuildPack(runID string, fc types.FieldContract, hints Hints) (PrimeSourcePack, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "BuildPack "+fc.Key)
	defer timer.Stop()

	identitySensitive := fc.RequiredLevel == types.LevelIdentity || fc.RequiredLevel == types.LevelCritical
	filters := store.SearchFilters{Limit: 50}
	if identitySensitive {
		filters.IdentityMin = types.IdentityProvisional
	}

	query := r.query(fc, hints)

	// Facts first: normalized kv rows carry the cleanest evidence.
	factHits, err := r.index.SearchFacts(query, filters)
	if err != nil {
		return PrimeSourcePack{}, err
	}
	chunkHits, err := r.index.SearchChunks(query, filters)
	if err != nil {
		return PrimeSourcePack{}, err
	}
	anchorHits, err := r.index.SearchByAnchor(append(hints.Anchors, fc.AnchorPhrases...), filters)
	if err != nil {
		return PrimeSourcePack{}, err
	}

	pool := mergeHits(factHits, chunkHits, anchorHits)
	pack := r.selectPack(fc, pool, hints)

	r.sink.Emit(events.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: events.StageSearch,
		Name:  events.PrimeSourcesBuilt,
		Payload: map[string]interface{}{
			"field_key":        pack.FieldKey,
			"snippets":         len(pack.Snippets),
			"distinct_sources": pack.DistinctSources,
			"complete":         pack.Complete,
			"miss":             pack.Miss,
		},
	})
	return pack, nil
}

// query builds the FTS query from the contract key, search hints, and
// learned lexicon tokens.
func (r *Retriever) query(fc types.FieldContract, hints Hints) string {
	parts := []string{strings.ReplaceAll(fc.Key, "_", " ")}
	parts = append(parts, fc.SearchHints...)
	parts = append(parts, hints.LexiconTokens...)
	return strings.Join(parts, " ")
}

func (r *Retriever) selectPack(fc types.FieldContract, pool []store.SearchHit, hints Hints) PrimeSourcePack {
	pack := PrimeSourcePack{FieldKey: fc.Key}
	if len(pool) == 0 {
		pack.Miss = MissPoolEmpty
		return pack
	}

	type scored struct {
		hit   store.SearchHit
		score float64
	}
	ranked := make([]scored, 0, len(pool))
	for _, h := range pool {
		ranked = append(ranked, scored{hit: h, score: r.scoreHit(fc, h, hints)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].hit.SnippetID < ranked[j].hit.SnippetID
	})

	identitySensitive := fc.RequiredLevel == types.LevelIdentity || fc.RequiredLevel == types.LevelCritical
	seenSnippets := make(map[string]bool)
	sources := make(map[string]bool)
	sawIdentityReject := false
	for _, sc := range ranked {
		if seenSnippets[sc.hit.SnippetID] {
			continue
		}
		seenSnippets[sc.hit.SnippetID] = true

		entry := TraceEntry{SnippetID: sc.hit.SnippetID, Score: sc.score}
		switch {
		case identitySensitive && sc.hit.IdentityMatch != types.IdentityLocked && sc.hit.IdentityMatch != types.IdentityProvisional:
			entry.Reason = "identity_unsafe"
			sawIdentityReject = true
		case len(pack.Snippets) >= selectionCap:
			entry.Reason = "pack_full"
		default:
			entry.Accepted = true
			pack.Snippets = append(pack.Snippets, PrimeSnippet{
				SnippetID:     sc.hit.SnippetID,
				Quote:         truncateRunes(sc.hit.Text, maxQuoteRunes),
				Surface:       sc.hit.Surface,
				SourceID:      sc.hit.SourceID,
				Host:          sc.hit.Host,
				Tier:          sc.hit.Tier,
				IdentityMatch: sc.hit.IdentityMatch,
				Score:         sc.score,
			})
			sources[sc.hit.SourceID] = true
		}
		pack.Trace = append(pack.Trace, entry)

		if len(pack.Snippets) >= fc.EvidencePolicy.MinRefs && len(sources) >= fc.EvidencePolicy.MinRefs {
			// policy coverable; keep a little headroom then stop
			if len(pack.Snippets) >= fc.EvidencePolicy.MinRefs+2 {
				break
			}
		}
	}

	pack.DistinctSources = len(sources)
	pack.Complete = len(pack.Snippets) >= fc.EvidencePolicy.MinRefs &&
		pack.DistinctSources >= fc.EvidencePolicy.MinRefs

	if !pack.Complete {
		switch {
		case len(pack.Snippets) == 0 && sawIdentityReject:
			pack.Miss = MissIdentityMismatch
		case len(pack.Snippets) == 0 && len(hints.Anchors)+len(fc.AnchorPhrases) > 0:
			pack.Miss = MissNoAnchor
		case len(pack.Snippets) == 0:
			pack.Miss = MissPoolEmpty
		default:
			pack.Miss = MissTierDeficit
		}
	} else if fc.TierRequired() && bestTier(pack.Snippets) > types.Tier1 {
		pack.Complete = false
		pack.Miss = MissTierDeficit
	}
	return pack
}

// scoreHit weighs one hit for a field.
func (r *Retriever) scoreHit(fc types.FieldContract, h store.SearchHit, hints Hints) float64 {
	// Tier preference remap: earlier in the preference list is better;
	// fields without a preference fall back to the global tier weight.
	tierW := h.Tier.Weight()
	if len(fc.TierPreference) > 0 {
		tierW = 0.25
		for i, t := range fc.TierPreference {
			if t == h.Tier {
				tierW = 1.0 - 0.2*float64(i)
				break
			}
		}
	}

	score := tierW * h.IdentityMatch.Weight()

	// Doc-kind alignment
	for _, k := range fc.PreferredDocs {
		if k == h.DocKind {
			score *= 1.2
			break
		}
	}

	// Structured surfaces beat prose; exact key match on facts beats both.
	switch h.Surface {
	case index.SurfaceKV, index.SurfaceTableRow:
		score *= 1.3
	case index.SurfaceJSON, index.SurfaceMeta:
		score *= 1.2
	}
	if h.NormalizedKey != "" && h.NormalizedKey == fc.Key {
		score *= 1.5
	}

	// Unit hint agreement
	if fc.Unit != "" && h.UnitHint != "" && strings.EqualFold(fc.Unit, h.UnitHint) {
		score *= 1.25
	}

	// Token proximity: fraction of field tokens present in the text.
	fieldTokens := strings.Fields(strings.ReplaceAll(fc.Key, "_", " "))
	if len(fieldTokens) > 0 {
		text := strings.ToLower(h.Text)
		hitCount := 0
		for _, tok := range fieldTokens {
			if strings.Contains(text, tok) {
				hitCount++
			}
		}
		score *= 0.8 + 0.2*float64(hitCount)/float64(len(fieldTokens))
	}

	// Learned host yield shifts weight toward proven hosts.
	if ratio, ok := hints.HostYield[h.Host]; ok {
		score *= 0.9 + 0.3*ratio
	}

	return score
}

func mergeHits(lists ...[]store.SearchHit) []store.SearchHit {
	var out []store.SearchHit
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, h := range list {
			key := h.SnippetID + "|" + h.NormalizedKey
			if !seen[key] {
				seen[key] = true
				out = append(out, h)
			}
		}
	}
	return out
}

func bestTier(snippets []PrimeSnippet) types.SourceTier {
	best := types.Tier4
	for _, s := range snippets {
		if s.Tier < best {
			best = s.Tier
		}
	}
	if len(snippets) == 0 {
		return types.Tier4
	}
	return best
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
