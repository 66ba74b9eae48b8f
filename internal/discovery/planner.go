// Package discovery plans the search side of a round: alias variants,
// structured query rows, SERP triage, and the host strategy table. The
// deterministic planner always runs; LLM expansion and reranking are
// optional refinements whose output is validated before use.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"spechound/internal/config"
	"spechound/internal/events"
	"spechound/internal/logging"
	"spechound/internal/types"
)

// DocHint steers a query toward a document class.
type DocHint string

const (
	HintManualPDF DocHint = "manual_pdf"
	HintSpecPDF   DocHint = "spec_pdf"
	HintSupport   DocHint = "support"
	HintLabReview DocHint = "lab_review"
	HintTeardown  DocHint = "teardown_review"
	HintRetail    DocHint = "retail"
	HintGeneral   DocHint = "general"
)

// QueryRow is one structured search query. TargetFields is never empty
// for rounds past bootstrap.
type QueryRow struct {
	Query        string   `json:"query"`
	TargetFields []string `json:"target_fields"`
	DocHint      DocHint  `json:"doc_hint"`
}

// SearchProfile is the planner output for one round.
type SearchProfile struct {
	Aliases []string   `json:"aliases"`
	Queries []QueryRow `json:"queries"`
}

// Planner builds search profiles and triages SERP candidates.
type Planner struct {
	cfg      config.DiscoveryConfig
	llm      types.LLMClient
	strategy *StrategyTable
	sink     events.Sink
}

// NewPlanner builds a planner. llm may be nil to disable expansion and
// reranking regardless of config.
func NewPlanner(cfg config.DiscoveryConfig, llm types.LLMClient, strategy *StrategyTable, sink events.Sink) *Planner {
	if sink == nil {
		sink = events.Nop{}
	}
	if strategy == nil {
		strategy = emptyStrategyTable()
	}
	return &Planner{cfg: cfg, llm: llm, strategy: strategy, sink: sink}
}

// Profile builds the search profile for a round. An empty NeedSet means
// bootstrap: broad queries across doc hints targeting every contract
// field. With deficits, each query targets the fields it hunts.
func (p *Planner) Profile(ctx context.Context, runID string, target types.ProductTarget, contract types.CategoryContract, needs []types.NeedRow) (SearchProfile, error) {
	timer := logging.StartTimer(logging.CategoryDiscovery, "Profile "+target.DisplayName())
	defer timer.Stop()

	profile := SearchProfile{Aliases: p.Aliases(target)}
	primary := profile.Aliases[0]

	if len(needs) == 0 {
		profile.Queries = p.bootstrapQueries(primary, contract)
	} else {
		profile.Queries = p.deficitQueries(primary, contract, needs)
	}

	if p.cfg.EnableLLMExpansion && p.llm != nil && wantsExpansion(needs) {
		expanded, err := p.expandQueries(ctx, target, needs)
		if err != nil {
			logging.Discovery("llm expansion failed, deterministic set stands: %v", err)
		} else {
			profile.Queries = mergeQueries(profile.Queries, expanded)
		}
	}

	p.sink.Emit(events.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: events.StageSearch,
		Name:  events.SearchProfileBuilt,
		Payload: map[string]interface{}{
			"aliases": len(profile.Aliases),
			"queries": len(profile.Queries),
		},
	})
	return profile, nil
}

var digitGroupRe = regexp.MustCompile(`\d+`)
var spaceDigitRe = regexp.MustCompile(`([A-Za-z]) (\d)`)

// Aliases generates the deterministic alias set: spacing and hyphen
// variants that keep every digit group intact, capped.
func (p *Planner) Aliases(target types.ProductTarget) []string {
	base := target.DisplayName()
	candidates := []string{
		base,
		target.Brand + " " + target.Model,
		target.Model,
		strings.ReplaceAll(base, "-", " "),
		strings.ReplaceAll(base, " ", "-"),
		spaceDigitRe.ReplaceAllString(base, "$1$2"), // "X100 VI" -> "X100VI" style joins
	}
	if target.Variant != "" {
		candidates = append(candidates, target.Brand+" "+target.Model+" "+target.Variant)
	}
	if target.SKU != "" {
		candidates = append(candidates, target.Brand+" "+target.SKU)
	}
	candidates = append(candidates, target.Aliases...)

	seen := make(map[string]bool)
	var out []string
	for _, c := range candidates {
		c = strings.Join(strings.Fields(c), " ")
		key := strings.ToLower(c)
		if c == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) >= p.cfg.MaxAliases {
			break
		}
	}
	return out
}

// bootstrapQueries covers the doc-hint spectrum for Round 0.
func (p *Planner) bootstrapQueries(alias string, contract types.CategoryContract) []QueryRow {
	all := make([]string, 0, len(contract.Fields))
	for _, f := range contract.Fields {
		all = append(all, f.Key)
	}
	sort.Strings(all)

	return []QueryRow{
		{Query: alias + " specifications", TargetFields: all, DocHint: HintSpecPDF},
		{Query: alias + " technical specs", TargetFields: all, DocHint: HintGeneral},
		{Query: alias + " manual filetype:pdf", TargetFields: all, DocHint: HintManualPDF},
		{Query: alias + " review", TargetFields: all, DocHint: HintLabReview},
		{Query: alias + " support", TargetFields: all, DocHint: HintSupport},
	}
}

// deficitQueries targets each NeedSet row individually.
func (p *Planner) deficitQueries(alias string, contract types.CategoryContract, needs []types.NeedRow) []QueryRow {
	byKey := make(map[string]types.FieldContract, len(contract.Fields))
	for _, f := range contract.Fields {
		byKey[f.Key] = f
	}

	var rows []QueryRow
	for _, n := range needs {
		fc := byKey[n.FieldKey]
		terms := strings.ReplaceAll(n.FieldKey, "_", " ")
		if len(fc.SearchHints) > 0 {
			terms = terms + " " + strings.Join(fc.SearchHints, " ")
		}
		rows = append(rows, QueryRow{
			Query:        alias + " " + terms,
			TargetFields: []string{n.FieldKey},
			DocHint:      hintFor(fc, n),
		})
	}
	return rows
}

// hintFor picks the doc hint from the field's tier needs: tier-deficit
// fields chase primary documentation, the rest take lab reviews.
func hintFor(fc types.FieldContract, n types.NeedRow) DocHint {
	for _, r := range n.Reasons {
		if r == types.ReasonTierDeficit {
			return HintSpecPDF
		}
	}
	if len(fc.PreferredDocs) > 0 {
		switch fc.PreferredDocs[0] {
		case types.DocManual:
			return HintManualPDF
		case types.DocSpec:
			return HintSpecPDF
		case types.DocSupport:
			return HintSupport
		case types.DocTeardown:
			return HintTeardown
		case types.DocRetail:
			return HintRetail
		}
	}
	return HintLabReview
}

// Escalate produces re-queries for fields still missing after a round,
// anchored by what is already known ("found X, still missing Y").
func (p *Planner) Escalate(target types.ProductTarget, known map[string]string, missing []string) []QueryRow {
	alias := target.DisplayName()
	anchors := knownAnchors(known)

	hints := []DocHint{HintSpecPDF, HintSupport, HintTeardown}
	var rows []QueryRow
	for i, key := range missing {
		q := alias + ` "` + strings.ReplaceAll(key, "_", " ") + `"`
		if anchors != "" {
			q += " " + anchors
		}
		rows = append(rows, QueryRow{
			Query:        q,
			TargetFields: []string{key},
			DocHint:      hints[i%len(hints)],
		})
	}
	return rows
}

// knownAnchors quotes up to two short accepted values as positive
// context for the re-query.
func knownAnchors(known map[string]string) string {
	keys := make([]string, 0, len(known))
	for k, v := range known {
		if v != "" && len(v) <= 40 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, `"`+known[k]+`"`)
		if len(parts) == 2 {
			break
		}
	}
	return strings.Join(parts, " ")
}

// wantsExpansion gates the LLM call: only deep deficits (tier or
// conflict trouble) justify spending tokens on query invention.
func wantsExpansion(needs []types.NeedRow) bool {
	for _, n := range needs {
		for _, r := range n.Reasons {
			if r == types.ReasonTierDeficit || r == types.ReasonConflict {
				return true
			}
		}
	}
	return false
}

const expansionCap = 6

// expandQueries asks the model for additional queries and validates
// every line before merging.
func (p *Planner) expandQueries(ctx context.Context, target types.ProductTarget, needs []types.NeedRow) ([]QueryRow, error) {
	var fields []string
	for _, n := range needs {
		fields = append(fields, n.FieldKey)
	}
	prompt := fmt.Sprintf(
		"Product: %s\nUnresolved fields: %s\nPropose up to %d web search queries that would surface authoritative documentation for these fields. One query per line, no numbering, no commentary.",
		target.DisplayName(), strings.Join(fields, ", "), expansionCap)

	raw, err := p.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	valid := ValidateExpansion(target, strings.Split(raw, "\n"))
	var rows []QueryRow
	for _, q := range valid {
		rows = append(rows, QueryRow{Query: q, TargetFields: fields, DocHint: HintGeneral})
	}
	return rows, nil
}

// ValidateExpansion keeps only model-proposed queries that carry a
// brand token and preserve every digit group of the model string, then
// caps the batch. Anything else is silently dropped.
func ValidateExpansion(target types.ProductTarget, proposals []string) []string {
	brand := strings.ToLower(target.Brand)
	groups := digitGroupRe.FindAllString(target.Model+" "+target.Variant, -1)

	seen := make(map[string]bool)
	var out []string
	for _, q := range proposals {
		q = strings.TrimSpace(strings.Trim(q, `"-*`))
		if q == "" {
			continue
		}
		lower := strings.ToLower(q)
		if brand != "" && !strings.Contains(lower, brand) {
			continue
		}
		ok := true
		for _, g := range groups {
			if !strings.Contains(lower, g) {
				ok = false
				break
			}
		}
		if !ok || seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, q)
		if len(out) >= expansionCap {
			break
		}
	}
	return out
}

// mergeQueries appends expansion rows that do not duplicate an existing
// query string.
func mergeQueries(base, extra []QueryRow) []QueryRow {
	seen := make(map[string]bool, len(base))
	for _, q := range base {
		seen[strings.ToLower(q.Query)] = true
	}
	for _, q := range extra {
		if !seen[strings.ToLower(q.Query)] {
			seen[strings.ToLower(q.Query)] = true
			base = append(base, q)
		}
	}
	return base
}
