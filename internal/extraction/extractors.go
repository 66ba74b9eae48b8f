package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"spechound/internal/events"
	"spechound/internal/identity"
	"spechound/internal/index"
	"spechound/internal/logging"
	"spechound/internal/retrieval"
	"spechound/internal/types"
)

// Extractor runs the extractor set over a field context. Structured
// surfaces are handled deterministically; the LLM path only runs when
// no structured surface yielded a value and a client is configured.
type Extractor struct {
	gate     *identity.Gate
	llm      types.LLMClient
	resolver SnippetResolver
	sink     events.Sink
}

// NewExtractor builds the extractor set. llm may be nil; prose-only
// packs then resolve to unknown with missing_evidence.
func NewExtractor(gate *identity.Gate, llm types.LLMClient, resolver SnippetResolver, sink events.Sink) *Extractor {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Extractor{gate: gate, llm: llm, resolver: resolver, sink: sink}
}

// Extract produces the evidence unit batch for one field context.
func (e *Extractor) Extract(ctx context.Context, runID string, fctx FieldContext) (Result, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "Extract "+fctx.Contract.Key)
	defer timer.Stop()

	units := e.deterministicPass(fctx)

	if !hasValued(units) && e.llm != nil && len(fctx.Pack.Snippets) > 0 {
		llmUnits, violation, err := e.llmExtract(ctx, fctx)
		if err != nil {
			return Result{}, err
		}
		if violation != nil {
			e.emitBatch(runID, fctx, 0, "schema_violation")
			return Result{Violation: violation}, nil
		}
		units = append(units, llmUnits...)
	}

	if !hasValued(units) {
		units = append(units, types.EvidenceUnit{
			FieldKey:      fctx.Contract.Key,
			Method:        types.MethodLLMExtract,
			UnknownReason: types.UnknownMissingEvidence,
		})
	}

	if v := Validate(units, fctx, e.resolver); v != nil {
		e.emitBatch(runID, fctx, 0, "schema_violation")
		return Result{Violation: v}, nil
	}
	e.emitBatch(runID, fctx, len(units), "ok")
	return Result{Units: units}, nil
}

func (e *Extractor) emitBatch(runID string, fctx FieldContext, n int, outcome string) {
	e.sink.Emit(events.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: events.StageExtract,
		Name:  events.ExtractionBatchDone,
		Payload: map[string]interface{}{
			"field_key": fctx.Contract.Key,
			"units":     n,
			"outcome":   outcome,
		},
	})
}

// deterministicPass walks the pack and extracts from structured surfaces
// without model involvement.
func (e *Extractor) deterministicPass(fctx FieldContext) []types.EvidenceUnit {
	var units []types.EvidenceUnit
	for _, s := range fctx.Pack.Snippets {
		value, method, ok := extractFromSnippet(fctx.Contract, s)
		if !ok {
			continue
		}
		value = normalizeCandidate(fctx.Contract, value)
		if value == "" {
			continue
		}
		units = append(units, e.finishUnit(fctx, s, value, method))
	}
	return units
}

// finishUnit stamps provenance and runs the candidate identity gate.
func (e *Extractor) finishUnit(fctx FieldContext, s retrieval.PrimeSnippet, value string, method types.ExtractionMethod) types.EvidenceUnit {
	u := types.EvidenceUnit{
		SnippetID:      s.SnippetID,
		SourceID:       s.SourceID,
		FieldKey:       fctx.Contract.Key,
		CandidateValue: value,
		Method:         method,
		Tier:           s.Tier,
		SourceIdentity: s.IdentityMatch,
	}
	if e.gate != nil {
		passed, reason := e.gate.CandidatePasses(s.IdentityMatch, s.Quote, "", "")
		u.TargetMatchPassed = passed
		if !passed {
			u.RejectReason = reason
		}
	} else {
		u.TargetMatchPassed = true
	}
	return u
}

// extractFromSnippet dispatches on the snippet surface.
func extractFromSnippet(fc types.FieldContract, s retrieval.PrimeSnippet) (string, types.ExtractionMethod, bool) {
	switch s.Surface {
	case index.SurfaceTableRow, index.SurfaceKV:
		if k, v, ok := splitQuoteKV(s.Quote); ok {
			if keyMatches(fc.Key, k) {
				return v, types.MethodHTMLSpecTable, true
			}
			return "", "", false
		}
		// Fact-backed rows arrive pre-normalized, value only.
		if valueFits(fc, s.Quote) {
			return s.Quote, types.MethodDeterministicNorm, true
		}
		return "", "", false
	case index.SurfaceMeta:
		if k, v, ok := splitQuoteKV(s.Quote); ok && keyMatches(fc.Key, k) {
			return v, types.MethodStructuredMeta, true
		}
		return "", "", false
	case index.SurfaceJSON:
		if v, ok := jsonLookup(s.Quote, fc.Key); ok {
			return v, types.MethodEmbeddedJSON, true
		}
		return "", "", false
	default:
		if v, ok := proseCapture(fc, s.Quote); ok {
			return v, types.MethodArticleText, true
		}
		return "", "", false
	}
}

func splitQuoteKV(quote string) (string, string, bool) {
	i := strings.Index(quote, ":")
	if i <= 0 || i > 60 {
		return "", "", false
	}
	k := strings.TrimSpace(quote[:i])
	v := strings.TrimSpace(quote[i+1:])
	if k == "" || v == "" || strings.Contains(k, "http") {
		return "", "", false
	}
	return k, v, true
}

// keyMatches compares a raw surface key against the contract key after
// normalization. "Polling Rate" matches polling_rate.
func keyMatches(contractKey, rawKey string) bool {
	norm := index.NormalizeKey(rawKey)
	if norm == contractKey {
		return true
	}
	// Partial containment covers verbose sheet keys like
	// "maximum_polling_rate".
	return strings.Contains(norm, contractKey) || strings.Contains(contractKey, norm)
}

// valueFits sanity-checks a bare value against the contract before
// trusting it without a key.
func valueFits(fc types.FieldContract, value string) bool {
	switch fc.ValueType {
	case types.ValueNumber:
		if fc.Unit != "" {
			return strings.EqualFold(index.UnitHint(value), fc.Unit)
		}
		return numberPattern.MatchString(value)
	case types.ValueEnum:
		for _, e := range fc.Enum {
			if strings.EqualFold(e, value) {
				return true
			}
		}
		return false
	default:
		return value != "" && len([]rune(value)) <= 120
	}
}

// jsonLookup flattens an embedded JSON object and finds a value whose
// key normalizes to the contract key.
func jsonLookup(quote, contractKey string) (string, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(quote), &obj); err != nil {
		return "", false
	}
	flat := make(map[string]string)
	flattenJSON("", obj, flat)
	for k, v := range flat {
		if keyMatches(contractKey, k) && v != "" {
			return v, true
		}
	}
	return "", false
}

func flattenJSON(prefix string, v interface{}, out map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			key := k
			if prefix != "" {
				key = prefix + " " + k
			}
			flattenJSON(key, child, out)
		}
	case []interface{}:
		for _, child := range t {
			flattenJSON(prefix, child, out)
		}
	case string:
		out[prefix] = t
	case float64:
		out[prefix] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", t), "0"), ".")
	case bool:
		out[prefix] = fmt.Sprintf("%t", t)
	}
}

var numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// proseCapture pulls a number-with-unit out of running text when the
// contract names a unit. Prose without a unit anchor goes to the LLM.
func proseCapture(fc types.FieldContract, text string) (string, bool) {
	if fc.ValueType != types.ValueNumber || fc.Unit == "" {
		return "", false
	}
	aliases := unitAliases(fc.Unit)
	lower := strings.ToLower(text)
	for _, alias := range aliases {
		re := regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*` + regexp.QuoteMeta(alias) + `\b`)
		if m := re.FindStringSubmatch(lower); m != nil {
			return m[1] + " " + fc.Unit, true
		}
	}
	return "", false
}

func unitAliases(unit string) []string {
	switch strings.ToLower(unit) {
	case "g":
		return []string{"g", "grams", "gram"}
	case "mm":
		return []string{"mm", "millimeters", "millimetres"}
	case "hz":
		return []string{"hz", "hertz"}
	case "mah":
		return []string{"mah"}
	case "h":
		return []string{"h", "hours", "hrs"}
	case "in":
		return []string{"in", "inches", `"`}
	default:
		return []string{strings.ToLower(unit)}
	}
}

// normalizeCandidate canonicalizes a raw capture: whitespace collapse,
// decimal comma, "<number> <unit>" shape for numeric fields, enum
// casing from the contract.
func normalizeCandidate(fc types.FieldContract, raw string) string {
	v := index.NormalizeValue(raw)
	switch fc.ValueType {
	case types.ValueNumber:
		m := numberPattern.FindString(v)
		if m == "" {
			return ""
		}
		m = strings.ReplaceAll(m, ",", ".")
		if fc.Unit != "" {
			return m + " " + fc.Unit
		}
		return m
	case types.ValueEnum:
		for _, e := range fc.Enum {
			if strings.EqualFold(e, v) {
				return e
			}
		}
		return v
	case types.ValueBool:
		switch strings.ToLower(v) {
		case "yes", "true", "1", "supported":
			return "true"
		case "no", "false", "0", "not supported", "unsupported":
			return "false"
		}
		return v
	default:
		return v
	}
}

func hasValued(units []types.EvidenceUnit) bool {
	for _, u := range units {
		if u.CandidateValue != "" {
			return true
		}
	}
	return false
}
