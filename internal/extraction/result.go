package extraction

import (
	"fmt"
	"strings"

	"spechound/internal/store"
	"spechound/internal/types"
)

// Result is the outcome of one extractor on one field: evidence units
// or a schema violation, never both.
type Result struct {
	Units     []types.EvidenceUnit
	Violation *types.SchemaViolation
}

// SnippetResolver checks snippet references. Satisfied by *index.Indexer.
type SnippetResolver interface {
	ResolveSnippet(snippetID string) (*store.Chunk, error)
}

// Validate enforces the output schema on a unit batch: every unit
// references a resolvable snippet from the pack, carries either a value
// or an enumerated unknown reason, and names the field under extraction.
func Validate(units []types.EvidenceUnit, fctx FieldContext, resolver SnippetResolver) *types.SchemaViolation {
	packIDs := make(map[string]bool, len(fctx.Pack.Snippets))
	for _, s := range fctx.Pack.Snippets {
		packIDs[s.SnippetID] = true
	}

	for _, u := range units {
		if u.FieldKey != fctx.Contract.Key {
			return &types.SchemaViolation{
				FieldKey: fctx.Contract.Key,
				Reason:   fmt.Sprintf("unit targets foreign field %q", u.FieldKey),
			}
		}
		if u.CandidateValue == "" {
			if u.UnknownReason == "" {
				return &types.SchemaViolation{FieldKey: u.FieldKey, Reason: "empty value without unknown_reason"}
			}
			if !u.UnknownReason.Valid() {
				return &types.SchemaViolation{
					FieldKey: u.FieldKey,
					Reason:   fmt.Sprintf("unknown_reason %q not in enum", u.UnknownReason),
				}
			}
			continue
		}
		if u.SnippetID == "" {
			return &types.SchemaViolation{FieldKey: u.FieldKey, Reason: "value without snippet reference"}
		}
		if !packIDs[u.SnippetID] {
			return &types.SchemaViolation{
				FieldKey: u.FieldKey,
				Reason:   fmt.Sprintf("snippet %s not in prime source pack", u.SnippetID),
			}
		}
		chunk, err := resolver.ResolveSnippet(u.SnippetID)
		if err != nil || chunk == nil {
			return &types.SchemaViolation{
				FieldKey: u.FieldKey,
				Reason:   fmt.Sprintf("snippet %s does not resolve", u.SnippetID),
			}
		}
		if fctx.Contract.ValueType == types.ValueEnum && len(fctx.Contract.Enum) > 0 {
			if !enumContains(fctx.Contract.Enum, u.CandidateValue) {
				return &types.SchemaViolation{
					FieldKey: u.FieldKey,
					Reason:   fmt.Sprintf("value %q outside enum", u.CandidateValue),
					Raw:      u.CandidateValue,
				}
			}
		}
	}
	return nil
}

func enumContains(enum []string, v string) bool {
	for _, e := range enum {
		if strings.EqualFold(e, v) {
			return true
		}
	}
	return false
}
