// Package extraction turns Prime Source packs into evidence units. The
// context assembler builds the per-field prompt material; the extractor
// set covers structured surfaces deterministically and falls back to the
// LLM for prose. Every output passes strict schema validation: units
// reference resolvable snippets or the batch is a violation.
package extraction

import (
	"fmt"
	"strings"

	"spechound/internal/retrieval"
	"spechound/internal/types"
)

// FieldContext is the assembled extraction input for one field. Full
// pages never appear here; only pack quotes.
type FieldContext struct {
	Target   types.ProductTarget
	Contract types.FieldContract
	Pack     retrieval.PrimeSourcePack
	Identity types.IdentityLockState

	// Parse intent: template ID plus one or two worked examples.
	IntentID string
	Examples []IntentExample
}

// IntentExample is one worked input/output pair for the prompt.
type IntentExample struct {
	Snippet string
	Value   string
}

// ContractSummary renders the contract constraints for the prompt.
func (c FieldContext) ContractSummary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "field: %s\ntype: %s\n", c.Contract.Key, c.Contract.ValueType)
	if c.Contract.Unit != "" {
		fmt.Fprintf(&sb, "unit: %s\n", c.Contract.Unit)
	}
	if len(c.Contract.Enum) > 0 {
		fmt.Fprintf(&sb, "allowed values: %s\n", strings.Join(c.Contract.Enum, ", "))
	}
	fmt.Fprintf(&sb, "evidence: min %d distinct sources, min confidence %.2f\n",
		c.Contract.EvidencePolicy.MinRefs, c.Contract.EvidencePolicy.MinConfidence)
	return sb.String()
}

// PromptSnippets renders the pack for the prompt, one line per snippet.
func (c FieldContext) PromptSnippets() string {
	var sb strings.Builder
	for _, s := range c.Pack.Snippets {
		fmt.Fprintf(&sb, "[%s] (tier %d, identity %s) %q\n",
			s.SnippetID, s.Tier, s.IdentityMatch, s.Quote)
	}
	return sb.String()
}

// Assembler builds field contexts from packs.
type Assembler struct {
	target   types.ProductTarget
	identity types.IdentityLockState
}

// NewAssembler builds the context assembler for one run round.
func NewAssembler(target types.ProductTarget, identity types.IdentityLockState) *Assembler {
	return &Assembler{target: target, identity: identity}
}

// Build assembles the context for one field.
func (a *Assembler) Build(fc types.FieldContract, pack retrieval.PrimeSourcePack) FieldContext {
	return FieldContext{
		Target:   a.target,
		Contract: fc,
		Pack:     pack,
		Identity: a.identity,
		IntentID: intentFor(fc),
		Examples: examplesFor(fc),
	}
}

func intentFor(fc types.FieldContract) string {
	switch fc.ValueType {
	case types.ValueNumber:
		return "extract_number_with_unit"
	case types.ValueEnum:
		return "classify_into_enum"
	case types.ValueBool:
		return "extract_boolean"
	case types.ValueList:
		return "extract_value_list"
	default:
		return "extract_literal_value"
	}
}

func examplesFor(fc types.FieldContract) []IntentExample {
	switch fc.ValueType {
	case types.ValueNumber:
		return []IntentExample{
			{Snippet: "Weight: 54 g (without cable)", Value: "54 g"},
			{Snippet: "weighs approximately 54 grams", Value: "54 g"},
		}
	case types.ValueEnum:
		return []IntentExample{
			{Snippet: "Connectivity: Razer HyperSpeed Wireless / Wired", Value: "wireless / wired"},
		}
	default:
		return []IntentExample{
			{Snippet: "Sensor: Focus Pro 35K Optical Sensor Gen-2", Value: "Focus Pro 35K Gen-2"},
		}
	}
}
