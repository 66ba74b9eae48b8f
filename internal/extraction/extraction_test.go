package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/config"
	"spechound/internal/events"
	"spechound/internal/identity"
	"spechound/internal/index"
	"spechound/internal/retrieval"
	"spechound/internal/store"
	"spechound/internal/types"
)

// fakeResolver resolves any snippet ID registered in its set.
type fakeResolver struct {
	known map[string]bool
}

func (r *fakeResolver) ResolveSnippet(id string) (*store.Chunk, error) {
	if r.known[id] {
		return &store.Chunk{SnippetID: id}, nil
	}
	return nil, errors.New("no such snippet")
}

// fakeLLM replays a canned response and records the prompts it saw.
type fakeLLM struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, f.err
}

func mouseTarget() types.ProductTarget {
	return types.ProductTarget{
		ProductID: "p1",
		Brand:     "Razer",
		Model:     "Viper V3 Pro",
	}
}

func weightContract() types.FieldContract {
	return types.FieldContract{
		Key:            "weight",
		RequiredLevel:  types.LevelRequired,
		ValueType:      types.ValueNumber,
		Unit:           "g",
		EvidencePolicy: types.EvidencePolicy{MinRefs: 1, MinConfidence: 0.6},
	}
}

func packOf(snippets ...retrieval.PrimeSnippet) (retrieval.PrimeSourcePack, *fakeResolver) {
	known := make(map[string]bool)
	for _, s := range snippets {
		known[s.SnippetID] = true
	}
	return retrieval.PrimeSourcePack{FieldKey: "weight", Snippets: snippets, Complete: true},
		&fakeResolver{known: known}
}

func snippet(id, surface, quote string, tier types.SourceTier, id2 types.IdentityMatchLevel) retrieval.PrimeSnippet {
	return retrieval.PrimeSnippet{
		SnippetID:     id,
		Quote:         quote,
		Surface:       surface,
		SourceID:      "src-" + id,
		Host:          "example.com",
		Tier:          tier,
		IdentityMatch: id2,
	}
}

func buildContext(fc types.FieldContract, pack retrieval.PrimeSourcePack) FieldContext {
	a := NewAssembler(mouseTarget(), types.IdentityLockState{Status: types.IdentityLocked})
	return a.Build(fc, pack)
}

func TestSpecTableExtraction(t *testing.T) {
	t.Parallel()
	pack, resolver := packOf(
		snippet("s1", index.SurfaceTableRow, "Weight: 54 g", types.Tier1, types.IdentityLocked),
	)
	ex := NewExtractor(nil, nil, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 1)
	assert.Equal(t, "54 g", res.Units[0].CandidateValue)
	assert.Equal(t, types.MethodHTMLSpecTable, res.Units[0].Method)
	assert.Equal(t, "s1", res.Units[0].SnippetID)
	assert.True(t, res.Units[0].TargetMatchPassed)
}

func TestNormalizedFactRowWithoutKey(t *testing.T) {
	t.Parallel()
	// Fact-backed hits carry only the normalized value.
	pack, resolver := packOf(
		snippet("f1", index.SurfaceKV, "54 g", types.Tier1, types.IdentityLocked),
	)
	ex := NewExtractor(nil, nil, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 1)
	assert.Equal(t, "54 g", res.Units[0].CandidateValue)
	assert.Equal(t, types.MethodDeterministicNorm, res.Units[0].Method)
}

func TestEmbeddedJSONExtraction(t *testing.T) {
	t.Parallel()
	quote := `{"@type":"Product","name":"Razer Viper V3 Pro","weight":"54 g"}`
	pack, resolver := packOf(
		snippet("j1", index.SurfaceJSON, quote, types.Tier1, types.IdentityLocked),
	)
	ex := NewExtractor(nil, nil, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 1)
	assert.Equal(t, "54 g", res.Units[0].CandidateValue)
	assert.Equal(t, types.MethodEmbeddedJSON, res.Units[0].Method)
}

func TestProseNumberCapture(t *testing.T) {
	t.Parallel()
	pack, resolver := packOf(
		snippet("p1", index.SurfaceParagraph, "The Viper V3 Pro weighs approximately 54 grams without the cable.", types.Tier2, types.IdentityProvisional),
	)
	ex := NewExtractor(nil, nil, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 1)
	assert.Equal(t, "54 g", res.Units[0].CandidateValue)
	assert.Equal(t, types.MethodArticleText, res.Units[0].Method)
}

func TestLLMFallbackOnUnstructuredProse(t *testing.T) {
	t.Parallel()
	fc := types.FieldContract{
		Key:            "connection",
		RequiredLevel:  types.LevelRequired,
		ValueType:      types.ValueEnum,
		Enum:           []string{"wired", "wireless", "wireless / wired"},
		EvidencePolicy: types.EvidencePolicy{MinRefs: 1},
	}
	pack, resolver := packOf(
		snippet("c1", index.SurfaceParagraph, "It pairs over HyperSpeed wireless and also works wired over USB-C.", types.Tier2, types.IdentityProvisional),
	)
	pack.FieldKey = fc.Key
	llm := &fakeLLM{response: "```json\n[{\"snippet_id\":\"c1\",\"value\":\"wireless / wired\"}]\n```"}
	ex := NewExtractor(nil, llm, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(fc, pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 1)
	assert.Equal(t, "wireless / wired", res.Units[0].CandidateValue)
	assert.Equal(t, types.MethodLLMExtract, res.Units[0].Method)
	assert.Equal(t, "c1", res.Units[0].SnippetID)
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "Razer Viper V3 Pro")
	assert.Contains(t, llm.prompts[0], "c1")
}

func TestLLMCitationOutsidePackIsViolation(t *testing.T) {
	t.Parallel()
	fc := types.FieldContract{
		Key:            "sensor",
		RequiredLevel:  types.LevelRequired,
		ValueType:      types.ValueString,
		EvidencePolicy: types.EvidencePolicy{MinRefs: 1},
	}
	pack, resolver := packOf(
		snippet("x1", index.SurfaceParagraph, "The sensor tracks flawlessly on glass.", types.Tier2, types.IdentityProvisional),
	)
	pack.FieldKey = fc.Key
	llm := &fakeLLM{response: `[{"snippet_id":"forged","value":"Focus Pro 35K"}]`}
	ex := NewExtractor(nil, llm, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(fc, pack))
	require.NoError(t, err)
	require.NotNil(t, res.Violation)
	assert.Empty(t, res.Units)
	assert.Contains(t, res.Violation.Reason, "outside the pack")
}

func TestMalformedLLMOutputIsViolation(t *testing.T) {
	t.Parallel()
	fc := types.FieldContract{
		Key:            "sensor",
		ValueType:      types.ValueString,
		EvidencePolicy: types.EvidencePolicy{MinRefs: 1},
	}
	pack, resolver := packOf(
		snippet("x1", index.SurfaceParagraph, "Tracks flawlessly.", types.Tier2, types.IdentityProvisional),
	)
	pack.FieldKey = fc.Key
	llm := &fakeLLM{response: "I could not find the sensor name in the snippets provided."}
	ex := NewExtractor(nil, llm, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(fc, pack))
	require.NoError(t, err)
	require.NotNil(t, res.Violation)
	assert.Contains(t, res.Violation.Reason, "not a JSON unit array")
}

func TestUnknownWhenPackYieldsNothing(t *testing.T) {
	t.Parallel()
	pack, resolver := packOf(
		snippet("n1", index.SurfaceParagraph, "A long ramble about grip shape with no numbers.", types.Tier3, types.IdentityProvisional),
	)
	ex := NewExtractor(nil, nil, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 1)
	assert.True(t, res.Units[0].IsUnknown())
	assert.Equal(t, types.UnknownMissingEvidence, res.Units[0].UnknownReason)
}

func TestCandidateGateMarksUnvouchedSnippets(t *testing.T) {
	t.Parallel()
	gate := identity.New(config.DefaultIdentityConfig(), mouseTarget())
	pack, resolver := packOf(
		// Locked source vouches for a terse table row.
		snippet("g1", index.SurfaceTableRow, "Weight: 54 g", types.Tier1, types.IdentityLocked),
		// Unlocked source: candidate gate rejects regardless of content.
		snippet("g2", index.SurfaceTableRow, "Weight: 58 g", types.Tier4, types.IdentityUnlocked),
	)
	ex := NewExtractor(gate, nil, resolver, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.Nil(t, res.Violation)
	require.Len(t, res.Units, 2)

	byID := map[string]types.EvidenceUnit{}
	for _, u := range res.Units {
		byID[u.SnippetID] = u
	}
	assert.True(t, byID["g1"].TargetMatchPassed)
	assert.False(t, byID["g2"].TargetMatchPassed)
	assert.Equal(t, "source_not_matched", byID["g2"].RejectReason)
}

func TestValidateRejectsUnresolvableSnippet(t *testing.T) {
	t.Parallel()
	pack, _ := packOf(
		snippet("v1", index.SurfaceTableRow, "Weight: 54 g", types.Tier1, types.IdentityLocked),
	)
	// Resolver that knows nothing: the reference must fail closed.
	ex := NewExtractor(nil, nil, &fakeResolver{known: map[string]bool{}}, events.Nop{})

	res, err := ex.Extract(context.Background(), "run1", buildContext(weightContract(), pack))
	require.NoError(t, err)
	require.NotNil(t, res.Violation)
	assert.Contains(t, res.Violation.Reason, "does not resolve")
}

func TestValidateEnumContainment(t *testing.T) {
	t.Parallel()
	fc := types.FieldContract{
		Key:       "connection",
		ValueType: types.ValueEnum,
		Enum:      []string{"wired", "wireless"},
	}
	fctx := buildContext(fc, retrieval.PrimeSourcePack{
		FieldKey: fc.Key,
		Snippets: []retrieval.PrimeSnippet{snippet("e1", index.SurfaceKV, "Connection: bluetooth", types.Tier1, types.IdentityLocked)},
	})
	units := []types.EvidenceUnit{{
		FieldKey:       fc.Key,
		SnippetID:      "e1",
		CandidateValue: "bluetooth",
		Method:         types.MethodHTMLSpecTable,
	}}
	v := Validate(units, fctx, &fakeResolver{known: map[string]bool{"e1": true}})
	require.NotNil(t, v)
	assert.Contains(t, v.Reason, "outside enum")
}

func TestSanitizeModelJSON(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"Sure, here is the array:\n[{\"a\":1}]", `[{"a":1}]`},
		{"[{\"a\":1}]", `[{"a":1}]`},
		{"{\"a\":1} trailing", `{"a":1}`},
	}
	for i, c := range cases {
		assert.Equal(t, c.want, sanitizeModelJSON(c.in), fmt.Sprintf("case %d", i))
	}
}
