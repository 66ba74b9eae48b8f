package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/config"
	"spechound/internal/events"
	"spechound/internal/types"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.response, f.err
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, prompt string) (string, error) {
	return f.Complete(ctx, prompt)
}

func viperTarget() types.ProductTarget {
	return types.ProductTarget{
		ProductID: "p1",
		Category:  "mouse",
		Brand:     "Razer",
		Model:     "Viper V3 Pro",
	}
}

func mouseContract() types.CategoryContract {
	return types.CategoryContract{
		Category: "mouse",
		Fields: []types.FieldContract{
			{Key: "polling_rate", ValueType: types.ValueNumber, Unit: "Hz",
				EvidencePolicy: types.EvidencePolicy{MinRefs: 2, RequireTierOne: true},
				PreferredDocs:  []types.DocKind{types.DocSpec}},
			{Key: "weight", ValueType: types.ValueNumber, Unit: "g",
				EvidencePolicy: types.EvidencePolicy{MinRefs: 1}},
		},
	}
}

func testPlanner(t *testing.T, llm types.LLMClient) *Planner {
	t.Helper()
	table, err := LoadStrategyTable("")
	require.NoError(t, err)
	return NewPlanner(config.DefaultDiscoveryConfig(), llm, table, events.Nop{})
}

func TestAliasesAreDeterministicAndCapped(t *testing.T) {
	t.Parallel()
	p := testPlanner(t, nil)

	a1 := p.Aliases(viperTarget())
	a2 := p.Aliases(viperTarget())
	assert.Equal(t, a1, a2)
	assert.LessOrEqual(t, len(a1), 12)
	assert.Equal(t, "Razer Viper V3 Pro", a1[0])
	assert.Contains(t, a1, "Razer-Viper-V3-Pro")
}

func TestBootstrapQueriesTargetEveryField(t *testing.T) {
	t.Parallel()
	p := testPlanner(t, nil)

	profile, err := p.Profile(context.Background(), "run1", viperTarget(), mouseContract(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, profile.Queries)
	for _, q := range profile.Queries {
		assert.NotEmpty(t, q.TargetFields, "query %q must target fields", q.Query)
		assert.NotEmpty(t, q.DocHint)
	}
	assert.Equal(t, HintSpecPDF, profile.Queries[0].DocHint)
}

func TestDeficitQueriesFollowNeedSet(t *testing.T) {
	t.Parallel()
	p := testPlanner(t, nil)

	needs := []types.NeedRow{
		{FieldKey: "polling_rate", NeedScore: 24, Reasons: []types.NeedReason{types.ReasonMissing, types.ReasonTierDeficit}},
		{FieldKey: "weight", NeedScore: 6, Reasons: []types.NeedReason{types.ReasonMissing}},
	}
	profile, err := p.Profile(context.Background(), "run1", viperTarget(), mouseContract(), needs)
	require.NoError(t, err)
	require.Len(t, profile.Queries, 2)

	assert.Equal(t, []string{"polling_rate"}, profile.Queries[0].TargetFields)
	assert.Equal(t, HintSpecPDF, profile.Queries[0].DocHint, "tier deficit chases primary docs")
	assert.Contains(t, profile.Queries[0].Query, "polling rate")
	assert.Equal(t, HintLabReview, profile.Queries[1].DocHint)
}

func TestLLMExpansionValidated(t *testing.T) {
	t.Parallel()
	llm := &fakeLLM{response: `Razer Viper V3 Pro sensor datasheet
viper pro specs without brand
Razer Viper Pro teardown
Razer Viper V3 Pro polling rate hz`}
	p := testPlanner(t, llm)

	needs := []types.NeedRow{
		{FieldKey: "polling_rate", Reasons: []types.NeedReason{types.ReasonTierDeficit}},
	}
	profile, err := p.Profile(context.Background(), "run1", viperTarget(), mouseContract(), needs)
	require.NoError(t, err)
	require.Equal(t, 1, llm.calls)

	var expanded []string
	for _, q := range profile.Queries[1:] {
		expanded = append(expanded, q.Query)
	}
	assert.Contains(t, expanded, "Razer Viper V3 Pro sensor datasheet")
	assert.NotContains(t, expanded, "viper pro specs without brand", "brand token required")
	assert.NotContains(t, expanded, "Razer Viper Pro teardown", "digit group 3 must be preserved")
}

func TestValidateExpansionCapsAndDedupes(t *testing.T) {
	t.Parallel()
	proposals := []string{
		"Razer Viper V3 Pro a", "razer viper v3 pro A", "Razer Viper V3 Pro b",
		"Razer Viper V3 Pro c", "Razer Viper V3 Pro d", "Razer Viper V3 Pro e",
		"Razer Viper V3 Pro f", "Razer Viper V3 Pro g",
	}
	out := ValidateExpansion(viperTarget(), proposals)
	assert.Len(t, out, 6)
	assert.Equal(t, "Razer Viper V3 Pro a", out[0])
}

func writeStrategyTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.yaml")
	data := []byte(`hosts:
  razer.com: {tier: 1, doc_kind: spec, fetch_mode: browser}
  rtings.com: {tier: 2, doc_kind: review, fetch_mode: http}
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestStrategyLookupWalksParentDomains(t *testing.T) {
	t.Parallel()
	table, err := LoadStrategyTable(writeStrategyTable(t))
	require.NoError(t, err)

	s, ok := table.Lookup("support.razer.com")
	require.True(t, ok)
	assert.Equal(t, types.Tier1, s.Tier)
	assert.Equal(t, types.FetchBrowser, s.FetchMode)

	_, ok = table.Lookup("unknown.example.com")
	assert.False(t, ok)
}

func TestSafetyGateBlocks(t *testing.T) {
	t.Parallel()
	table, err := LoadStrategyTable("")
	require.NoError(t, err)

	assert.False(t, table.ClassifyHost("free-keygen.example.net"))
	assert.True(t, table.Blocked("free-keygen.example.net"))
	assert.True(t, table.ClassifyHost("rtings.com"))
	assert.False(t, table.Blocked("rtings.com"))
}

func TestTriageOrdering(t *testing.T) {
	t.Parallel()
	table, err := LoadStrategyTable(writeStrategyTable(t))
	require.NoError(t, err)
	p := NewPlanner(config.DefaultDiscoveryConfig(), nil, table, events.Nop{})

	cands := []Candidate{
		{URL: "https://forum.example.net/t/viper", Title: "is the viper worth it"},
		{URL: "https://www.razer.com/gaming-mice/razer-viper-v3-pro", Title: "Razer Viper V3 Pro"},
		{URL: "https://www.facebook.com/razer", Title: "Razer Viper V3 Pro"},
		{URL: "https://cdn.razer.com/manuals/viper-v3-pro.pdf", Title: "Viper V3 Pro Manual"},
		{URL: "https://www.rtings.com/mouse/reviews/razer/viper-v3-pro", Title: "Razer Viper V3 Pro Review"},
	}
	out := p.Triage(context.Background(), viperTarget(), cands)
	require.NotEmpty(t, out)

	for _, sc := range out {
		assert.NotContains(t, sc.Host, "facebook", "blocked domain must not pass triage")
	}
	// Manufacturer PDF manual outranks the product page on the PDF bonus.
	assert.Equal(t, "cdn.razer.com", out[0].Host)
	assert.Equal(t, types.Tier1, out[0].Tier)
	assert.Contains(t, out[0].Reasons, "tier1_host")
	assert.Contains(t, out[0].Reasons, "pdf_bonus")
	assert.Equal(t, "www.razer.com", out[1].Host)
}

func TestTriagePDFBonusAndDuplicatePenalty(t *testing.T) {
	t.Parallel()
	table, err := LoadStrategyTable(writeStrategyTable(t))
	require.NoError(t, err)
	p := NewPlanner(config.DefaultDiscoveryConfig(), nil, table, events.Nop{})

	cands := []Candidate{
		{URL: "https://razer.com/a/razer-viper-v3-pro", Title: "Razer Viper V3 Pro"},
		{URL: "https://razer.com/b/razer-viper-v3-pro.pdf", Title: "Razer Viper V3 Pro"},
	}
	out := p.Triage(context.Background(), viperTarget(), cands)
	require.Len(t, out, 2)
	// Same host: second listing pays the duplicate penalty but earns the
	// PDF bonus, netting ahead.
	assert.Equal(t, "https://razer.com/b/razer-viper-v3-pro.pdf", out[0].URL)
}

func TestRerankInvalidOutputKeepsOrder(t *testing.T) {
	t.Parallel()
	table, err := LoadStrategyTable(writeStrategyTable(t))
	require.NoError(t, err)
	cfg := config.DefaultDiscoveryConfig()
	cfg.EnableLLMRerank = true
	p := NewPlanner(cfg, &fakeLLM{response: "sorry, I cannot rank these"}, table, events.Nop{})

	cands := []Candidate{
		{URL: "https://www.razer.com/gaming-mice/razer-viper-v3-pro", Title: "Razer Viper V3 Pro"},
		{URL: "https://www.rtings.com/mouse/reviews/razer/viper-v3-pro", Title: "Razer Viper V3 Pro Review"},
	}
	out := p.Triage(context.Background(), viperTarget(), cands)
	require.Len(t, out, 2)
	assert.Equal(t, "www.razer.com", out[0].Host)
}

func TestEscalationQueriesCarryKnownContext(t *testing.T) {
	t.Parallel()
	p := testPlanner(t, nil)

	rows := p.Escalate(viperTarget(),
		map[string]string{"sensor": "Focus Pro 35K"},
		[]string{"polling_rate", "battery_life"})
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"polling_rate"}, rows[0].TargetFields)
	assert.Contains(t, rows[0].Query, `"polling rate"`)
	assert.Contains(t, rows[0].Query, `"Focus Pro 35K"`)
	assert.Equal(t, HintSpecPDF, rows[0].DocHint)
	assert.Equal(t, HintSupport, rows[1].DocHint)
}
