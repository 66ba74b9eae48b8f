package convergence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/config"
	"spechound/internal/consensus"
	"spechound/internal/discovery"
	"spechound/internal/events"
	"spechound/internal/extraction"
	"spechound/internal/fetch"
	"spechound/internal/frontier"
	"spechound/internal/identity"
	"spechound/internal/index"
	"spechound/internal/learning"
	"spechound/internal/retrieval"
	"spechound/internal/store"
	"spechound/internal/types"
)

const specPage = `<!DOCTYPE html>
<html><head><title>Razer Viper V3 Pro Wireless Gaming Mouse</title></head>
<body>
<h1>Razer Viper V3 Pro</h1>
<p>The Viper V3 Pro is the esports flagship. Full technical details below,
including physical measurements taken from the product datasheet.</p>
<table>
<tr><td>Weight</td><td>54 g</td></tr>
<tr><td>Sensor</td><td>Focus Pro 35K Optical</td></tr>
</table>
<p>Availability and regional pricing vary; see the store page for your
market. The device ships with a USB-C charging cable in the box.</p>
</body></html>`

const offTargetPage = `<!DOCTYPE html>
<html><head><title>Logitech G Pro X Superlight Review</title></head>
<body>
<h1>Logitech G Pro X Superlight</h1>
<p>A long-term review of a completely different wireless mouse, with
plenty of prose so the page clears the fetch quality floor without any
mention of the product under test anywhere in its markup.</p>
<table><tr><td>Weight</td><td>63 g</td></tr></table>
</body></html>`

const noValuePage = `<!DOCTYPE html>
<html><head><title>Razer Viper V3 Pro Announced</title></head>
<body>
<h1>Razer Viper V3 Pro</h1>
<p>Razer today announced the Viper V3 Pro. The company shared no
technical details yet; specifications will follow closer to launch.
This page exists to pad the body well past the minimum size a fetch
needs to count as usable content for downstream parsing.</p>
</body></html>`

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]discovery.Candidate // keyed by substring; "" matches all
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]discovery.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.results[""], nil
}

func (f *fakeSearcher) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.queries))
	copy(out, f.queries)
	return out
}

func viperJob() types.ProductJob {
	return types.ProductJob{
		Category: "mouse",
		Target: types.ProductTarget{
			ProductID: "razer-viper-v3-pro",
			Category:  "mouse",
			Brand:     "Razer",
			Model:     "Viper V3 Pro",
		},
	}
}

func mouseContract() types.CategoryContract {
	return types.CategoryContract{
		Category: "mouse",
		Fields: []types.FieldContract{{
			Key:           "weight",
			RequiredLevel: types.LevelRequired,
			ValueType:     types.ValueNumber,
			Unit:          "g",
			EvidencePolicy: types.EvidencePolicy{
				MinRefs:       1,
				MinConfidence: 0.4,
			},
		}},
	}
}

type harness struct {
	ctrl      *Controller
	searcher  *fakeSearcher
	sink      *events.MemorySink
	serverURL string
	runsDir   string
}

// newHarness builds a full in-process stack: in-memory store, local
// HTTP server for pages, a fake SERP provider, no LLM.
func newHarness(t *testing.T, job types.ProductJob, pages map[string]string, tune func(*Settings, *Deps)) *harness {
	t.Helper()

	mux := http.NewServeMux()
	for path, body := range pages {
		page := body
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(page))
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	stratPath := filepath.Join(t.TempDir(), "strategy.yaml")
	require.NoError(t, os.WriteFile(stratPath, []byte(
		"hosts:\n  \"127.0.0.1\":\n    tier: 1\n    doc_kind: spec\n    fetch_mode: http\n"), 0644))
	strat, err := discovery.LoadStrategyTable(stratPath)
	require.NoError(t, err)

	sink := events.NewMemorySink()
	searcher := &fakeSearcher{results: map[string][]discovery.Candidate{}}

	ix := index.New(st.Evidence(), sink)
	gate := identity.New(config.DefaultIdentityConfig(), job.Target)

	lanes := fetch.NewLanes(config.DefaultLanesConfig())
	sched := fetch.NewScheduler(fetch.Options{
		Lanes:        lanes,
		HTTP:         fetch.NewHTTPClient(5*time.Second, "spechound-test", 0),
		Frontier:     frontier.New(st.Frontier(), frontier.DefaultConfig()),
		Sink:         sink,
		PerRunURLCap: 50,
	})

	settings := Settings{
		Convergence: config.ConvergenceConfig{
			MaxRounds:         3,
			NoProgressEpsilon: 0.01,
			ExtractorRetries:  1,
		},
		Consensus: config.DefaultConsensusConfig(),
	}
	deps := Deps{
		Planner:   discovery.NewPlanner(config.DefaultDiscoveryConfig(), nil, strat, sink),
		Strategy:  strat,
		Searcher:  searcher,
		Fetcher:   sched,
		Indexer:   ix,
		Gate:      gate,
		Retriever: retrieval.New(ix, sink),
		Extractor: extraction.NewExtractor(gate, nil, ix, sink),
		Engine:    consensus.New(config.DefaultConsensusConfig()),
		Sink:      sink,
	}
	if tune != nil {
		tune(&settings, &deps)
	}

	h := &harness{
		ctrl:     NewController(deps, settings),
		searcher: searcher,
		sink:     sink,
		runsDir:  deps.RunsDir,
	}
	h.ctrl.now = func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) }
	h.serverURL = srv.URL
	return h
}

func TestRunConvergesOnSeedURL(t *testing.T) {
	job := viperJob()
	runsDir := t.TempDir()
	h := newHarness(t, job, map[string]string{"/specs": specPage}, func(s *Settings, d *Deps) {
		d.RunsDir = runsDir
	})
	job.Target.SeedURLs = []string{h.serverURL + "/specs"}

	summary, err := h.ctrl.Run(context.Background(), job, mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopComplete, summary.StopReason)
	assert.Equal(t, 1, summary.Rounds)
	assert.True(t, summary.Publishable, "locked identity opens the publish gate")

	weight := summary.Fields["weight"]
	assert.Equal(t, types.FieldAccepted, weight.Status)
	assert.Equal(t, "54 g", weight.Value)
	assert.Equal(t, types.Tier1, weight.BestTierSeen)
	assert.Equal(t, types.IdentityLocked, summary.Identity.Status)

	require.Len(t, h.sink.Named(events.RunStarted), 1)
	require.Len(t, h.sink.Named(events.RunCompleted), 1)
	assert.NotEmpty(t, h.sink.Named(events.SourceProcessed))

	for _, name := range []string{"run.json", "summary.json", "events.ndjson", "search_profile.json"} {
		_, err := os.Stat(filepath.Join(runsDir, summary.RunID, name))
		assert.NoError(t, err, name)
	}
}

func TestEscalationExhaustedAfterQueryDedup(t *testing.T) {
	h := newHarness(t, viperJob(), nil, nil)

	summary, err := h.ctrl.Run(context.Background(), viperJob(), mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopEscalationExhausted, summary.StopReason)
	assert.Equal(t, 3, summary.Rounds, "bootstrap, one targeted round, one escalation round")

	seen := make(map[string]int)
	escalated := 0
	for _, q := range h.searcher.seen() {
		seen[q]++
		if strings.Contains(q, `"weight"`) {
			escalated++
		}
	}
	for q, n := range seen {
		assert.Equal(t, 1, n, "query dispatched twice: %s", q)
	}
	assert.Equal(t, 1, escalated, "missing field re-queried in quoted form before giving up")
}

func TestIdentityGateStuckFastFails(t *testing.T) {
	h := newHarness(t, viperJob(), map[string]string{"/review": offTargetPage}, func(s *Settings, d *Deps) {
		s.Convergence.IdentityFastFailRounds = 1
	})
	h.searcher.results[""] = []discovery.Candidate{
		{URL: h.serverURL + "/review", Title: "Gaming mouse review"},
	}

	summary, err := h.ctrl.Run(context.Background(), viperJob(), mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopIdentityGateStuck, summary.StopReason)
	assert.False(t, summary.Publishable)
	for key, st := range summary.Fields {
		assert.NotEqual(t, types.FieldAccepted, st.Status, key)
	}
}

func TestClosedExtractionGateHoldsRetrieval(t *testing.T) {
	h := newHarness(t, viperJob(), map[string]string{"/review": offTargetPage}, func(s *Settings, d *Deps) {
		s.FamilyModelCount = 5 // hard family: unlocked identity must not extract
		s.Convergence.IdentityFastFailRounds = 1
	})
	h.searcher.results[""] = []discovery.Candidate{
		{URL: h.serverURL + "/review", Title: "Gaming mouse review"},
	}

	summary, err := h.ctrl.Run(context.Background(), viperJob(), mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopIdentityGateStuck, summary.StopReason)
	assert.False(t, summary.Identity.ExtractionGateOpen)
	assert.Empty(t, h.sink.Named(events.PrimeSourcesBuilt),
		"no prime source packs while attribution is unresolved")
	for key, st := range summary.Fields {
		assert.NotEqual(t, types.FieldAccepted, st.Status, key)
	}
}

func TestBudgetExhaustedMidRound(t *testing.T) {
	job := viperJob()
	h := newHarness(t, job, map[string]string{
		"/a": noValuePage,
		"/b": noValuePage,
	}, func(s *Settings, d *Deps) {
		d.Fetcher = fetch.NewScheduler(fetch.Options{
			Lanes:        fetch.NewLanes(config.DefaultLanesConfig()),
			HTTP:         fetch.NewHTTPClient(5*time.Second, "spechound-test", 0),
			Sink:         d.Sink,
			PerRunURLCap: 1,
		})
	})
	job.Target.SeedURLs = []string{h.serverURL + "/a", h.serverURL + "/b"}

	summary, err := h.ctrl.Run(context.Background(), job, mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopBudgetExhausted, summary.StopReason)
	assert.Equal(t, 1, summary.TotalFetched)
}

func TestCancelStopsBeforeAnyRound(t *testing.T) {
	h := newHarness(t, viperJob(), nil, nil)
	h.ctrl.Cancel()

	summary, err := h.ctrl.Run(context.Background(), viperJob(), mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopCancelled, summary.StopReason)
	assert.Zero(t, summary.Rounds)
}

func TestOverrideWinsOverHarvest(t *testing.T) {
	h := newHarness(t, viperJob(), nil, nil)
	h.ctrl.ApplyOverride("weight", "54 g", "verified on a lab scale")

	summary, err := h.ctrl.Run(context.Background(), viperJob(), mouseContract())
	require.NoError(t, err)

	assert.Equal(t, types.StopComplete, summary.StopReason)
	weight := summary.Fields["weight"]
	assert.Equal(t, types.FieldAccepted, weight.Status)
	assert.Equal(t, "54 g", weight.Value)
	assert.Equal(t, 1.0, weight.Confidence)
	assert.False(t, summary.Publishable, "identity never locked")
}

func TestEventSequenceIsDeterministic(t *testing.T) {
	names := func() []string {
		job := viperJob()
		h := newHarness(t, job, map[string]string{"/specs": specPage}, nil)
		job.Target.SeedURLs = []string{h.serverURL + "/specs"}

		_, err := h.ctrl.Run(context.Background(), job, mouseContract())
		require.NoError(t, err)

		var out []string
		for _, ev := range h.sink.Events() {
			out = append(out, ev.Name)
		}
		return out
	}

	first := names()
	second := names()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("event sequence differs between identical runs:\n%s", diff)
	}
}

func TestCommitLearningStagesAllStores(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	learner := learning.NewCommitter(st.Learning(), config.DefaultLearningConfig())

	ctrl := NewController(Deps{Learner: learner}, Settings{})
	job := viperJob()
	contract := types.CategoryContract{
		Category: "mouse",
		Fields: []types.FieldContract{{
			Key:            "sensor",
			RequiredLevel:  types.LevelRequired,
			ValueType:      types.ValueString,
			EvidencePolicy: types.EvidencePolicy{MinRefs: 1, MinConfidence: 0.4},
		}},
	}
	r := &run{
		job:      job,
		contract: contract,
		states: map[string]types.FieldState{"sensor": {
			FieldKey:        "sensor",
			Status:          types.FieldAccepted,
			Value:           "Focus Pro 35K Optical",
			Confidence:      0.9,
			Refs:            []string{"sn-1"},
			RefSources:      []string{"src-1"},
			DistinctSources: 1,
			BestTierSeen:    types.Tier1,
		}},
		lastPacks: map[string]retrieval.PrimeSourcePack{"sensor": {
			FieldKey: "sensor",
			Snippets: []retrieval.PrimeSnippet{
				{SnippetID: "sn-1", Quote: "Sensor: Focus Pro 35K Optical",
					Surface: index.SurfaceKV, SourceID: "src-1", Host: "www.razer.com"},
				{SnippetID: "sn-2", Quote: "Technical Specifications",
					Surface: index.SurfaceHeading, SourceID: "src-1", Host: "www.razer.com"},
			},
		}},
		sources: map[string]types.Source{"src-1": {
			SourceID: "src-1",
			URL:      "https://www.razer.com/viper-v3-pro",
			FinalURL: "https://www.razer.com/gaming-mice/razer-viper-v3-pro",
			DocKind:  types.DocSpec,
			Tier:     types.Tier1,
		}},
	}

	require.NoError(t, ctrl.commitLearning(r))

	hints, err := learner.HintsFor("mouse", "sensor")
	require.NoError(t, err)
	assert.Contains(t, hints.LexiconTokens, "focus pro 35k optical")
	assert.Contains(t, hints.Anchors, "technical specifications")
	assert.InDelta(t, 1.0, hints.HostYield["www.razer.com"], 0.001)

	seeds, err := learner.SeedURLs(job.Target.IdentityFingerprint(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://www.razer.com/gaming-mice/razer-viper-v3-pro"}, seeds)

	// A later run for the same product bootstraps from what was learned.
	next := &run{job: viperJob()}
	assert.Contains(t, ctrl.bootstrapURLs(next),
		"https://www.razer.com/gaming-mice/razer-viper-v3-pro")
}

func TestLexiconPhrasesSkipNumericValues(t *testing.T) {
	t.Parallel()

	stringField := types.FieldContract{Key: "sensor", ValueType: types.ValueString}
	assert.Equal(t, []string{"Focus Pro 35K Optical"},
		lexiconPhrases(stringField, "Focus Pro 35K Optical"))

	enumField := types.FieldContract{Key: "connection", ValueType: types.ValueEnum}
	assert.Equal(t, []string{"wireless", "wired"},
		lexiconPhrases(enumField, "wireless / wired"))

	numberField := types.FieldContract{Key: "weight", ValueType: types.ValueNumber}
	assert.Nil(t, lexiconPhrases(numberField, "54 g"))

	assert.Nil(t, lexiconPhrases(stringField, "12.5, 200"))
}
