package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/events"
	"spechound/internal/store"
	"spechound/internal/types"
)

const specPage = `<!DOCTYPE html>
<html>
<head>
<title>Fujifilm X100VI Specifications</title>
<meta property="og:title" content="Fujifilm X100VI">
<script type="application/ld+json">{"@type":"Product","name":"X100VI","weight":"521 g"}</script>
<script>window.tracker = "ignored";</script>
</head>
<body>
<h2>Key Specifications</h2>
<p>The X100VI pairs a 40.2MP sensor with in-body stabilization.</p>
<table>
<tr><th>Sensor</th><td>X-Trans CMOS 5 HR, 40.2MP</td></tr>
<tr><th>Weight</th><td>521 g (including battery)</td></tr>
<tr><td>a</td><td>b</td><td>c</td></tr>
</table>
<ul><li>Built-in ND filter</li></ul>
</body>
</html>`

func TestParseHTMLSurfaces(t *testing.T) {
	t.Parallel()
	chunks, err := ParseHTML([]byte(specPage))
	require.NoError(t, err)

	bySurface := map[string][]RawChunk{}
	for _, c := range chunks {
		bySurface[c.Surface] = append(bySurface[c.Surface], c)
	}

	require.Len(t, bySurface[SurfaceTitle], 1)
	assert.Equal(t, "Fujifilm X100VI Specifications", bySurface[SurfaceTitle][0].Text)
	require.Len(t, bySurface[SurfaceHeading], 1)
	require.Len(t, bySurface[SurfaceParagraph], 1)
	require.Len(t, bySurface[SurfaceListItem], 1)
	require.Len(t, bySurface[SurfaceJSON], 1, "JSON-LD product block kept")
	require.Len(t, bySurface[SurfaceMeta], 1)

	rows := bySurface[SurfaceTableRow]
	require.Len(t, rows, 3)
	assert.Equal(t, "Sensor", rows[0].Key)
	assert.Equal(t, "X-Trans CMOS 5 HR, 40.2MP", rows[0].Value)
	assert.Empty(t, rows[2].Key, "three-cell rows carry no kv pair")
}

func TestParseHTMLSkipsScriptNoise(t *testing.T) {
	t.Parallel()
	chunks, err := ParseHTML([]byte(specPage))
	require.NoError(t, err)
	for _, c := range chunks {
		assert.NotContains(t, c.Text, "tracker")
	}
}

func TestParseTextKV(t *testing.T) {
	t.Parallel()
	chunks := ParseText([]byte("Sensor: Full frame CMOS\nBattery life: 530 shots\n\nA longer prose paragraph about the camera."))
	require.Len(t, chunks, 3)
	assert.Equal(t, SurfaceKV, chunks[0].Surface)
	assert.Equal(t, "Sensor", chunks[0].Key)
	assert.Equal(t, SurfaceText, chunks[2].Surface)
}

func TestSnippetIDPurity(t *testing.T) {
	t.Parallel()
	th := TextHash("weight 521 g")
	a := SnippetID("https://example.com/specs", 10, 22, th)
	b := SnippetID("https://example.com/specs", 10, 22, th)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, SnippetID("https://example.com/other", 10, 22, th))
	assert.NotEqual(t, a, SnippetID("https://example.com/specs", 11, 22, th))
	assert.NotEqual(t, a, SnippetID("https://example.com/specs", 10, 22, TextHash("other text")))
}

func TestNormalizeKeyAndUnitHint(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rawKey  string
		value   string
		wantKey string
		wantUnit string
	}{
		{"Sensor Size", "Full frame", "sensor_size", ""},
		{"Weight (incl. battery)", "521 g", "weight_incl_battery", "g"},
		{"Battery Life", "530 shots / 45 Wh", "battery_life", "Wh"},
		{"Max. Resolution", "40.2 MP", "max_resolution", "MP"},
		{"Dimensions", "128 x 75 x 55 mm", "dimensions", "mm"},
		{"Screen", "3.0 inch touchscreen", "screen", "in"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.wantKey, NormalizeKey(tc.rawKey), tc.rawKey)
		assert.Equal(t, tc.wantUnit, UnitHint(tc.value), tc.value)
	}
}

func openIndexer(t *testing.T) (*Indexer, *events.MemorySink) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	sink := events.NewMemorySink()
	return New(s.Evidence(), sink), sink
}

func htmlSource(id, url string, body string) types.Source {
	return types.Source{
		SourceID:      id,
		URL:           url,
		FinalURL:      url,
		Host:          "example.com",
		RootDomain:    "example.com",
		Tier:          types.Tier1,
		DocKind:       types.DocSpec,
		ContentType:   "text/html",
		Bytes:         len(body),
		FetchedAt:     time.Now().UTC(),
		FetchMode:     types.FetchHTTP,
		StatusCode:    200,
		IdentityMatch: types.IdentityLocked,
		Body:          []byte(body),
	}
}

func TestIndexNewThenDedupe(t *testing.T) {
	t.Parallel()
	ix, sink := openIndexer(t)

	src := htmlSource("s1", "https://example.com/specs", specPage)
	res, err := ix.Index("run1", src)
	require.NoError(t, err)
	assert.Equal(t, "indexed_new", res.Outcome)
	assert.Greater(t, res.Chunks, 5)
	assert.Greater(t, res.Facts, 1)

	// Same bytes again in a later run: dedupe hit, no re-parse.
	src2 := htmlSource("s2", "https://example.com/specs", specPage)
	res2, err := ix.Index("run2", src2)
	require.NoError(t, err)
	assert.Equal(t, "dedupe_hit", res2.Outcome)
	assert.Equal(t, "identical", res2.ReuseMode)
	assert.Equal(t, res.DocID, res2.DocID)

	emitted := sink.Named(events.EvidenceIndexResult)
	require.Len(t, emitted, 2)
	assert.Equal(t, "indexed_new", emitted[0].Payload["outcome"])
	assert.Equal(t, "dedupe_hit", emitted[1].Payload["outcome"])
}

func TestIndexFactsSearchable(t *testing.T) {
	t.Parallel()
	ix, _ := openIndexer(t)

	_, err := ix.Index("run1", htmlSource("s1", "https://example.com/specs", specPage))
	require.NoError(t, err)

	hits, err := ix.SearchFacts("weight", store.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "weight", hits[0].NormalizedKey)
	assert.Equal(t, "g", hits[0].UnitHint)

	// Every fact hit resolves back to a stored chunk.
	for _, h := range hits {
		c, err := ix.ResolveSnippet(h.SnippetID)
		require.NoError(t, err)
		require.NotNil(t, c, "fact snippet %s must resolve", h.SnippetID)
	}
}

func TestIndexChunkSearchTierFilter(t *testing.T) {
	t.Parallel()
	ix, _ := openIndexer(t)

	_, err := ix.Index("run1", htmlSource("s1", "https://example.com/specs", specPage))
	require.NoError(t, err)

	forum := htmlSource("s2", "https://forum.example.org/t/1",
		`<html><body><p>My X100VI sensor seems great in low light.</p></body></html>`)
	forum.Host = "forum.example.org"
	forum.Tier = types.Tier4
	forum.IdentityMatch = types.IdentityUnlocked
	_, err = ix.Index("run1", forum)
	require.NoError(t, err)

	all, err := ix.SearchChunks("sensor", store.SearchFilters{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	tier1, err := ix.SearchChunks("sensor", store.SearchFilters{Tiers: []types.SourceTier{types.Tier1}})
	require.NoError(t, err)
	require.NotEmpty(t, tier1)
	for _, h := range tier1 {
		assert.Equal(t, types.Tier1, h.Tier)
	}
}

func TestParseTextLineOffsetsDoNotOverlap(t *testing.T) {
	t.Parallel()
	chunks := ParseText([]byte("Sensor: Full frame CMOS\nBattery life: 530 shots"))
	require.Len(t, chunks, 2)
	assert.Equal(t, "Battery life", chunks[1].Key)
	assert.Greater(t, chunks[1].Start, chunks[0].End, "each line owns its own offsets")
}
