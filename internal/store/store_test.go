package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/types"
)

func openTestStore(t *testing.T) *Local {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigratesAllPartitions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for _, table := range []string{
		"sources", "documents", "run_documents", "chunks", "facts",
		"frontier_urls", "dead_patterns", "host_health",
		"queue_jobs", "queue_actions", "domain_backoff",
		"learning_lexicon", "learning_anchors", "learning_url_memory",
		"learning_domain_yield", "learning_suggestions",
	} {
		var name string
		err := s.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, "missing table %s", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	require.NoError(t, s.migrate())
}

func testSource(id string, tier types.SourceTier) types.Source {
	return types.Source{
		SourceID:      id,
		URL:           "https://example.com/" + id,
		FinalURL:      "https://example.com/" + id,
		Host:          "example.com",
		RootDomain:    "example.com",
		Tier:          tier,
		DocKind:       types.DocSpec,
		ContentType:   "text/html",
		ContentHash:   "hash-" + id,
		Bytes:         1024,
		FetchedAt:     time.Now().UTC(),
		FetchMode:     types.FetchHTTP,
		StatusCode:    200,
		IdentityMatch: types.IdentityLocked,
	}
}

func TestEvidenceDocumentDedupe(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ev := s.Evidence()

	require.NoError(t, ev.InsertSource(testSource("s1", types.Tier1)))

	doc := Document{
		DocID:          "d1",
		SourceID:       "s1",
		ContentHash:    "abc123",
		ParserVersion:  "p1",
		ChunkerVersion: "c1",
		ParsedOK:       true,
		IndexedAt:      time.Now().UTC(),
	}
	require.NoError(t, ev.InsertDocument(doc, nil, nil))

	found, err := ev.FindDocument("abc123", "p1", "c1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "d1", found.DocID)

	// Different chunker version is a different indexing identity.
	found, err = ev.FindDocument("abc123", "p1", "c2")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestEvidenceFTSSearchWithFilters(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ev := s.Evidence()

	require.NoError(t, ev.InsertSource(testSource("s1", types.Tier1)))
	tier3 := testSource("s2", types.Tier3)
	tier3.IdentityMatch = types.IdentityUnlocked
	require.NoError(t, ev.InsertSource(tier3))

	now := time.Now().UTC()
	require.NoError(t, ev.InsertDocument(
		Document{DocID: "d1", SourceID: "s1", ContentHash: "h1", ParserVersion: "p1", ChunkerVersion: "c1", ParsedOK: true, IndexedAt: now},
		[]Chunk{{SnippetID: "sn1", DocID: "d1", Surface: "table", Text: "sensor size full frame 35mm", StartOffset: 0, EndOffset: 27, TextHash: "t1"}},
		[]Fact{{FactID: "f1", DocID: "d1", NormalizedKey: "sensor_size", NormalizedValue: "full frame", SnippetID: "sn1"}},
	))
	require.NoError(t, ev.InsertDocument(
		Document{DocID: "d2", SourceID: "s2", ContentHash: "h2", ParserVersion: "p1", ChunkerVersion: "c1", ParsedOK: true, IndexedAt: now},
		[]Chunk{{SnippetID: "sn2", DocID: "d2", Surface: "prose", Text: "the sensor is apparently full frame", StartOffset: 0, EndOffset: 35, TextHash: "t2"}},
		nil,
	))

	hits, err := ev.SearchChunksFTS("sensor", SearchFilters{})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = ev.SearchChunksFTS("sensor", SearchFilters{Tiers: []types.SourceTier{types.Tier1}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sn1", hits[0].SnippetID)

	hits, err = ev.SearchChunksFTS("sensor", SearchFilters{IdentityMin: types.IdentityProvisional})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sn1", hits[0].SnippetID)

	factHits, err := ev.SearchFactsFTS("sensor_size", SearchFilters{})
	require.NoError(t, err)
	require.Len(t, factHits, 1)
	assert.Equal(t, "sensor_size", factHits[0].NormalizedKey)
	assert.Equal(t, "full frame", factHits[0].Text)
}

func TestResolveSnippet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ev := s.Evidence()

	require.NoError(t, ev.InsertSource(testSource("s1", types.Tier2)))
	require.NoError(t, ev.InsertDocument(
		Document{DocID: "d1", SourceID: "s1", ContentHash: "h1", ParserVersion: "p1", ChunkerVersion: "c1", ParsedOK: true, IndexedAt: time.Now().UTC()},
		[]Chunk{{SnippetID: "sn1", DocID: "d1", Surface: "table", Text: "weight 500g", StartOffset: 10, EndOffset: 21, TextHash: "t1"}},
		nil,
	))

	c, err := ev.ResolveSnippet("sn1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 10, c.StartOffset)

	c, err = ev.ResolveSnippet("nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRunDocumentLink(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ev := s.Evidence()

	require.NoError(t, ev.LinkRunDocument("run1", "d1", "new"))
	require.NoError(t, ev.LinkRunDocument("run1", "d1", "identical"))

	var mode string
	err := s.db.QueryRow(
		`SELECT reuse_mode FROM run_documents WHERE run_id='run1' AND doc_id='d1'`).Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "identical", mode)
}

func TestQueueEnqueueDedupe(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	q := s.Queue()
	now := time.Now().UTC()

	job := Job{JobID: "j1", Type: "repair_query", DedupeKey: "cat:field:q", Priority: 5, Payload: "{}", NextRunAt: now, CreatedAt: now}
	inserted, err := q.Enqueue(job)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := job
	dup.JobID = "j2"
	inserted, err = q.Enqueue(dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := q.JobByDedupeKey("cat:field:q")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "j1", got.JobID)
}

func TestQueueDequeueAndTransition(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	q := s.Queue()
	now := time.Now().UTC()

	_, err := q.Enqueue(Job{JobID: "low", Type: "t", DedupeKey: "k1", Priority: 1, Payload: "{}", NextRunAt: now.Add(-time.Minute), CreatedAt: now})
	require.NoError(t, err)
	_, err = q.Enqueue(Job{JobID: "high", Type: "t", DedupeKey: "k2", Priority: 9, Payload: "{}", NextRunAt: now.Add(-time.Minute), CreatedAt: now})
	require.NoError(t, err)
	_, err = q.Enqueue(Job{JobID: "future", Type: "t", DedupeKey: "k3", Priority: 10, Payload: "{}", NextRunAt: now.Add(time.Hour), CreatedAt: now})
	require.NoError(t, err)

	j, err := q.DequeueDue(now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "high", j.JobID)
	assert.Equal(t, "running", j.Status)
	assert.Equal(t, 1, j.Attempts)

	require.NoError(t, q.Transition("high", "done", "worker", "", time.Time{}))

	acts, err := q.Actions("high")
	require.NoError(t, err)
	require.Len(t, acts, 3) // enqueue, dequeue, done
	assert.Equal(t, "done", acts[2].ToStatus)

	j, err = q.DequeueDue(now)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "low", j.JobID)

	j, err = q.DequeueDue(now)
	require.NoError(t, err)
	assert.Nil(t, j, "future job must not be due")
}

func TestDomainBackoff(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	q := s.Queue()

	until, strikes, err := q.DomainBackoff("example.com")
	require.NoError(t, err)
	assert.True(t, until.IsZero())
	assert.Zero(t, strikes)

	deadline := time.Now().UTC().Add(time.Hour)
	require.NoError(t, q.StrikeDomain("example.com", deadline))
	require.NoError(t, q.StrikeDomain("example.com", deadline.Add(time.Hour)))

	until, strikes, err = q.DomainBackoff("example.com")
	require.NoError(t, err)
	assert.False(t, until.IsZero())
	assert.Equal(t, 2, strikes)
}

func TestFrontierURLLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	fr := s.Frontier()

	rec, err := fr.GetURL("https://example.com/specs")
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now().UTC()
	require.NoError(t, fr.UpsertURL(URLRecord{
		URL:           "https://example.com/specs",
		Domain:        "example.com",
		PathSignature: "/specs",
		FailCount:     1,
		LastStatus:    503,
		LastOutcome:   "fetch_denied",
		LastOutcomeAt: now,
		CooldownUntil: now.Add(2 * time.Minute),
	}))

	rec, err = fr.GetURL("https://example.com/specs")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.FailCount)
	assert.False(t, rec.CooldownUntil.IsZero())
}

func TestDeadPatternThreshold(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	fr := s.Frontier()
	now := time.Now().UTC()

	dead, err := fr.IsDeadPattern("example.com", "/search/{q}", 3)
	require.NoError(t, err)
	assert.False(t, dead)

	for i := 0; i < 3; i++ {
		_, err := fr.RecordDeadPattern("example.com", "/search/{q}", now)
		require.NoError(t, err)
	}

	dead, err = fr.IsDeadPattern("example.com", "/search/{q}", 3)
	require.NoError(t, err)
	assert.True(t, dead)
}

func TestLearningLexiconDecay(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ls := s.Learning()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -200)

	require.NoError(t, ls.BumpLexicon("cameras", "sensor_size", "imaging area", old))
	require.NoError(t, ls.BumpLexicon("cameras", "sensor_size", "sensor format", now))
	require.NoError(t, ls.BumpLexicon("cameras", "sensor_size", "sensor format", now))

	active, err := ls.ActiveLexicon("cameras", "sensor_size", now.AddDate(0, 0, -90), 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sensor format", active[0].Token)
	assert.Equal(t, 2, active[0].Refs)

	n, err := ls.ExpireLexicon(now.AddDate(0, 0, -180))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLearningDomainYield(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ls := s.Learning()
	now := time.Now().UTC()

	require.NoError(t, ls.RecordYield("cameras", "example.com", "weight_g", true, now))
	require.NoError(t, ls.RecordYield("cameras", "example.com", "weight_g", false, now))
	require.NoError(t, ls.RecordYield("cameras", "spamsite.net", "weight_g", false, now))

	y, err := ls.YieldFor("cameras", "example.com", "weight_g")
	require.NoError(t, err)
	require.NotNil(t, y)
	assert.Equal(t, 2, y.Attempts)
	assert.Equal(t, 1, y.Accepted)

	yields, err := ls.HostYields("cameras")
	require.NoError(t, err)
	require.Len(t, yields, 2)
	assert.Equal(t, "example.com", yields[0].Host)
}

func TestLearningURLMemory(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ls := s.Learning()
	now := time.Now().UTC()

	require.NoError(t, ls.RememberURL(URLMemoryEntry{
		Fingerprint: "fp1", URL: "https://example.com/x100", DocKind: "spec", Tier: 1, LastUsed: now,
	}))
	require.NoError(t, ls.RememberURL(URLMemoryEntry{
		Fingerprint: "fp1", URL: "https://old.example.com", DocKind: "spec", Tier: 2,
		LastUsed: now.AddDate(0, 0, -300),
	}))

	urls, err := ls.RememberedURLs("fp1", now.AddDate(0, 0, -120))
	require.NoError(t, err)
	require.Len(t, urls, 1)
	assert.Equal(t, "https://example.com/x100", urls[0].URL)
}
