package frontier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/store"
)

func newTestFrontier(t *testing.T) (*Frontier, *time.Time) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := New(s.Frontier(), DefaultConfig())
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestSignatureCollapsesIDs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url      string
		domain   string
		sig      string
	}{
		{"https://example.com/products/12345/specs", "example.com", "/products/{n}/specs"},
		{"https://Example.COM/p/98765", "example.com", "/p/{n}"},
		{"https://example.com/", "example.com", "/"},
		{"https://example.com/doc/deadbeefcafe1234", "example.com", "/doc/{h}"},
	}
	for _, tc := range tests {
		domain, sig := Signature(tc.url)
		assert.Equal(t, tc.domain, domain, tc.url)
		assert.Equal(t, tc.sig, sig, tc.url)
	}
}

func TestShouldSkipUnknownURL(t *testing.T) {
	t.Parallel()
	f, _ := newTestFrontier(t)

	skip, reason, err := f.ShouldSkip("https://example.com/specs")
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Empty(t, reason)
}

func TestDeniedURLEntersCooldown(t *testing.T) {
	t.Parallel()
	f, now := newTestFrontier(t)
	u := "https://example.com/specs"

	require.NoError(t, f.RecordFetch(u, 403, OutcomeDenied))

	skip, reason, err := f.ShouldSkip(u)
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, ReasonURLCooldown, reason)

	// Past the cooldown the URL is fetchable again.
	*now = now.Add(3 * time.Minute)
	skip, _, err = f.ShouldSkip(u)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestCooldownIsMonotonic(t *testing.T) {
	t.Parallel()
	f, _ := newTestFrontier(t)
	u := "https://example.com/specs"

	require.NoError(t, f.RecordFetch(u, 403, OutcomeDenied))
	require.NoError(t, f.RecordFetch(u, 403, OutcomeDenied))

	rec, err := f.store.GetURL(u)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.BlockedCount)
	// second strike doubles: 4m from now, not shorter than the first
	assert.Equal(t, f.now().Add(4*time.Minute), rec.CooldownUntil.UTC())
}

func TestDeadPatternLearnedAcrossSiblings(t *testing.T) {
	t.Parallel()
	f, _ := newTestFrontier(t)

	// Three dead product pages on the same template.
	require.NoError(t, f.RecordFetch("https://example.com/products/111/specs", 404, OutcomeDead))
	require.NoError(t, f.RecordFetch("https://example.com/products/222/specs", 404, OutcomeDead))
	require.NoError(t, f.RecordFetch("https://example.com/products/333/specs", 410, OutcomeDead))

	// A fourth sibling never fetched is skipped by the pattern.
	skip, reason, err := f.ShouldSkip("https://example.com/products/444/specs")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, ReasonPathDeadPattern, reason)

	// Unrelated paths on the host are unaffected.
	skip, _, err = f.ShouldSkip("https://example.com/support/manual")
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestHostBudgetProgression(t *testing.T) {
	t.Parallel()
	f, _ := newTestFrontier(t)

	state, score, err := f.HostState("example.com")
	require.NoError(t, err)
	assert.Equal(t, HostOK, state)
	assert.Equal(t, 1.0, score, "an unseen host has a full budget")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.RecordFetch("https://example.com/a", 500, OutcomeTransient))
	}
	state, score, err = f.HostState("example.com")
	require.NoError(t, err)
	assert.Equal(t, HostBackoff, state)
	assert.InDelta(t, 0.25, score, 1e-9, "three failures quarter the budget")

	// A success while in backoff resets the host.
	require.NoError(t, f.RecordFetch("https://example.com/a", 200, OutcomeOK))
	state, score, err = f.HostState("example.com")
	require.NoError(t, err)
	assert.Equal(t, HostOK, state)
	assert.Equal(t, 1.0, score)
}

func TestHostBlockedSkipsFetches(t *testing.T) {
	t.Parallel()
	f, _ := newTestFrontier(t)

	for i := 0; i < 8; i++ {
		require.NoError(t, f.RecordFetch("https://blocked.example.com/x", 403, OutcomeDenied))
	}
	state, score, err := f.HostState("blocked.example.com")
	require.NoError(t, err)
	assert.Equal(t, HostBlocked, state)
	assert.Zero(t, score, "a blocked host has no budget left")

	// The whole host is budget-blocked, even fresh URLs.
	skip, reason, err := f.ShouldSkip("https://blocked.example.com/fresh")
	require.NoError(t, err)
	assert.True(t, skip)
	assert.Equal(t, ReasonBlockedBudget, reason)
}

func TestFailCountsMergeAdditively(t *testing.T) {
	t.Parallel()
	f, _ := newTestFrontier(t)
	u := "https://example.com/flaky"

	require.NoError(t, f.RecordFetch(u, 500, OutcomeTransient))
	require.NoError(t, f.RecordFetch(u, 502, OutcomeTransient))
	require.NoError(t, f.RecordFetch(u, 200, OutcomeOK))

	rec, err := f.store.GetURL(u)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.FailCount, "success never erases failure history")
	assert.Equal(t, OutcomeOK, rec.LastOutcome)
	assert.Equal(t, 200, rec.LastStatus)
}
