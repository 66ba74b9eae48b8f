package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"spechound/internal/browser"
	"spechound/internal/config"
	"spechound/internal/events"
	"spechound/internal/frontier"
	"spechound/internal/store"
	"spechound/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// http.Client keep-alive connections park reader goroutines
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newTestScheduler(t *testing.T, renderer Renderer) (*Scheduler, *events.MemorySink) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sink := events.NewMemorySink()
	sched := NewScheduler(Options{
		Lanes:        NewLanes(config.DefaultLanesConfig()),
		HTTP:         NewHTTPClient(5*time.Second, "spechound-test", 500*1024),
		Renderer:     renderer,
		Frontier:     frontier.New(s.Frontier(), frontier.DefaultConfig()),
		Sink:         sink,
		HostDelay:    0,
		HostCap:      2,
		PerRunURLCap: 50,
	})
	return sched, sink
}

func TestFetchURLHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><h1>Specs</h1><p>" + strings.Repeat("sensor details ", 50) + "</p></body></html>"))
	}))
	defer srv.Close()

	sched, _ := newTestScheduler(t, nil)
	res, err := sched.FetchURL(context.Background(), "run1", srv.URL+"/specs")
	require.NoError(t, err)
	assert.Empty(t, res.Class)
	assert.Equal(t, types.FetchHTTP, res.Mode)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 200, res.Attempts[0].StatusCode)
	assert.NotEmpty(t, res.Page.Body)
}

type fakeRenderer struct {
	calls atomic.Int32
	html  string
}

func (f *fakeRenderer) FetchRendered(ctx context.Context, url string) (browser.RenderResult, error) {
	f.calls.Add(1)
	return browser.RenderResult{HTML: f.html, FinalURL: url, StatusCode: 200}, nil
}

func TestLadderEscalatesOnGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>Please enable JavaScript to continue. Cloudflare.</body></html>"))
	}))
	defer srv.Close()

	renderer := &fakeRenderer{html: "<html><body><p>" + strings.Repeat("real spec content ", 60) + "</p></body></html>"}
	sched, _ := newTestScheduler(t, renderer)

	res, err := sched.FetchURL(context.Background(), "run1", srv.URL+"/js-only")
	require.NoError(t, err)
	assert.Empty(t, res.Class)
	assert.Equal(t, types.FetchBrowser, res.Mode)
	assert.Equal(t, int32(1), renderer.calls.Load())
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, ClassParseFailed, res.Attempts[0].Class)
}

func TestDeadURLDoesNotEscalate(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	renderer := &fakeRenderer{html: "unused"}
	sched, sink := newTestScheduler(t, renderer)

	res, err := sched.FetchURL(context.Background(), "run1", srv.URL+"/gone")
	require.NoError(t, err)
	assert.Equal(t, ClassDeadURL, res.Class)
	assert.Zero(t, renderer.calls.Load(), "404 must not reach the browser rung")
	require.Len(t, sink.Named(events.SourceFetchFailed), 1)
}

func TestCooldownSkipOnSecondAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sched, sink := newTestScheduler(t, nil)
	u := srv.URL + "/walled"

	res, err := sched.FetchURL(context.Background(), "run1", u)
	require.NoError(t, err)
	assert.Equal(t, ClassBlocked, res.Class)

	// The 403 put the URL on cooldown: the retry is skipped pre-fetch.
	res, err = sched.FetchURL(context.Background(), "run1", u)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, frontier.ReasonURLCooldown, res.SkipReason)
	require.Len(t, sink.Named(events.SourceFetchSkipped), 1)

	cooldowns := sink.Named(events.URLCooldownApplied)
	require.Len(t, cooldowns, 1)
	assert.Equal(t, u, cooldowns[0].Payload["url"])
}

func TestBlockedHostSkipEmitsCooldownEvent(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Frontier().UpsertHostHealth(store.HostHealth{
		Host:          "walled.example.com",
		FailCount:     9,
		BlockedCount:  3,
		CooldownUntil: time.Now().UTC().Add(time.Hour),
		BudgetState:   frontier.HostBlocked,
	}))

	sink := events.NewMemorySink()
	sched := NewScheduler(Options{
		Lanes:        NewLanes(config.DefaultLanesConfig()),
		HTTP:         NewHTTPClient(5*time.Second, "spechound-test", 500*1024),
		Frontier:     frontier.New(s.Frontier(), frontier.DefaultConfig()),
		Sink:         sink,
		HostDelay:    0,
		HostCap:      2,
		PerRunURLCap: 50,
	})

	res, err := sched.FetchURL(context.Background(), "run1", "https://walled.example.com/specs")
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, frontier.ReasonBlockedBudget, res.SkipReason)

	blocked := sink.Named(events.BlockedDomainCooldown)
	require.Len(t, blocked, 1)
	assert.Equal(t, "walled.example.com", blocked[0].Payload["host"])

	state, score := sched.HostBudget("walled.example.com")
	assert.Equal(t, frontier.HostBlocked, state)
	assert.Zero(t, score)
}

func TestPerRunURLCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("spec data ", 100)))
	}))
	defer srv.Close()

	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	sched := NewScheduler(Options{
		Lanes:        NewLanes(config.DefaultLanesConfig()),
		HTTP:         NewHTTPClient(5*time.Second, "spechound-test", 500*1024),
		Frontier:     frontier.New(s.Frontier(), frontier.DefaultConfig()),
		HostDelay:    0,
		HostCap:      2,
		PerRunURLCap: 2,
	})

	_, err = sched.FetchURL(context.Background(), "run1", srv.URL+"/a")
	require.NoError(t, err)
	_, err = sched.FetchURL(context.Background(), "run1", srv.URL+"/b")
	require.NoError(t, err)
	assert.True(t, sched.BudgetExhausted())

	res, err := sched.FetchURL(context.Background(), "run1", srv.URL+"/c")
	require.Error(t, err)
	assert.Equal(t, ClassBudgetExceeded, res.Class)
}

func TestHostPacerSpacesRequests(t *testing.T) {
	p := newHostPacer(100*time.Millisecond, 2)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	clock := base
	p.now = func() time.Time { return clock }

	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}

	for i := 0; i < 3; i++ {
		release, err := p.acquire(context.Background(), "example.com")
		require.NoError(t, err)
		release()
	}
	// First request immediate, then 100ms gaps.
	require.Len(t, slept, 2)
	assert.Equal(t, 100*time.Millisecond, slept[0])
	assert.Equal(t, 100*time.Millisecond, slept[1])

	// A different host is not paced by example.com's clock.
	sleptBefore := len(slept)
	release, err := p.acquire(context.Background(), "other.com")
	require.NoError(t, err)
	release()
	assert.Len(t, slept, sleptBefore)
}

func TestLanePauseBlocksWork(t *testing.T) {
	lanes := NewLanes(config.DefaultLanesConfig())
	lanes.Fetch.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := lanes.Fetch.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	lanes.Fetch.Resume()
	err = lanes.Fetch.Do(context.Background(), func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestLaneTokenBudget(t *testing.T) {
	lanes := NewLanes(config.LanesConfig{
		Search: config.LaneConfig{Workers: 1, QueueDepth: 1},
		Fetch:  config.LaneConfig{Workers: 1, QueueDepth: 1},
		Parse:  config.LaneConfig{Workers: 1, QueueDepth: 1},
		LLM:    config.LaneConfig{Workers: 1, QueueDepth: 1, TokenBudget: 100},
	})

	require.NoError(t, lanes.LLM.UseTokens(60))
	require.NoError(t, lanes.LLM.UseTokens(40))
	err := lanes.LLM.UseTokens(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token budget")
}

func TestQualityScore(t *testing.T) {
	long := strings.Repeat("detailed specification text ", 100)
	assert.Greater(t, QualityScore([]byte(long), "text/plain"), 0.5)
	assert.Less(t, QualityScore([]byte("Access Denied"), "text/html"), EscalationThreshold)
	assert.Less(t, QualityScore([]byte(""), "text/html"), EscalationThreshold)
}

func TestAltTextClientProxiesURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		w.Write([]byte("Sensor: Full frame\nWeight: 500 g\n"))
	}))
	defer srv.Close()

	client := NewAltTextClient(NewHTTPClient(5*time.Second, "spechound-test", 500*1024), srv.URL)
	page, err := client.Fetch(context.Background(), "https://example.com/specs")
	require.NoError(t, err)
	assert.Contains(t, gotPath, "example.com/specs")
	assert.Equal(t, "https://example.com/specs", page.FinalURL, "provenance stays on the real page")
	assert.Equal(t, "text/plain", page.ContentType)
}
