// Package convergence implements the round controller: the bounded
// multi-round loop that takes one product target from empty field
// state to a publishable (or explained) spec. Round 0 bootstraps from
// seed URLs, URL memory, and deterministic queries; rounds 1..N are
// driven by the NeedSet. The controller blocks only at round
// boundaries and owns the stop conditions.
package convergence

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"spechound/internal/config"
	"spechound/internal/consensus"
	"spechound/internal/discovery"
	"spechound/internal/events"
	"spechound/internal/extraction"
	"spechound/internal/fetch"
	"spechound/internal/identity"
	"spechound/internal/index"
	"spechound/internal/learning"
	"spechound/internal/logging"
	"spechound/internal/needset"
	"spechound/internal/queue"
	"spechound/internal/retrieval"
	"spechound/internal/store"
	"spechound/internal/types"
)

// Searcher is the SERP provider. One query in, raw candidates out.
type Searcher interface {
	Search(ctx context.Context, query string) ([]discovery.Candidate, error)
}

// Settings bundles the runtime knobs for one run.
type Settings struct {
	Convergence config.ConvergenceConfig
	Consensus   config.ConsensusConfig

	// Sibling models in the product family, for ambiguity grading.
	FamilyModelCount int

	// Seed URL cap from url_memory on Round 0.
	SeedURLLimit int
}

// Deps are the per-run collaborators. Gate and Extractor are built for
// a specific target, so a Controller serves exactly one product job.
type Deps struct {
	Planner   *discovery.Planner
	Strategy  *discovery.StrategyTable // optional; tiers seed URLs
	Searcher  Searcher
	Fetcher   *fetch.Scheduler
	Indexer   *index.Indexer
	Gate      *identity.Gate
	Retriever *retrieval.Retriever
	Extractor *extraction.Extractor
	Engine    *consensus.Engine
	Learner   *learning.Committer // optional
	Queue     *queue.Worker       // optional; receives repair intents
	Tokens    types.TokenCounter  // optional; nil disables the token cap
	Sink      events.Sink
	RunsDir   string // artifact root; empty disables artifact files
}

// Override is an operator-supplied field value applied at the next
// round boundary.
type Override struct {
	FieldKey string
	Value    string
	Reason   string
}

// Controller executes one product run.
type Controller struct {
	deps     Deps
	settings Settings
	now      func() time.Time

	mu        sync.Mutex
	paused    bool
	cancelled bool
	overrides []Override
}

// NewController wires a controller. Sink may be nil.
func NewController(deps Deps, settings Settings) *Controller {
	if deps.Sink == nil {
		deps.Sink = events.Nop{}
	}
	if settings.SeedURLLimit <= 0 {
		settings.SeedURLLimit = 10
	}
	return &Controller{deps: deps, settings: settings, now: time.Now}
}

// Pause suspends the run at the next round boundary.
func (c *Controller) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Cancel ends the run with stop reason cancelled at the next boundary.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// ApplyOverride stages an operator value for a field. Applied before
// the next round's consensus pass; wins over harvested evidence.
func (c *Controller) ApplyOverride(fieldKey, value, reason string) {
	c.mu.Lock()
	c.overrides = append(c.overrides, Override{FieldKey: fieldKey, Value: value, Reason: reason})
	c.mu.Unlock()
}

// run carries the mutable state of one execution.
type run struct {
	id       string
	job      types.ProductJob
	contract types.CategoryContract

	states  map[string]types.FieldState
	idState types.IdentityLockState

	allQueries  map[string]bool
	fetchedURLs map[string]bool
	overridden  map[string]types.FieldState
	sources     map[string]types.Source

	history   []types.RoundProgress
	needsByRound [][]types.NeedRow
	lastProfile  discovery.SearchProfile
	lastPacks    map[string]retrieval.PrimeSourcePack
	lastContexts map[string]extraction.FieldContext

	bestLevel     types.IdentityMatchLevel
	bestCertainty float64
	conflictSeen  bool

	unknownKeyCount int
	violationCount  int

	noProgressStreak int
	lowQualityStreak int
	identityStreak   int

	prevAccepted int
	prevMeanConf float64

	startedAt time.Time
	art       *artifacts
}

// Run executes the full convergence loop for one product job.
func (c *Controller) Run(ctx context.Context, job types.ProductJob, contract types.CategoryContract) (types.RunSummary, error) {
	if err := contract.Validate(); err != nil {
		return types.RunSummary{}, fmt.Errorf("contract invalid: %w", err)
	}

	r := &run{
		id:           uuid.New().String(),
		job:          job,
		contract:     contract,
		states:       make(map[string]types.FieldState),
		allQueries:   make(map[string]bool),
		fetchedURLs:  make(map[string]bool),
		overridden:   make(map[string]types.FieldState),
		sources:      make(map[string]types.Source),
		lastPacks:    make(map[string]retrieval.PrimeSourcePack),
		lastContexts: make(map[string]extraction.FieldContext),
		bestLevel:    types.IdentityUnlocked,
		startedAt:    c.now().UTC(),
	}
	r.idState = c.deps.Gate.LockState(types.IdentityUnlocked, 0, c.settings.FamilyModelCount)

	sink := c.deps.Sink
	if c.deps.RunsDir != "" {
		art, nd, err := newArtifacts(c.deps.RunsDir, r.id)
		if err != nil {
			return types.RunSummary{}, err
		}
		r.art = art
		sink = events.Multi(c.deps.Sink, nd)
		defer nd.Close()
	}

	c.emit(sink, r, events.StageRound, events.RunStarted, map[string]interface{}{
		"product_id": job.Target.ProductID,
		"category":   job.Category,
		"target":     job.Target.DisplayName(),
	})
	logging.Round("run %s started for %s", r.id, job.Target.DisplayName())

	stopHeartbeat := c.startHeartbeat(r)
	defer stopHeartbeat()

	reason, runErr := c.loop(ctx, sink, r)

	summary := c.finish(sink, r, reason)
	if c.deps.Learner != nil && runErr == nil {
		if err := c.commitLearning(r); err != nil {
			logging.Round("learning commit failed: %v", err)
		}
	}
	return summary, runErr
}

// loop runs rounds until a stop condition fires.
func (c *Controller) loop(ctx context.Context, sink events.Sink, r *run) (types.StopReason, error) {
	maxRounds := c.settings.Convergence.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 4
	}

	for round := 0; round <= maxRounds; round++ {
		if err := c.awaitResume(ctx); err != nil {
			return types.StopCancelled, nil
		}
		if c.isCancelled() {
			return types.StopCancelled, nil
		}

		c.applyOverrides(r)

		var needs []types.NeedRow
		if round > 0 {
			needs = needset.Compute(r.states, r.contract, r.idState, c.now().UTC(), needset.ParamsFrom(c.settings.Consensus))
			r.needsByRound = append(r.needsByRound, needs)
			c.emit(sink, r, events.StageNeedSet, events.NeedSetComputed, map[string]interface{}{
				"round": round, "size": len(needs),
			})
			if len(needs) == 0 && c.isComplete(r) {
				return types.StopComplete, nil
			}
		}

		c.emit(sink, r, events.StageRound, events.RoundStarted, map[string]interface{}{"round": round})

		progress, early, err := c.runRound(ctx, sink, r, round, needs)
		if err != nil {
			if ctx.Err() != nil {
				return types.StopCancelled, nil
			}
			logging.Round("round %d fatal: %v", round, err)
			return types.StopFatalError, err
		}
		if early == types.StopEscalationExhausted {
			return early, nil
		}
		r.history = append(r.history, progress)
		c.emit(sink, r, events.StageRound, events.RoundCompleted, map[string]interface{}{
			"round":                 round,
			"fields_accepted_delta": progress.FieldsAcceptedDelta,
			"needset_size":          progress.NeedSetSize,
		})
		c.writeRoundArtifacts(r)

		if early == types.StopBudgetExhausted {
			if c.isComplete(r) {
				return types.StopComplete, nil
			}
			return early, nil
		}
		if reason, stop := c.shouldStop(r, round, maxRounds, progress); stop {
			return reason, nil
		}
	}
	return types.StopMaxRounds, nil
}

// runRound executes one round: plan, search, fetch, index, retrieve,
// extract, resolve. A non-empty early stop reason short-circuits the
// loop without counting as a failure.
func (c *Controller) runRound(ctx context.Context, sink events.Sink, r *run, round int, needs []types.NeedRow) (types.RoundProgress, types.StopReason, error) {
	timer := logging.StartTimer(logging.CategoryRound, fmt.Sprintf("round %d", round))
	defer timer.Stop()

	profile, err := c.deps.Planner.Profile(ctx, r.id, r.job.Target, r.contract, needs)
	if err != nil {
		return types.RoundProgress{}, "", err
	}
	r.lastProfile = profile

	// All-time dedup: a query string is dispatched at most once per run.
	var fresh []discovery.QueryRow
	for _, q := range profile.Queries {
		if r.allQueries[q.Query] {
			continue
		}
		r.allQueries[q.Query] = true
		fresh = append(fresh, q)
	}

	var seedURLs []string
	if round == 0 {
		seedURLs = c.bootstrapURLs(r)
	}

	// When every deficit query has already been dispatched, escalate:
	// re-query the missing fields anchored by accepted values. Only a
	// fully stale escalation set ends the run.
	if round > 0 && len(fresh) == 0 {
		fresh = c.escalationQueries(r, needs)
		if len(fresh) == 0 {
			return types.RoundProgress{}, types.StopEscalationExhausted, nil
		}
		logging.Round("round %d escalated with %d re-queries", round, len(fresh))
	}

	urls := c.discover(ctx, r, fresh)
	urls = append(seedURLs, urls...)

	matched, budgetHit := c.fetchAndIndex(ctx, sink, r, urls)
	r.idState = c.deps.Gate.LockState(r.currentLevel(), r.bestCertainty, c.settings.FamilyModelCount)
	c.emit(sink, r, events.StageRound, events.IdentityLockState, map[string]interface{}{
		"round":     round,
		"status":    string(r.idState.Status),
		"certainty": r.idState.Certainty,
		"ambiguity": string(r.idState.Ambiguity),
	})

	// A closed extraction gate means no snippet can be attributed to the
	// target yet; the round still counts so the stuck-identity stop fires.
	var unitsByField map[string][]types.EvidenceUnit
	if r.idState.ExtractionGateOpen {
		unitsByField, err = c.extract(ctx, r, round, needs)
		if err != nil {
			return types.RoundProgress{}, "", err
		}
	} else {
		logging.Round("round %d extraction held: identity %s, ambiguity %s",
			round, r.idState.Status, r.idState.Ambiguity)
	}

	r.states = c.deps.Engine.ResolveAll(r.contract, unitsByField, r.idState, r.states)
	for key, st := range r.overridden {
		r.states[key] = st
	}

	accepted, meanConf := c.stateStats(r)
	progress := types.RoundProgress{
		Round:                  round,
		FieldsAcceptedDelta:    accepted - r.prevAccepted,
		ConfidenceDelta:        meanConf - r.prevMeanConf,
		NeedSetSize:            len(needs),
		SourcesIdentityMatched: matched,
		AllTimeQueriesAdded:    len(fresh),
		MeanConfidence:         meanConf,
		URLsFetched:            c.deps.Fetcher.URLsFetched(),
	}
	if c.deps.Tokens != nil {
		progress.LLMTokensUsed = c.deps.Tokens.TokensUsed()
	}
	r.prevAccepted, r.prevMeanConf = accepted, meanConf

	if budgetHit {
		return progress, types.StopBudgetExhausted, nil
	}
	return progress, "", nil
}

// escalationQueries builds "found X, still missing Y" re-queries for
// the NeedSet fields, deduped against everything dispatched so far.
func (c *Controller) escalationQueries(r *run, needs []types.NeedRow) []discovery.QueryRow {
	known := make(map[string]string)
	for key, st := range r.states {
		if st.Status == types.FieldAccepted {
			known[key] = st.Value
		}
	}
	missing := make([]string, 0, len(needs))
	for _, n := range needs {
		missing = append(missing, n.FieldKey)
	}

	var fresh []discovery.QueryRow
	for _, q := range c.deps.Planner.Escalate(r.job.Target, known, missing) {
		if r.allQueries[q.Query] {
			continue
		}
		r.allQueries[q.Query] = true
		fresh = append(fresh, q)
	}
	return fresh
}

// bootstrapURLs merges job seeds with url_memory hits for this
// identity fingerprint.
func (c *Controller) bootstrapURLs(r *run) []string {
	urls := append([]string(nil), r.job.Target.SeedURLs...)
	if c.deps.Learner != nil {
		remembered, err := c.deps.Learner.SeedURLs(r.job.Target.IdentityFingerprint(), c.settings.SeedURLLimit)
		if err != nil {
			logging.RoundDebug("url memory read failed: %v", err)
		} else {
			urls = append(urls, remembered...)
		}
	}
	seen := make(map[string]bool, len(urls))
	var out []string
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// discover runs the fresh queries through the provider and triage and
// returns the selected URLs, deduped against prior fetches.
func (c *Controller) discover(ctx context.Context, r *run, queries []discovery.QueryRow) []string {
	var cands []discovery.Candidate
	for _, q := range queries {
		hits, err := c.deps.Searcher.Search(ctx, q.Query)
		if err != nil {
			logging.RoundDebug("search failed for %q: %v", q.Query, err)
			continue
		}
		cands = append(cands, hits...)
	}
	if len(cands) == 0 {
		return nil
	}

	scored := c.deps.Planner.Triage(ctx, r.job.Target, cands)
	var urls []string
	for _, sc := range scored {
		if r.fetchedURLs[sc.URL] {
			continue
		}
		urls = append(urls, sc.URL)
	}

	// Degraded hosts go last so the URL budget favors healthy ones.
	budget := make(map[string]float64, len(urls))
	for _, u := range urls {
		h := hostOf(u)
		if _, ok := budget[h]; !ok {
			_, budget[h] = c.deps.Fetcher.HostBudget(h)
		}
	}
	sort.SliceStable(urls, func(i, j int) bool {
		return budget[hostOf(urls[i])] > budget[hostOf(urls[j])]
	})
	return urls
}

// fetchAndIndex walks the URL list through the fetch ladder and the
// evidence index. Returns the count of identity-matched sources this
// round and whether the URL budget ran out mid-list.
func (c *Controller) fetchAndIndex(ctx context.Context, sink events.Sink, r *run, urls []string) (int, bool) {
	matched := 0
	for _, rawURL := range urls {
		if c.deps.Fetcher.BudgetExhausted() {
			return matched, true
		}
		if r.fetchedURLs[rawURL] {
			continue
		}
		r.fetchedURLs[rawURL] = true

		res, err := c.deps.Fetcher.FetchURL(ctx, r.id, rawURL)
		if err != nil || res.Skipped {
			continue
		}
		if res.Class != "" {
			if res.Class == fetch.ClassDeadURL && c.deps.Queue != nil {
				host := hostOf(rawURL)
				if _, err := c.deps.Queue.EnqueueRepair(r.id, r.job.Target.IdentityFingerprint(), host, rawURL); err != nil {
					logging.RoundDebug("repair enqueue failed for %s: %v", rawURL, err)
				}
			}
			continue
		}

		src := c.buildSource(r, rawURL, res)
		if src.IdentityMatch == types.IdentityLocked || src.IdentityMatch == types.IdentityProvisional {
			matched++
		}
		if _, err := c.deps.Indexer.Index(r.id, src); err != nil {
			logging.RoundDebug("index failed for %s: %v", src.FinalURL, err)
			continue
		}
		src.Body = nil
		r.sources[src.SourceID] = src
		c.emit(sink, r, events.StageIndex, events.SourceProcessed, map[string]interface{}{
			"source_id": src.SourceID,
			"url":       src.FinalURL,
			"identity":  string(src.IdentityMatch),
		})
	}
	return matched, false
}

// buildSource assembles the immutable source record, classifying its
// identity from the page signals.
func (c *Controller) buildSource(r *run, rawURL string, res fetch.Result) types.Source {
	host := hostOf(res.Page.FinalURL)
	if host == "" {
		host = hostOf(rawURL)
	}

	contentHash := index.ContentHash(res.Page.Body)
	src := types.Source{
		SourceID:    "src-" + contentHash[:12],
		URL:         rawURL,
		FinalURL:    res.Page.FinalURL,
		Host:        host,
		RootDomain:  rootDomain(host),
		ContentType: res.Page.ContentType,
		ContentHash: contentHash,
		Bytes:       len(res.Page.Body),
		FetchedAt:   c.now().UTC(),
		FetchMode:   res.Mode,
		StatusCode:  res.Page.StatusCode,
		Body:        res.Page.Body,
	}
	if c.deps.Strategy != nil {
		if strat, ok := c.deps.Strategy.Lookup(host); ok {
			src.Tier = strat.Tier
			src.DocKind = strat.DocKind
		}
	}

	title, domCtx := pageSignals(res.Page.Body)
	level, certainty := c.deps.Gate.ClassifySource(identity.SourceSignals{
		URL:        res.Page.FinalURL,
		Title:      title,
		DOMContext: domCtx,
	})
	src.IdentityMatch = level
	src.TargetMatchScore = certainty
	r.observeIdentity(level, certainty)
	return src
}

// observeIdentity folds one source verdict into the run-level state.
func (r *run) observeIdentity(level types.IdentityMatchLevel, certainty float64) {
	switch level {
	case types.IdentityConflict:
		r.conflictSeen = true
	case types.IdentityLocked, types.IdentityProvisional:
		if identityRank(level) > identityRank(r.bestLevel) {
			r.bestLevel = level
		}
		if certainty > r.bestCertainty {
			r.bestCertainty = certainty
		}
	}
}

// currentLevel is the run-level identity status: the best matched level
// seen, or conflict when contradictions stand unresolved.
func (r *run) currentLevel() types.IdentityMatchLevel {
	if r.conflictSeen && r.bestLevel != types.IdentityLocked {
		return types.IdentityConflict
	}
	return r.bestLevel
}

func identityRank(l types.IdentityMatchLevel) int {
	switch l {
	case types.IdentityLocked:
		return 3
	case types.IdentityProvisional:
		return 2
	case types.IdentityUnlocked:
		return 1
	default:
		return 0
	}
}

// extract builds Prime Source packs and runs the extractor set for
// every field in scope this round, with a bounded retry on schema
// violations. Incoming unit keys pass through key migration.
func (c *Controller) extract(ctx context.Context, r *run, round int, needs []types.NeedRow) (map[string][]types.EvidenceUnit, error) {
	var keys []string
	if round == 0 {
		for _, fc := range r.contract.Fields {
			keys = append(keys, fc.Key)
		}
	} else {
		for _, n := range needs {
			keys = append(keys, n.FieldKey)
		}
	}
	sort.Strings(keys)

	assembler := extraction.NewAssembler(r.job.Target, r.idState)
	retries := c.settings.Convergence.ExtractorRetries
	unitsByField := make(map[string][]types.EvidenceUnit, len(keys))

	for _, key := range keys {
		fc, ok := r.contract.Field(key)
		if !ok {
			continue
		}
		pack, err := c.deps.Retriever.BuildPack(r.id, fc, c.retrievalHints(r, fc))
		if err != nil {
			return nil, err
		}
		r.lastPacks[key] = pack

		fctx := assembler.Build(fc, pack)
		r.lastContexts[key] = fctx

		units, ok := c.extractWithRetry(ctx, r, fctx, retries)
		if !ok {
			continue // violations exhausted; prior state carries
		}
		for _, u := range units {
			canonical, known := r.contract.MigrateKey(u.FieldKey)
			if !known {
				r.unknownKeyCount++
				continue
			}
			u.FieldKey = canonical
			unitsByField[canonical] = append(unitsByField[canonical], u)
		}
	}
	return unitsByField, nil
}

// extractWithRetry retries a violated batch up to the configured bound.
func (c *Controller) extractWithRetry(ctx context.Context, r *run, fctx extraction.FieldContext, retries int) ([]types.EvidenceUnit, bool) {
	for attempt := 0; attempt <= retries; attempt++ {
		res, err := c.deps.Extractor.Extract(ctx, r.id, fctx)
		if err != nil {
			logging.RoundDebug("extract %s attempt %d: %v", fctx.Contract.Key, attempt, err)
			continue
		}
		if res.Violation == nil {
			return res.Units, true
		}
		r.violationCount++
		logging.RoundDebug("extract %s violation: %s", fctx.Contract.Key, res.Violation.Reason)
	}
	return nil, false
}

// retrievalHints folds learning-store readback into the retriever.
func (c *Controller) retrievalHints(r *run, fc types.FieldContract) retrieval.Hints {
	if c.deps.Learner == nil {
		return retrieval.Hints{}
	}
	h, err := c.deps.Learner.HintsFor(r.job.Category, fc.Key)
	if err != nil {
		logging.RoundDebug("hints read failed for %s: %v", fc.Key, err)
		return retrieval.Hints{}
	}
	return retrieval.Hints{
		Anchors:       h.Anchors,
		LexiconTokens: h.LexiconTokens,
		HostYield:     h.HostYield,
	}
}

// applyOverrides drains staged operator values into field state.
func (c *Controller) applyOverrides(r *run) {
	c.mu.Lock()
	pending := c.overrides
	c.overrides = nil
	c.mu.Unlock()

	for _, o := range pending {
		if _, ok := r.contract.Field(o.FieldKey); !ok {
			continue
		}
		st := types.FieldState{
			FieldKey:   o.FieldKey,
			Status:     types.FieldAccepted,
			Value:      o.Value,
			Confidence: 1.0,
			Grade:      types.AcceptFull,
			AcceptedAt: c.now().UTC(),
		}
		// Operator values survive later consensus passes.
		r.overridden[o.FieldKey] = st
		r.states[o.FieldKey] = st
		logging.Round("override applied to %s: %s", o.FieldKey, o.Reason)
	}
}

// shouldStop evaluates the stop conditions in spec order after a round.
func (c *Controller) shouldStop(r *run, round, maxRounds int, p types.RoundProgress) (types.StopReason, bool) {
	cfg := c.settings.Convergence

	if c.isComplete(r) {
		return types.StopComplete, true
	}
	if round >= maxRounds {
		return types.StopMaxRounds, true
	}
	if c.deps.Fetcher.BudgetExhausted() {
		return types.StopBudgetExhausted, true
	}
	if c.deps.Tokens != nil && cfg.PerRunTokenCap > 0 && c.deps.Tokens.TokensUsed() >= cfg.PerRunTokenCap {
		return types.StopBudgetExhausted, true
	}

	if p.ConfidenceDelta < cfg.NoProgressEpsilon && p.FieldsAcceptedDelta == 0 {
		r.noProgressStreak++
	} else {
		r.noProgressStreak = 0
	}
	if cfg.NoProgressRounds > 0 && r.noProgressStreak >= cfg.NoProgressRounds {
		return types.StopNoProgress, true
	}

	if p.SourcesIdentityMatched == 0 || p.MeanConfidence < cfg.LowQualityConfidence {
		r.lowQualityStreak++
	} else {
		r.lowQualityStreak = 0
	}
	if cfg.LowQualityRounds > 0 && r.lowQualityStreak >= cfg.LowQualityRounds {
		return types.StopRepeatedLowQuality, true
	}

	stuck := r.idState.Status == types.IdentityUnlocked || r.idState.Status == types.IdentityConflict
	if stuck && p.SourcesIdentityMatched == 0 {
		r.identityStreak++
	} else {
		r.identityStreak = 0
	}
	if cfg.IdentityFastFailRounds > 0 && r.identityStreak >= cfg.IdentityFastFailRounds {
		return types.StopIdentityGateStuck, true
	}

	return "", false
}

// isComplete checks stop condition 1: every identity, critical, and
// required field accepted with no unresolved conflicts.
func (c *Controller) isComplete(r *run) bool {
	for _, fc := range r.contract.Fields {
		if fc.RequiredLevel == types.LevelOptional {
			continue
		}
		st, ok := r.states[fc.Key]
		if !ok || st.Status != types.FieldAccepted {
			return false
		}
	}
	for _, st := range r.states {
		if st.Status == types.FieldConflict {
			return false
		}
	}
	return true
}

// stateStats returns accepted count and mean confidence over contract
// fields.
func (c *Controller) stateStats(r *run) (int, float64) {
	accepted := 0
	sum := 0.0
	n := 0
	for _, fc := range r.contract.Fields {
		st, ok := r.states[fc.Key]
		if !ok {
			n++
			continue
		}
		if st.Status == types.FieldAccepted {
			accepted++
		}
		sum += st.Confidence
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return accepted, sum / float64(n)
}

// finish builds the summary, persists terminal artifacts, and emits the
// closing events.
func (c *Controller) finish(sink events.Sink, r *run, reason types.StopReason) types.RunSummary {
	summary := types.RunSummary{
		RunID:        r.id,
		ProductID:    r.job.Target.ProductID,
		Category:     r.job.Category,
		StartedAt:    r.startedAt,
		FinishedAt:   c.now().UTC(),
		Rounds:       len(r.history),
		StopReason:   reason,
		Publishable:  reason == types.StopComplete && r.idState.PublishGateOpen,
		Fields:       r.states,
		Identity:     r.idState,
		RoundHistory: r.history,
		TotalFetched: c.deps.Fetcher.URLsFetched(),
	}
	if c.deps.Tokens != nil {
		summary.TotalLLMTokens = c.deps.Tokens.TokensUsed()
	}

	if r.art != nil {
		r.art.writeJSON("run.json", runMeta{
			RunID:           r.id,
			ProductID:       r.job.Target.ProductID,
			Category:        r.job.Category,
			StopReason:      reason,
			RoundHistory:    r.history,
			UnknownKeyCount: r.unknownKeyCount,
			ViolationCount:  r.violationCount,
		})
		r.art.writeJSON("summary.json", summary)
	}

	c.emit(sink, r, events.StageRound, events.ConvergenceStop, map[string]interface{}{
		"reason": string(reason),
		"rounds": len(r.history),
	})
	c.emit(sink, r, events.StageRound, events.RunCompleted, map[string]interface{}{
		"stop_reason": string(reason),
		"publishable": summary.Publishable,
	})
	sink.Flush()
	logging.Round("run %s stopped: %s after %d rounds", r.id, reason, len(r.history))
	return summary
}

// commitLearning stages one proposal per accepted field from its final
// Prime Source pack and commits through the gate: lexicon phrases from
// the accepted value, heading anchors from the pack, hosts from the
// winning snippets, and the winning sources' URLs for url memory.
func (c *Controller) commitLearning(r *run) error {
	fingerprint := r.job.Target.IdentityFingerprint()

	var proposals []learning.Proposal
	for key, st := range r.states {
		if st.Status != types.FieldAccepted {
			continue
		}
		pack, ok := r.lastPacks[key]
		if !ok {
			continue
		}
		refSet := make(map[string]bool, len(st.Refs))
		for _, ref := range st.Refs {
			refSet[ref] = true
		}

		fc, _ := r.contract.Field(key)
		p := learning.Proposal{FieldKey: key, Tokens: lexiconPhrases(fc, st.Value)}
		for _, sn := range pack.Snippets {
			if sn.Surface == index.SurfaceHeading {
				if phrase := strings.TrimSpace(sn.Quote); phrase != "" && len(phrase) <= 80 {
					p.Anchors = append(p.Anchors, phrase)
				}
			}
			if !refSet[sn.SnippetID] {
				continue
			}
			p.Hosts = append(p.Hosts, sn.Host)
		}
		for _, sourceID := range st.RefSources {
			src, ok := r.sources[sourceID]
			if !ok {
				continue
			}
			u := src.FinalURL
			if u == "" {
				u = src.URL
			}
			p.URLs = append(p.URLs, store.URLMemoryEntry{
				Fingerprint: fingerprint,
				URL:         u,
				DocKind:     string(src.DocKind),
				Tier:        int(src.Tier),
			})
		}
		proposals = append(proposals, p)
	}
	if len(proposals) == 0 {
		return nil
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].FieldKey < proposals[j].FieldKey })
	return c.deps.Learner.Commit(r.job.Category, r.contract, r.states, proposals)
}

// lexiconPhrases splits an accepted value into component phrases worth
// remembering. Numeric and boolean values name nothing.
func lexiconPhrases(fc types.FieldContract, value string) []string {
	switch fc.ValueType {
	case types.ValueString, types.ValueEnum, types.ValueList:
	default:
		return nil
	}
	var out []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == '/' || r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		if part == "" || isNumeric(part) {
			continue
		}
		out = append(out, part)
	}
	return out
}

func isNumeric(s string) bool {
	seen := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seen = true
		case r == '.' || r == ' ':
		default:
			return false
		}
	}
	return seen
}

// writeRoundArtifacts persists the per-round observable state.
func (c *Controller) writeRoundArtifacts(r *run) {
	if r.art == nil {
		return
	}
	r.art.writeJSON("needset.json", r.needsByRound)
	r.art.writeJSON("search_profile.json", r.lastProfile)
	r.art.writeJSON("prime_sources.json", r.lastPacks)
	r.art.writeJSON("extraction_context.json", contextSummaries(r.lastContexts))
}

// startHeartbeat persists a partial summary on an interval so a long
// run survives operator inspection mid-flight.
func (c *Controller) startHeartbeat(r *run) func() {
	interval := c.settings.Convergence.HeartbeatInterval
	if r.art == nil || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.art.writeJSON("heartbeat.json", map[string]interface{}{
					"run_id":  r.id,
					"partial": true,
					"ts":      c.now().UTC(),
				})
			}
		}
	}()
	return func() { close(done) }
}

// awaitResume blocks while the controller is paused.
func (c *Controller) awaitResume(ctx context.Context) error {
	for {
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Controller) emit(sink events.Sink, r *run, stage events.Stage, name string, payload map[string]interface{}) {
	sink.Emit(events.Event{
		RunID:   r.id,
		TS:      c.now().UTC(),
		Stage:   stage,
		Name:    name,
		Payload: payload,
	})
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func rootDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
