// Package frontier tracks cross-run URL health: fetch outcomes,
// cooldowns, dead path patterns, and per-host budget state. The fetch
// scheduler consults it before every fetch and reports back after.
package frontier

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"spechound/internal/logging"
	"spechound/internal/store"
)

// Skip reasons returned by ShouldSkip.
const (
	ReasonURLCooldown     = "url_cooldown"
	ReasonPathDeadPattern = "path_dead_pattern"
	ReasonBlockedBudget   = "blocked_budget"
)

// Fetch outcomes recorded against a URL.
const (
	OutcomeOK          = "ok"
	OutcomeDead        = "dead_url" // 404/410
	OutcomeDenied      = "fetch_denied"
	OutcomeTransient   = "transient"
	OutcomeParseFailed = "parse_failed"
)

// Host budget states.
const (
	HostOK      = "ok"
	HostBackoff = "backoff"
	HostBlocked = "blocked"
)

// Config tunes frontier behavior.
type Config struct {
	DeadPatternThreshold int           // 404/410 hits on one path shape before it is dead
	HostBackoffFails     int           // host failures before backoff
	HostBlockedFails     int           // host failures before blocked
	CooldownBase         time.Duration // first blocked cooldown, doubled per strike
	CooldownMax          time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		DeadPatternThreshold: 3,
		HostBackoffFails:     3,
		HostBlockedFails:     8,
		CooldownBase:         2 * time.Minute,
		CooldownMax:          6 * time.Hour,
	}
}

// Frontier is the URL health ledger.
type Frontier struct {
	store *store.FrontierStore
	cfg   Config
	now   func() time.Time
}

// New returns a frontier over the given partition.
func New(fs *store.FrontierStore, cfg Config) *Frontier {
	return &Frontier{store: fs, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// ShouldSkip reports whether a URL must not be fetched right now and why.
func (f *Frontier) ShouldSkip(rawURL string) (bool, string, error) {
	now := f.now()

	rec, err := f.store.GetURL(rawURL)
	if err != nil {
		return false, "", err
	}
	if rec != nil {
		if rec.DeadPattern {
			return true, ReasonPathDeadPattern, nil
		}
		if !rec.CooldownUntil.IsZero() && rec.CooldownUntil.After(now) {
			return true, ReasonURLCooldown, nil
		}
	}

	domain, sig := Signature(rawURL)
	dead, err := f.store.IsDeadPattern(domain, sig, f.cfg.DeadPatternThreshold)
	if err != nil {
		return false, "", err
	}
	if dead {
		return true, ReasonPathDeadPattern, nil
	}

	state, _, err := f.HostState(hostOf(rawURL))
	if err != nil {
		return false, "", err
	}
	if state == HostBlocked {
		return true, ReasonBlockedBudget, nil
	}
	return false, "", nil
}

// RecordFetch merges a fetch outcome into the URL and host records.
// Counters only grow; cooldowns only extend (monotonic max).
func (f *Frontier) RecordFetch(rawURL string, statusCode int, outcome string) error {
	now := f.now()
	domain, sig := Signature(rawURL)

	rec, err := f.store.GetURL(rawURL)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &store.URLRecord{URL: rawURL, Domain: domain, PathSignature: sig}
	}

	switch outcome {
	case OutcomeOK:
		// success clears nothing retroactively; counters stand
	case OutcomeDead:
		rec.FailCount++
		hits, err := f.store.RecordDeadPattern(domain, sig, now)
		if err != nil {
			return err
		}
		if hits >= f.cfg.DeadPatternThreshold {
			rec.DeadPattern = true
			logging.Frontier("Dead path pattern learned: %s %s (%d hits)", domain, sig, hits)
		}
	case OutcomeDenied:
		rec.FailCount++
		rec.BlockedCount++
		cooldown := f.blockedCooldown(rec.BlockedCount)
		until := now.Add(cooldown)
		if until.After(rec.CooldownUntil) {
			rec.CooldownUntil = until
		}
	case OutcomeTransient, OutcomeParseFailed:
		rec.FailCount++
	default:
		return fmt.Errorf("unknown fetch outcome %q", outcome)
	}

	rec.LastStatus = statusCode
	rec.LastOutcome = outcome
	rec.LastOutcomeAt = now
	if err := f.store.UpsertURL(*rec); err != nil {
		return err
	}

	return f.recordHost(hostOf(rawURL), outcome, now)
}

func (f *Frontier) recordHost(host, outcome string, now time.Time) error {
	health, err := f.store.GetHostHealth(host)
	if err != nil {
		return err
	}
	if health == nil {
		health = &store.HostHealth{Host: host, BudgetState: HostOK}
	}

	switch outcome {
	case OutcomeOK:
		if health.BudgetState == HostBackoff {
			health.BudgetState = HostOK
			health.FailCount = 0
		}
	case OutcomeDenied:
		health.FailCount++
		health.BlockedCount++
	case OutcomeDead, OutcomeTransient, OutcomeParseFailed:
		health.FailCount++
	}

	switch {
	case health.FailCount >= f.cfg.HostBlockedFails:
		health.BudgetState = HostBlocked
		until := now.Add(f.blockedCooldown(health.BlockedCount))
		if until.After(health.CooldownUntil) {
			health.CooldownUntil = until
		}
		logging.Frontier("Host %s blocked until %s", host, health.CooldownUntil.Format(time.RFC3339))
	case health.FailCount >= f.cfg.HostBackoffFails:
		health.BudgetState = HostBackoff
	}

	return f.store.UpsertHostHealth(*health)
}

// HostState returns the current budget state for a host plus a 0..1
// budget score for ranking fetch order: 1 is a clean host, 0 is blocked.
func (f *Frontier) HostState(host string) (string, float64, error) {
	health, err := f.store.GetHostHealth(host)
	if err != nil {
		return "", 0, err
	}
	if health == nil {
		return HostOK, 1, nil
	}
	state := health.BudgetState
	if state == HostBlocked && !health.CooldownUntil.IsZero() && !health.CooldownUntil.After(f.now()) {
		state = HostBackoff // cooldown lapsed, probe cautiously
	}
	if state == HostBlocked {
		return state, 0, nil
	}
	return state, 1 / (1 + float64(health.FailCount)), nil
}

// blockedCooldown doubles per strike up to the cap.
func (f *Frontier) blockedCooldown(strikes int) time.Duration {
	d := f.cfg.CooldownBase
	for i := 1; i < strikes; i++ {
		d *= 2
		if d >= f.cfg.CooldownMax {
			return f.cfg.CooldownMax
		}
	}
	if d > f.cfg.CooldownMax {
		d = f.cfg.CooldownMax
	}
	return d
}

var digitRun = regexp.MustCompile(`\d+`)
var hexRun = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)

// Signature normalizes a URL to (domain, path shape). IDs and hashes in
// path segments collapse so one dead template matches its siblings.
func Signature(rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", rawURL
	}
	path := strings.ToLower(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	path = hexRun.ReplaceAllString(path, "{h}")
	path = digitRun.ReplaceAllString(path, "{n}")
	return strings.ToLower(u.Hostname()), path
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
