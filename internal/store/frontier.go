package store

import (
	"database/sql"
	"fmt"
	"time"
)

// FrontierStore is the URL frontier partition. Owned by internal/frontier.
type FrontierStore struct {
	local *Local
}

// URLRecord is the persisted state of one URL across runs.
type URLRecord struct {
	URL           string
	Domain        string
	PathSignature string
	FailCount     int
	BlockedCount  int
	CooldownUntil time.Time
	DeadPattern   bool
	LastStatus    int
	LastOutcome   string
	LastOutcomeAt time.Time
}

// HostHealth is the per-host budget state.
type HostHealth struct {
	Host          string
	FailCount     int
	BlockedCount  int
	CooldownUntil time.Time
	BudgetState   string
}

// GetURL returns the frontier record for a URL, or nil when unseen.
func (f *FrontierStore) GetURL(url string) (*URLRecord, error) {
	row := f.local.db.QueryRow(`
		SELECT url, domain, path_signature, fail_count, blocked_count,
		       cooldown_until, dead_pattern, last_status, last_outcome, last_outcome_at
		FROM frontier_urls WHERE url = ?`, url)
	return scanURLRecord(row)
}

// UpsertURL merges an outcome into the URL's record.
func (f *FrontierStore) UpsertURL(rec URLRecord) error {
	dead := 0
	if rec.DeadPattern {
		dead = 1
	}
	_, err := f.local.exec(`
		INSERT INTO frontier_urls
		(url, domain, path_signature, fail_count, blocked_count, cooldown_until,
		 dead_pattern, last_status, last_outcome, last_outcome_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			fail_count = excluded.fail_count,
			blocked_count = excluded.blocked_count,
			cooldown_until = excluded.cooldown_until,
			dead_pattern = excluded.dead_pattern,
			last_status = excluded.last_status,
			last_outcome = excluded.last_outcome,
			last_outcome_at = excluded.last_outcome_at`,
		rec.URL, rec.Domain, rec.PathSignature, rec.FailCount, rec.BlockedCount,
		nullTime(rec.CooldownUntil), dead, rec.LastStatus, rec.LastOutcome,
		nullTime(rec.LastOutcomeAt))
	if err != nil {
		return fmt.Errorf("failed to upsert frontier url: %w", err)
	}
	return nil
}

// RecordDeadPattern bumps the hit counter for a (domain, path shape) pair
// and returns the new count.
func (f *FrontierStore) RecordDeadPattern(domain, pathSignature string, now time.Time) (int, error) {
	if _, err := f.local.exec(`
		INSERT INTO dead_patterns (domain, path_signature, hits, learned_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(domain, path_signature) DO UPDATE SET hits = hits + 1`,
		domain, pathSignature, now); err != nil {
		return 0, fmt.Errorf("failed to record dead pattern: %w", err)
	}
	var hits int
	row := f.local.db.QueryRow(
		`SELECT hits FROM dead_patterns WHERE domain = ? AND path_signature = ?`,
		domain, pathSignature)
	if err := row.Scan(&hits); err != nil {
		return 0, err
	}
	return hits, nil
}

// IsDeadPattern reports whether a (domain, path shape) pair has accumulated
// at least threshold failures.
func (f *FrontierStore) IsDeadPattern(domain, pathSignature string, threshold int) (bool, error) {
	var hits int
	row := f.local.db.QueryRow(
		`SELECT hits FROM dead_patterns WHERE domain = ? AND path_signature = ?`,
		domain, pathSignature)
	if err := row.Scan(&hits); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return hits >= threshold, nil
}

// GetHostHealth returns the budget state for a host, or nil when unseen.
func (f *FrontierStore) GetHostHealth(host string) (*HostHealth, error) {
	row := f.local.db.QueryRow(`
		SELECT host, fail_count, blocked_count, cooldown_until, budget_state
		FROM host_health WHERE host = ?`, host)
	var h HostHealth
	var cooldown sql.NullTime
	if err := row.Scan(&h.Host, &h.FailCount, &h.BlockedCount, &cooldown, &h.BudgetState); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if cooldown.Valid {
		h.CooldownUntil = cooldown.Time
	}
	return &h, nil
}

// UpsertHostHealth writes the host's budget state.
func (f *FrontierStore) UpsertHostHealth(h HostHealth) error {
	_, err := f.local.exec(`
		INSERT INTO host_health (host, fail_count, blocked_count, cooldown_until, budget_state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			fail_count = excluded.fail_count,
			blocked_count = excluded.blocked_count,
			cooldown_until = excluded.cooldown_until,
			budget_state = excluded.budget_state`,
		h.Host, h.FailCount, h.BlockedCount, nullTime(h.CooldownUntil), h.BudgetState)
	if err != nil {
		return fmt.Errorf("failed to upsert host health: %w", err)
	}
	return nil
}

func scanURLRecord(row *sql.Row) (*URLRecord, error) {
	var rec URLRecord
	var dead int
	var cooldown, outcomeAt sql.NullTime
	var outcome sql.NullString
	err := row.Scan(&rec.URL, &rec.Domain, &rec.PathSignature, &rec.FailCount,
		&rec.BlockedCount, &cooldown, &dead, &rec.LastStatus, &outcome, &outcomeAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.DeadPattern = dead != 0
	if cooldown.Valid {
		rec.CooldownUntil = cooldown.Time
	}
	if outcomeAt.Valid {
		rec.LastOutcomeAt = outcomeAt.Time
	}
	rec.LastOutcome = outcome.String
	return &rec, nil
}

// nullTime maps the zero time to NULL so cooldown checks stay simple.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
