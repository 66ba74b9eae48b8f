package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LearningStore is the cross-product learning partition. Owned by
// internal/learning. All writes are gated by the caller on acceptance
// confidence; this layer only persists.
type LearningStore struct {
	local *Local
}

// LexiconEntry is one observed key-phrase token for a (category, field).
type LexiconEntry struct {
	Category  string
	FieldKey  string
	Token     string
	Refs      int
	UpdatedAt time.Time
}

// AnchorEntry is one section/heading phrase that predicted field evidence.
type AnchorEntry struct {
	Category  string
	FieldKey  string
	Phrase    string
	Weight    float64
	UpdatedAt time.Time
}

// URLMemoryEntry remembers a productive URL for an identity fingerprint.
type URLMemoryEntry struct {
	Fingerprint string
	URL         string
	DocKind     string
	Tier        int
	LastUsed    time.Time
}

// DomainYield tracks accepted-vs-attempted counts per (category, host, field).
type DomainYield struct {
	Category  string
	Host      string
	FieldKey  string
	Attempts  int
	Accepted  int
	UpdatedAt time.Time
}

// BumpLexicon increments a token's reference count.
func (l *LearningStore) BumpLexicon(category, fieldKey, token string, now time.Time) error {
	_, err := l.local.exec(`
		INSERT INTO learning_lexicon (category, field_key, token, refs, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(category, field_key, token) DO UPDATE SET
			refs = refs + 1, updated_at = excluded.updated_at`,
		category, fieldKey, token, now)
	if err != nil {
		return fmt.Errorf("failed to bump lexicon token: %w", err)
	}
	return nil
}

// ActiveLexicon returns tokens for a field updated within the active window,
// most-referenced first.
func (l *LearningStore) ActiveLexicon(category, fieldKey string, since time.Time, limit int) ([]LexiconEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.local.db.Query(`
		SELECT category, field_key, token, refs, updated_at
		FROM learning_lexicon
		WHERE category = ? AND field_key = ? AND updated_at >= ?
		ORDER BY refs DESC LIMIT ?`,
		category, fieldKey, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []LexiconEntry
	for rows.Next() {
		var e LexiconEntry
		if err := rows.Scan(&e.Category, &e.FieldKey, &e.Token, &e.Refs, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ExpireLexicon deletes tokens not refreshed since the cutoff.
func (l *LearningStore) ExpireLexicon(cutoff time.Time) (int64, error) {
	res, err := l.local.exec(`DELETE FROM learning_lexicon WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpsertAnchor records or reinforces a section anchor phrase.
func (l *LearningStore) UpsertAnchor(category, fieldKey, phrase string, weight float64, now time.Time) error {
	_, err := l.local.exec(`
		INSERT INTO learning_anchors (category, field_key, phrase, weight, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(category, field_key, phrase) DO UPDATE SET
			weight = MAX(weight, excluded.weight), updated_at = excluded.updated_at`,
		category, fieldKey, phrase, weight, now)
	return err
}

// ActiveAnchors returns anchors for a field within the active window.
func (l *LearningStore) ActiveAnchors(category, fieldKey string, since time.Time) ([]AnchorEntry, error) {
	rows, err := l.local.db.Query(`
		SELECT category, field_key, phrase, weight, updated_at
		FROM learning_anchors
		WHERE category = ? AND field_key = ? AND updated_at >= ?
		ORDER BY weight DESC`,
		category, fieldKey, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AnchorEntry
	for rows.Next() {
		var e AnchorEntry
		if err := rows.Scan(&e.Category, &e.FieldKey, &e.Phrase, &e.Weight, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RememberURL records a productive URL for an identity fingerprint.
func (l *LearningStore) RememberURL(e URLMemoryEntry) error {
	_, err := l.local.exec(`
		INSERT INTO learning_url_memory (fingerprint, url, doc_kind, tier, last_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint, url) DO UPDATE SET
			doc_kind = excluded.doc_kind, tier = excluded.tier, last_used = excluded.last_used`,
		e.Fingerprint, e.URL, e.DocKind, e.Tier, e.LastUsed)
	return err
}

// RememberedURLs returns stored URLs for a fingerprint, freshest first.
func (l *LearningStore) RememberedURLs(fingerprint string, since time.Time) ([]URLMemoryEntry, error) {
	rows, err := l.local.db.Query(`
		SELECT fingerprint, url, doc_kind, tier, last_used
		FROM learning_url_memory
		WHERE fingerprint = ? AND last_used >= ?
		ORDER BY last_used DESC`,
		fingerprint, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []URLMemoryEntry
	for rows.Next() {
		var e URLMemoryEntry
		if err := rows.Scan(&e.Fingerprint, &e.URL, &e.DocKind, &e.Tier, &e.LastUsed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordYield bumps a (category, host, field) attempt, counting acceptance.
func (l *LearningStore) RecordYield(category, host, fieldKey string, accepted bool, now time.Time) error {
	acc := 0
	if accepted {
		acc = 1
	}
	_, err := l.local.exec(`
		INSERT INTO learning_domain_yield (category, host, field_key, attempts, accepted, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(category, host, field_key) DO UPDATE SET
			attempts = attempts + 1,
			accepted = accepted + excluded.accepted,
			updated_at = excluded.updated_at`,
		category, host, fieldKey, acc, now)
	return err
}

// YieldFor returns the yield row for a (category, host, field), or nil.
func (l *LearningStore) YieldFor(category, host, fieldKey string) (*DomainYield, error) {
	row := l.local.db.QueryRow(`
		SELECT category, host, field_key, attempts, accepted, updated_at
		FROM learning_domain_yield
		WHERE category = ? AND host = ? AND field_key = ?`,
		category, host, fieldKey)
	var y DomainYield
	if err := row.Scan(&y.Category, &y.Host, &y.FieldKey, &y.Attempts, &y.Accepted, &y.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &y, nil
}

// HostYields returns all yield rows for a category, best ratio first.
// Hosts with too few attempts to judge are ranked after proven ones.
func (l *LearningStore) HostYields(category string) ([]DomainYield, error) {
	rows, err := l.local.db.Query(`
		SELECT category, host, field_key, attempts, accepted, updated_at
		FROM learning_domain_yield
		WHERE category = ?
		ORDER BY CAST(accepted AS REAL) / MAX(attempts, 1) DESC, attempts DESC`,
		category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var yields []DomainYield
	for rows.Next() {
		var y DomainYield
		if err := rows.Scan(&y.Category, &y.Host, &y.FieldKey, &y.Attempts, &y.Accepted, &y.UpdatedAt); err != nil {
			return nil, err
		}
		yields = append(yields, y)
	}
	return yields, rows.Err()
}

// AddSuggestion appends a contract-change suggestion for human review.
// Suggestions never mutate contracts automatically.
func (l *LearningStore) AddSuggestion(category, kind, payload string, now time.Time) error {
	_, err := l.local.exec(`
		INSERT INTO learning_suggestions (category, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		category, kind, payload, now)
	return err
}

// Suggestions lists pending suggestions for a category, newest first.
func (l *LearningStore) Suggestions(category string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.local.db.Query(`
		SELECT id, category, kind, payload, created_at
		FROM learning_suggestions WHERE category = ?
		ORDER BY id DESC LIMIT ?`, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Suggestion
	for rows.Next() {
		var s Suggestion
		if err := rows.Scan(&s.ID, &s.Category, &s.Kind, &s.Payload, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Suggestion is one queued contract-change proposal.
type Suggestion struct {
	ID        int64
	Category  string
	Kind      string
	Payload   string
	CreatedAt time.Time
}
