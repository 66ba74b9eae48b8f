// Package learning turns accepted evidence into cross-product memory:
// a component lexicon, section anchors, URL memory, and domain yield.
// Proposals accumulate during a round; Commit writes only those whose
// source field cleared the acceptance gate, so one bad round cannot
// poison future retrieval. Learning never edits contracts; it files
// suggestions for review.
package learning

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"spechound/internal/config"
	"spechound/internal/logging"
	"spechound/internal/store"
	"spechound/internal/types"
)

// Proposal is one candidate learning write, staged until the commit
// gate decides.
type Proposal struct {
	FieldKey string
	Tokens   []string // lexicon phrases observed near the accepted value
	Anchors  []string // section headings that led to the evidence
	Hosts    []string // hosts whose snippets backed the winner
	URLs     []store.URLMemoryEntry
}

// Committer applies round proposals through the gate.
type Committer struct {
	store *store.LearningStore
	cfg   config.LearningConfig
	now   func() time.Time
}

// NewCommitter builds a committer over the learning partition.
func NewCommitter(ls *store.LearningStore, cfg config.LearningConfig) *Committer {
	return &Committer{store: ls, cfg: cfg, now: time.Now}
}

// Eligible applies the commit gate: the source field must be accepted
// with commit-grade confidence, its evidence policy met, and its tier
// preference honored.
func (c *Committer) Eligible(fc types.FieldContract, state types.FieldState) bool {
	if state.Status != types.FieldAccepted {
		return false
	}
	if state.Confidence < c.cfg.CommitConfidence {
		return false
	}
	if state.DistinctSources < fc.EvidencePolicy.MinRefs {
		return false
	}
	if fc.TierRequired() && state.BestTierSeen != types.Tier1 {
		return false
	}
	return true
}

// Commit writes eligible proposals. Re-committing the same round is a
// no-op for url memory and anchors (upserts keyed on content); lexicon
// refs do count repeat observations across distinct runs by design, so
// callers commit once per run.
func (c *Committer) Commit(category string, contract types.CategoryContract, states map[string]types.FieldState, proposals []Proposal) error {
	timer := logging.StartTimer(logging.CategoryLearning, "Commit "+category)
	defer timer.Stop()

	byKey := make(map[string]types.FieldContract, len(contract.Fields))
	for _, f := range contract.Fields {
		byKey[f.Key] = f
	}
	now := c.now().UTC()

	committed := 0
	for _, p := range proposals {
		fc, ok := byKey[p.FieldKey]
		if !ok || !c.Eligible(fc, states[p.FieldKey]) {
			continue
		}
		for _, tok := range dedupeLower(p.Tokens) {
			if err := c.store.BumpLexicon(category, p.FieldKey, tok, now); err != nil {
				return err
			}
		}
		for _, phrase := range dedupeLower(p.Anchors) {
			if err := c.store.UpsertAnchor(category, p.FieldKey, phrase, 1.0, now); err != nil {
				return err
			}
		}
		for _, u := range p.URLs {
			u.LastUsed = now
			if err := c.store.RememberURL(u); err != nil {
				return err
			}
		}
		committed++
	}

	// Yield counts every attempted field per host, accepted or not, so
	// ratios mean something.
	for _, p := range proposals {
		state := states[p.FieldKey]
		accepted := c.Eligible(byKey[p.FieldKey], state)
		for _, host := range dedupeLower(p.Hosts) {
			if err := c.store.RecordYield(category, host, p.FieldKey, accepted, now); err != nil {
				return err
			}
		}
	}

	logging.Learning("committed %d/%d proposals for %s", committed, len(proposals), category)
	return nil
}

// Decay expires stale entries per the configured windows.
func (c *Committer) Decay() error {
	now := c.now().UTC()
	cutoff := now.AddDate(0, 0, -c.cfg.LexiconExpireDays)
	n, err := c.store.ExpireLexicon(cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		logging.Learning("expired %d lexicon tokens older than %s", n, cutoff.Format("2006-01-02"))
	}
	return nil
}

// Hints is the retrieval readback for one field.
type Hints struct {
	Anchors       []string
	LexiconTokens []string
	HostYield     map[string]float64
}

// HintsFor reads active anchors, lexicon tokens, and host yields back
// into retrieval shape. Entries outside their active window are ignored
// even before Decay physically removes them.
func (c *Committer) HintsFor(category, fieldKey string) (Hints, error) {
	now := c.now().UTC()
	h := Hints{HostYield: make(map[string]float64)}

	anchors, err := c.store.ActiveAnchors(category, fieldKey, now.AddDate(0, 0, -c.cfg.AnchorsActiveDays))
	if err != nil {
		return h, err
	}
	for _, a := range anchors {
		h.Anchors = append(h.Anchors, a.Phrase)
	}

	lex, err := c.store.ActiveLexicon(category, fieldKey, now.AddDate(0, 0, -c.cfg.LexiconActiveDays), 10)
	if err != nil {
		return h, err
	}
	for _, e := range lex {
		h.LexiconTokens = append(h.LexiconTokens, e.Token)
	}

	yields, err := c.store.HostYields(category)
	if err != nil {
		return h, err
	}
	for _, y := range yields {
		if y.FieldKey != fieldKey || y.Attempts == 0 {
			continue
		}
		ratio := float64(y.Accepted) / float64(y.Attempts)
		if ratio < c.cfg.YieldLowRatioBelow {
			// Low-yield hosts get no boost rather than a penalty; the
			// retriever's base ranking already handles them.
			continue
		}
		if ratio > h.HostYield[y.Host] {
			h.HostYield[y.Host] = ratio
		}
	}
	return h, nil
}

// SeedURLs returns remembered URLs for an identity fingerprint, for
// Round 0 of later runs on the same or sibling identities.
func (c *Committer) SeedURLs(fingerprint string, limit int) ([]string, error) {
	since := c.now().UTC().AddDate(0, 0, -c.cfg.URLMemoryDays)
	entries, err := c.store.RememberedURLs(fingerprint, since)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, e := range entries {
		urls = append(urls, e.URL)
		if limit > 0 && len(urls) >= limit {
			break
		}
	}
	return urls, nil
}

// SuggestEnum files a contract suggestion when accepted values keep
// landing outside a field's enum. Review is human; nothing mutates.
func (c *Committer) SuggestEnum(category, fieldKey string, observed []string) error {
	sort.Strings(observed)
	payload, err := json.Marshal(map[string]interface{}{
		"field_key":       fieldKey,
		"observed_values": observed,
	})
	if err != nil {
		return err
	}
	return c.store.AddSuggestion(category, "enum_extension", string(payload), c.now().UTC())
}

func dedupeLower(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
