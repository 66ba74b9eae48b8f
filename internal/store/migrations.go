package store

import (
	"fmt"
	"strings"

	"spechound/internal/logging"
)

// migrations are applied in order; schema_version records the last applied.
// Statements must stay idempotent (IF NOT EXISTS) so a re-run after a
// partial failure converges.
var migrations = []string{
	// 1: evidence index partition
	`
	CREATE TABLE IF NOT EXISTS sources (
		source_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		final_url TEXT NOT NULL,
		host TEXT NOT NULL,
		root_domain TEXT NOT NULL,
		tier INTEGER NOT NULL,
		doc_kind TEXT NOT NULL,
		content_type TEXT,
		content_hash TEXT NOT NULL,
		bytes INTEGER NOT NULL DEFAULT 0,
		fetched_at TIMESTAMP NOT NULL,
		fetch_mode TEXT NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		identity_match_level TEXT NOT NULL DEFAULT 'unlocked',
		target_match_score REAL NOT NULL DEFAULT 0,
		product_cluster_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sources_hash ON sources(content_hash);
	CREATE INDEX IF NOT EXISTS idx_sources_host ON sources(host);

	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		parser_version TEXT NOT NULL,
		chunker_version TEXT NOT NULL,
		parsed_ok INTEGER NOT NULL DEFAULT 1,
		indexed_at TIMESTAMP NOT NULL,
		UNIQUE(content_hash, parser_version, chunker_version)
	);

	CREATE TABLE IF NOT EXISTS run_documents (
		run_id TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		reuse_mode TEXT NOT NULL DEFAULT 'new',
		PRIMARY KEY (run_id, doc_id)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		snippet_id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		surface TEXT NOT NULL,
		text TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		text_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
		snippet_id UNINDEXED,
		text
	);

	CREATE TABLE IF NOT EXISTS facts (
		fact_id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		table_id TEXT,
		row_id TEXT,
		raw_key TEXT,
		raw_value TEXT,
		normalized_key TEXT NOT NULL,
		normalized_value TEXT NOT NULL,
		unit_hint TEXT,
		snippet_id TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_doc ON facts(doc_id);
	CREATE INDEX IF NOT EXISTS idx_facts_key ON facts(normalized_key);

	CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
		fact_id UNINDEXED,
		body
	);
	`,

	// 2: URL frontier partition
	`
	CREATE TABLE IF NOT EXISTS frontier_urls (
		url TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		path_signature TEXT NOT NULL,
		fail_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		cooldown_until TIMESTAMP,
		dead_pattern INTEGER NOT NULL DEFAULT 0,
		last_status INTEGER NOT NULL DEFAULT 0,
		last_outcome TEXT,
		last_outcome_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_frontier_domain ON frontier_urls(domain);

	CREATE TABLE IF NOT EXISTS dead_patterns (
		domain TEXT NOT NULL,
		path_signature TEXT NOT NULL,
		hits INTEGER NOT NULL DEFAULT 0,
		learned_at TIMESTAMP NOT NULL,
		PRIMARY KEY (domain, path_signature)
	);

	CREATE TABLE IF NOT EXISTS host_health (
		host TEXT PRIMARY KEY,
		fail_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		cooldown_until TIMESTAMP,
		budget_state TEXT NOT NULL DEFAULT 'ok'
	);
	`,

	// 3: automation queue partition
	`
	CREATE TABLE IF NOT EXISTS queue_jobs (
		job_id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'queued',
		payload TEXT NOT NULL DEFAULT '{}',
		next_run_at TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_jobs(status, next_run_at, priority);

	CREATE TABLE IF NOT EXISTS queue_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT,
		at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS domain_backoff (
		domain TEXT PRIMARY KEY,
		until TIMESTAMP NOT NULL,
		strikes INTEGER NOT NULL DEFAULT 0
	);
	`,

	// 4: learning stores partition
	`
	CREATE TABLE IF NOT EXISTS learning_lexicon (
		category TEXT NOT NULL,
		field_key TEXT NOT NULL,
		token TEXT NOT NULL,
		refs INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (category, field_key, token)
	);

	CREATE TABLE IF NOT EXISTS learning_anchors (
		category TEXT NOT NULL,
		field_key TEXT NOT NULL,
		phrase TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (category, field_key, phrase)
	);

	CREATE TABLE IF NOT EXISTS learning_url_memory (
		fingerprint TEXT NOT NULL,
		url TEXT NOT NULL,
		doc_kind TEXT NOT NULL,
		tier INTEGER NOT NULL,
		last_used TIMESTAMP NOT NULL,
		PRIMARY KEY (fingerprint, url)
	);

	CREATE TABLE IF NOT EXISTS learning_domain_yield (
		category TEXT NOT NULL,
		host TEXT NOT NULL,
		field_key TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		accepted INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (category, host, field_key)
	);

	CREATE TABLE IF NOT EXISTS learning_suggestions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	`,
}

// migrate applies pending schema migrations.
func (s *Local) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "store.migrate")
	defer timer.Stop()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		logging.StoreDebug("Applying migration %d", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			if strings.Contains(err.Error(), "no such module: fts5") {
				return fmt.Errorf("migration %d failed: %w (the evidence index needs SQLite FTS5; build with -tags sqlite_fts5)", i+1, err)
			}
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}
