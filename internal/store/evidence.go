package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"spechound/internal/logging"
	"spechound/internal/types"
)

// EvidenceStore is the evidence index partition: sources, documents,
// chunks, facts, and the two FTS tables. Owned by internal/index.
type EvidenceStore struct {
	local *Local
}

// Document is one parsed document row.
type Document struct {
	DocID          string
	SourceID       string
	ContentHash    string
	ParserVersion  string
	ChunkerVersion string
	ParsedOK       bool
	IndexedAt      time.Time
}

// Chunk is one stored snippet.
type Chunk struct {
	SnippetID   string
	DocID       string
	Surface     string
	Text        string
	StartOffset int
	EndOffset   int
	TextHash    string
}

// Fact is one normalized key/value extracted from a table or kv surface.
type Fact struct {
	FactID          string
	DocID           string
	TableID         string
	RowID           string
	RawKey          string
	RawValue        string
	NormalizedKey   string
	NormalizedValue string
	UnitHint        string
	SnippetID       string
}

// SearchFilters restricts FTS lookups.
type SearchFilters struct {
	Tiers         []types.SourceTier
	DocKinds      []types.DocKind
	IdentityMin   types.IdentityMatchLevel // provisional accepts provisional+locked
	Host          string
	Limit         int
}

// SearchHit is one FTS result joined back to its source metadata.
type SearchHit struct {
	SnippetID     string
	DocID         string
	SourceID      string
	Text          string
	Surface       string
	NormalizedKey string // set for fact hits
	UnitHint      string // set for fact hits
	Tier          types.SourceTier
	DocKind       types.DocKind
	Host          string
	IdentityMatch types.IdentityMatchLevel
}

// InsertSource persists a fetched source record.
func (e *EvidenceStore) InsertSource(src types.Source) error {
	_, err := e.local.exec(`
		INSERT OR REPLACE INTO sources
		(source_id, url, final_url, host, root_domain, tier, doc_kind, content_type,
		 content_hash, bytes, fetched_at, fetch_mode, status_code,
		 identity_match_level, target_match_score, product_cluster_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.SourceID, src.URL, src.FinalURL, src.Host, src.RootDomain, int(src.Tier),
		string(src.DocKind), src.ContentType, src.ContentHash, src.Bytes, src.FetchedAt,
		string(src.FetchMode), src.StatusCode, string(src.IdentityMatch),
		src.TargetMatchScore, src.ProductClusterID)
	if err != nil {
		return fmt.Errorf("failed to insert source %s: %w", src.SourceID, err)
	}
	return nil
}

// UpdateSourceIdentity records the identity gate's verdict for a source.
func (e *EvidenceStore) UpdateSourceIdentity(sourceID string, level types.IdentityMatchLevel, score float64) error {
	_, err := e.local.exec(
		`UPDATE sources SET identity_match_level = ?, target_match_score = ? WHERE source_id = ?`,
		string(level), score, sourceID)
	return err
}

// FindDocument looks up an indexed document by its dedupe key.
func (e *EvidenceStore) FindDocument(contentHash, parserVersion, chunkerVersion string) (*Document, error) {
	row := e.local.db.QueryRow(`
		SELECT doc_id, source_id, content_hash, parser_version, chunker_version, parsed_ok, indexed_at
		FROM documents WHERE content_hash = ? AND parser_version = ? AND chunker_version = ?`,
		contentHash, parserVersion, chunkerVersion)
	var d Document
	var ok int
	if err := row.Scan(&d.DocID, &d.SourceID, &d.ContentHash, &d.ParserVersion, &d.ChunkerVersion, &ok, &d.IndexedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up document: %w", err)
	}
	d.ParsedOK = ok != 0
	return &d, nil
}

// InsertDocument writes a document with its chunks and facts in one
// transaction. Readers see either the complete document or nothing.
func (e *EvidenceStore) InsertDocument(doc Document, chunks []Chunk, facts []Fact) error {
	timer := logging.StartTimer(logging.CategoryStore, "InsertDocument")
	defer timer.Stop()

	return e.local.withTx(func(tx *sql.Tx) error {
		parsedOK := 0
		if doc.ParsedOK {
			parsedOK = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO documents (doc_id, source_id, content_hash, parser_version, chunker_version, parsed_ok, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			doc.DocID, doc.SourceID, doc.ContentHash, doc.ParserVersion, doc.ChunkerVersion, parsedOK, doc.IndexedAt); err != nil {
			return fmt.Errorf("failed to insert document %s: %w", doc.DocID, err)
		}

		for _, c := range chunks {
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO chunks (snippet_id, doc_id, surface, text, start_offset, end_offset, text_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.SnippetID, c.DocID, c.Surface, c.Text, c.StartOffset, c.EndOffset, c.TextHash); err != nil {
				return fmt.Errorf("failed to insert chunk %s: %w", c.SnippetID, err)
			}
			if _, err := tx.Exec(`INSERT INTO chunks_fts (snippet_id, text) VALUES (?, ?)`,
				c.SnippetID, c.Text); err != nil {
				return fmt.Errorf("failed to index chunk %s: %w", c.SnippetID, err)
			}
		}

		for _, f := range facts {
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO facts
				(fact_id, doc_id, table_id, row_id, raw_key, raw_value, normalized_key, normalized_value, unit_hint, snippet_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.FactID, f.DocID, f.TableID, f.RowID, f.RawKey, f.RawValue,
				f.NormalizedKey, f.NormalizedValue, f.UnitHint, f.SnippetID); err != nil {
				return fmt.Errorf("failed to insert fact %s: %w", f.FactID, err)
			}
			body := f.NormalizedKey + " " + f.NormalizedValue
			if _, err := tx.Exec(`INSERT INTO facts_fts (fact_id, body) VALUES (?, ?)`,
				f.FactID, body); err != nil {
				return fmt.Errorf("failed to index fact %s: %w", f.FactID, err)
			}
		}
		return nil
	})
}

// LinkRunDocument ties a document to a run with its reuse mode.
func (e *EvidenceStore) LinkRunDocument(runID, docID, reuseMode string) error {
	_, err := e.local.exec(`
		INSERT OR REPLACE INTO run_documents (run_id, doc_id, reuse_mode) VALUES (?, ?, ?)`,
		runID, docID, reuseMode)
	return err
}

// ResolveSnippet returns the chunk for a snippet ID, or nil when unknown.
// Extractor outputs referencing unresolvable snippets are schema violations.
func (e *EvidenceStore) ResolveSnippet(snippetID string) (*Chunk, error) {
	row := e.local.db.QueryRow(`
		SELECT snippet_id, doc_id, surface, text, start_offset, end_offset, text_hash
		FROM chunks WHERE snippet_id = ?`, snippetID)
	var c Chunk
	if err := row.Scan(&c.SnippetID, &c.DocID, &c.Surface, &c.Text, &c.StartOffset, &c.EndOffset, &c.TextHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve snippet %s: %w", snippetID, err)
	}
	return &c, nil
}

// SourceForDoc returns the source metadata for a document.
func (e *EvidenceStore) SourceForDoc(docID string) (*types.Source, error) {
	row := e.local.db.QueryRow(`
		SELECT s.source_id, s.url, s.final_url, s.host, s.root_domain, s.tier, s.doc_kind,
		       s.content_hash, s.identity_match_level, s.target_match_score
		FROM sources s JOIN documents d ON d.source_id = s.source_id
		WHERE d.doc_id = ?`, docID)
	var src types.Source
	var tier int
	var kind, level string
	if err := row.Scan(&src.SourceID, &src.URL, &src.FinalURL, &src.Host, &src.RootDomain,
		&tier, &kind, &src.ContentHash, &level, &src.TargetMatchScore); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	src.Tier = types.SourceTier(tier)
	src.DocKind = types.DocKind(kind)
	src.IdentityMatch = types.IdentityMatchLevel(level)
	return &src, nil
}

// SearchChunksFTS runs a full-text query over chunk text with filters.
func (e *EvidenceStore) SearchChunksFTS(query string, filters SearchFilters) ([]SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchChunksFTS")
	defer timer.Stop()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	sqlStr := `
		SELECT c.snippet_id, c.doc_id, d.source_id, c.text, c.surface,
		       s.tier, s.doc_kind, s.host, s.identity_match_level
		FROM chunks_fts
		JOIN chunks c ON c.snippet_id = chunks_fts.snippet_id
		JOIN documents d ON d.doc_id = c.doc_id
		JOIN sources s ON s.source_id = d.source_id
		WHERE chunks_fts MATCH ?`
	args := []interface{}{match}
	sqlStr, args = appendFilterSQL(sqlStr, args, filters)

	rows, err := e.local.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("chunk FTS query failed: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var tier int
		var kind, level string
		if err := rows.Scan(&h.SnippetID, &h.DocID, &h.SourceID, &h.Text, &h.Surface,
			&tier, &kind, &h.Host, &level); err != nil {
			return nil, err
		}
		h.Tier = types.SourceTier(tier)
		h.DocKind = types.DocKind(kind)
		h.IdentityMatch = types.IdentityMatchLevel(level)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchFactsFTS runs a full-text query over normalized facts with filters.
func (e *EvidenceStore) SearchFactsFTS(query string, filters SearchFilters) ([]SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchFactsFTS")
	defer timer.Stop()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	sqlStr := `
		SELECT f.snippet_id, f.doc_id, d.source_id, f.normalized_value, f.normalized_key, f.unit_hint,
		       s.tier, s.doc_kind, s.host, s.identity_match_level
		FROM facts_fts
		JOIN facts f ON f.fact_id = facts_fts.fact_id
		JOIN documents d ON d.doc_id = f.doc_id
		JOIN sources s ON s.source_id = d.source_id
		WHERE facts_fts MATCH ?`
	args := []interface{}{match}
	sqlStr, args = appendFilterSQL(sqlStr, args, filters)

	rows, err := e.local.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fact FTS query failed: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var tier int
		var kind, level string
		var unitHint sql.NullString
		if err := rows.Scan(&h.SnippetID, &h.DocID, &h.SourceID, &h.Text, &h.NormalizedKey, &unitHint,
			&tier, &kind, &h.Host, &level); err != nil {
			return nil, err
		}
		h.UnitHint = unitHint.String
		h.Tier = types.SourceTier(tier)
		h.DocKind = types.DocKind(kind)
		h.IdentityMatch = types.IdentityMatchLevel(level)
		h.Surface = "kv"
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// appendFilterSQL extends a WHERE clause with the optional filters.
func appendFilterSQL(sqlStr string, args []interface{}, filters SearchFilters) (string, []interface{}) {
	if len(filters.Tiers) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filters.Tiers)), ",")
		sqlStr += " AND s.tier IN (" + placeholders + ")"
		for _, t := range filters.Tiers {
			args = append(args, int(t))
		}
	}
	if len(filters.DocKinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filters.DocKinds)), ",")
		sqlStr += " AND s.doc_kind IN (" + placeholders + ")"
		for _, k := range filters.DocKinds {
			args = append(args, string(k))
		}
	}
	switch filters.IdentityMin {
	case types.IdentityLocked:
		sqlStr += " AND s.identity_match_level = 'locked'"
	case types.IdentityProvisional:
		sqlStr += " AND s.identity_match_level IN ('provisional', 'locked')"
	}
	if filters.Host != "" {
		sqlStr += " AND s.host = ?"
		args = append(args, filters.Host)
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	sqlStr += " LIMIT ?"
	args = append(args, limit)
	return sqlStr, args
}

// ftsQuery sanitizes free text into an FTS5 OR-query of bare terms.
// FTS5 treats unquoted punctuation as syntax, so terms are quoted.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `"'`)
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}
