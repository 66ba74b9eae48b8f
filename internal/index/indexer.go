// Package index implements the evidence index: parsing fetched sources
// into surfaces, assigning stable snippet IDs, lifting normalized facts,
// and serving full-text retrieval over both.
package index

import (
	"fmt"
	"strings"
	"time"

	"spechound/internal/events"
	"spechound/internal/logging"
	"spechound/internal/store"
	"spechound/internal/types"
)

// Result reports what indexing one source did.
type Result struct {
	DocID     string
	Outcome   string // indexed_new | dedupe_hit | parse_failed
	ReuseMode string // new | identical | updated
	Chunks    int
	Facts     int
}

// Indexer owns the evidence partition write path.
type Indexer struct {
	evidence *store.EvidenceStore
	sink     events.Sink
}

// New returns an indexer writing to the evidence partition.
func New(evidence *store.EvidenceStore, sink events.Sink) *Indexer {
	if sink == nil {
		sink = events.Nop{}
	}
	return &Indexer{evidence: evidence, sink: sink}
}

// Index parses and stores a fetched source for a run. Re-indexing
// unchanged bytes is a dedupe hit: the stored document is linked to the
// run without re-parsing. reuseIdentical distinguishes a same-URL
// re-fetch (identical) from changed content under a known URL (updated).
func (ix *Indexer) Index(runID string, src types.Source) (Result, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Index "+src.FinalURL)
	defer timer.Stop()

	if src.ContentHash == "" {
		src.ContentHash = ContentHash(src.Body)
	}

	existing, err := ix.evidence.FindDocument(src.ContentHash, ParserVersion, ChunkerVersion)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		reuse := "identical"
		prior, err := ix.evidence.SourceForDoc(existing.DocID)
		if err == nil && prior != nil && prior.FinalURL != src.FinalURL {
			reuse = "updated"
		}
		if err := ix.evidence.LinkRunDocument(runID, existing.DocID, reuse); err != nil {
			return Result{}, err
		}
		res := Result{DocID: existing.DocID, Outcome: "dedupe_hit", ReuseMode: reuse}
		ix.emitResult(runID, src, res)
		return res, nil
	}

	if err := ix.evidence.InsertSource(src); err != nil {
		return Result{}, err
	}

	raw, parseErr := ix.parse(src)
	if parseErr != nil {
		logging.IndexDebug("Parse failed for %s: %v", src.FinalURL, parseErr)
		doc := store.Document{
			DocID:          DocID(src.ContentHash),
			SourceID:       src.SourceID,
			ContentHash:    src.ContentHash,
			ParserVersion:  ParserVersion,
			ChunkerVersion: ChunkerVersion,
			ParsedOK:       false,
			IndexedAt:      time.Now().UTC(),
		}
		if err := ix.evidence.InsertDocument(doc, nil, nil); err != nil {
			return Result{}, err
		}
		res := Result{DocID: doc.DocID, Outcome: "parse_failed", ReuseMode: "new"}
		ix.emitResult(runID, src, res)
		return res, fmt.Errorf("parse failed for %s: %w", src.FinalURL, parseErr)
	}

	doc := store.Document{
		DocID:          DocID(src.ContentHash),
		SourceID:       src.SourceID,
		ContentHash:    src.ContentHash,
		ParserVersion:  ParserVersion,
		ChunkerVersion: ChunkerVersion,
		ParsedOK:       true,
		IndexedAt:      time.Now().UTC(),
	}

	chunks := make([]store.Chunk, 0, len(raw))
	var facts []store.Fact
	for _, rc := range raw {
		th := TextHash(rc.Text)
		sid := SnippetID(src.FinalURL, rc.Start, rc.End, th)
		chunks = append(chunks, store.Chunk{
			SnippetID:   sid,
			DocID:       doc.DocID,
			Surface:     rc.Surface,
			Text:        rc.Text,
			StartOffset: rc.Start,
			EndOffset:   rc.End,
			TextHash:    th,
		})
		for _, fc := range FactsFromChunk(rc) {
			facts = append(facts, store.Fact{
				FactID:          FactID(sid, fc.NormalizedKey),
				DocID:           doc.DocID,
				RawKey:          fc.RawKey,
				RawValue:        fc.RawValue,
				NormalizedKey:   fc.NormalizedKey,
				NormalizedValue: fc.NormalizedValue,
				UnitHint:        fc.UnitHint,
				SnippetID:       sid,
			})
		}
	}

	if err := ix.evidence.InsertDocument(doc, chunks, facts); err != nil {
		return Result{}, err
	}
	if err := ix.evidence.LinkRunDocument(runID, doc.DocID, "new"); err != nil {
		return Result{}, err
	}

	res := Result{DocID: doc.DocID, Outcome: "indexed_new", ReuseMode: "new", Chunks: len(chunks), Facts: len(facts)}
	logging.Index("Indexed %s: %d chunks, %d facts", src.FinalURL, res.Chunks, res.Facts)
	ix.emitResult(runID, src, res)
	return res, nil
}

func (ix *Indexer) parse(src types.Source) ([]RawChunk, error) {
	ct := strings.ToLower(src.ContentType)
	switch {
	case strings.Contains(ct, "html") || ct == "":
		return ParseHTML(src.Body)
	default:
		// PDF text layers and alt-text proxy output arrive as plain text.
		return ParseText(src.Body), nil
	}
}

func (ix *Indexer) emitResult(runID string, src types.Source, res Result) {
	ix.sink.Emit(events.Event{
		RunID: runID,
		TS:    time.Now().UTC(),
		Stage: events.StageIndex,
		Name:  events.EvidenceIndexResult,
		Payload: map[string]interface{}{
			"url":        src.FinalURL,
			"doc_id":     res.DocID,
			"outcome":    res.Outcome,
			"reuse_mode": res.ReuseMode,
			"chunks":     res.Chunks,
			"facts":      res.Facts,
		},
	})
}

// SearchChunks runs full-text retrieval over chunk text.
func (ix *Indexer) SearchChunks(query string, filters store.SearchFilters) ([]store.SearchHit, error) {
	return ix.evidence.SearchChunksFTS(query, filters)
}

// SearchFacts runs full-text retrieval over normalized facts.
func (ix *Indexer) SearchFacts(query string, filters store.SearchFilters) ([]store.SearchHit, error) {
	return ix.evidence.SearchFactsFTS(query, filters)
}

// SearchByAnchor retrieves chunks near learned section anchors by
// OR-ing the anchor phrases into one query.
func (ix *Indexer) SearchByAnchor(anchors []string, filters store.SearchFilters) ([]store.SearchHit, error) {
	if len(anchors) == 0 {
		return nil, nil
	}
	return ix.evidence.SearchChunksFTS(strings.Join(anchors, " "), filters)
}

// ResolveSnippet returns the stored chunk for a snippet ID.
func (ix *Indexer) ResolveSnippet(snippetID string) (*store.Chunk, error) {
	return ix.evidence.ResolveSnippet(snippetID)
}
