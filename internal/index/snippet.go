package index

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Version stamps participate in document identity: re-indexing the same
// bytes under the same versions reuses the stored document, while a
// version bump re-parses everything.
const (
	ParserVersion  = "html-1.2"
	ChunkerVersion = "surface-1.0"
)

// ContentHash returns the SHA-256 of the canonical fetched bytes.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// TextHash hashes chunk text for the snippet ID and chunk record.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// SnippetID derives the stable snippet identifier. It is a pure function
// of its inputs: the same document parsed twice yields identical IDs.
func SnippetID(finalURL string, start, end int, textHash string) string {
	if len(textHash) > 16 {
		textHash = textHash[:16]
	}
	material := fmt.Sprintf("%s|%d|%d|%s|%s|%s",
		finalURL, start, end, textHash, ParserVersion, ChunkerVersion)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// DocID derives the document identifier from its dedupe key.
func DocID(contentHash string) string {
	sum := sha256.Sum256([]byte(contentHash + "|" + ParserVersion + "|" + ChunkerVersion))
	return hex.EncodeToString(sum[:16])
}

// FactID derives a stable fact identifier from its snippet and key.
func FactID(snippetID, normalizedKey string) string {
	sum := sha256.Sum256([]byte(snippetID + "|" + normalizedKey))
	return hex.EncodeToString(sum[:16])
}
