package types

import "time"

// SourceTier is the credibility class of a source.
// Tier 1 = manufacturer, 2 = lab review, 3 = retail, 4 = forum/user.
type SourceTier int

const (
	Tier1 SourceTier = 1
	Tier2 SourceTier = 2
	Tier3 SourceTier = 3
	Tier4 SourceTier = 4
)

// Weight returns the default global tier weight used by consensus.
// Per-field tier_preference may remap these.
func (t SourceTier) Weight() float64 {
	switch t {
	case Tier1:
		return 1.00
	case Tier2:
		return 0.80
	case Tier3:
		return 0.45
	default:
		return 0.25
	}
}

// DocKind classifies document intent.
type DocKind string

const (
	DocSpec     DocKind = "spec"
	DocManual   DocKind = "manual"
	DocSupport  DocKind = "support"
	DocReview   DocKind = "review"
	DocTeardown DocKind = "teardown"
	DocRetail   DocKind = "retail"
	DocForum    DocKind = "forum"
	DocOther    DocKind = "other"
)

// FetchMode records which rung of the fallback ladder produced the document.
type FetchMode string

const (
	FetchHTTP    FetchMode = "http"
	FetchBrowser FetchMode = "browser"
	FetchAltText FetchMode = "alt_text" // text-proxy alternative crawler
)

// IdentityMatchLevel is the tiered identity certainty of a source.
type IdentityMatchLevel string

const (
	IdentityUnlocked    IdentityMatchLevel = "unlocked"
	IdentityProvisional IdentityMatchLevel = "provisional"
	IdentityLocked      IdentityMatchLevel = "locked"
	IdentityConflict    IdentityMatchLevel = "conflict"
	IdentityFailed      IdentityMatchLevel = "failed"
)

// Weight returns the identity weight applied to evidence from this source.
func (l IdentityMatchLevel) Weight() float64 {
	switch l {
	case IdentityLocked:
		return 1.0
	case IdentityProvisional:
		return 0.74
	case IdentityUnlocked:
		return 0.59
	case IdentityConflict:
		return 0.39
	default:
		return 0.0
	}
}

// ConfidenceCap returns the effective-confidence ceiling the identity
// state imposes on field confidence.
func (l IdentityMatchLevel) ConfidenceCap() float64 {
	switch l {
	case IdentityLocked:
		return 1.00
	case IdentityProvisional:
		return 0.74
	case IdentityUnlocked:
		return 0.59
	default:
		return 0.39
	}
}

// Source is one fetched document, immutable once indexed.
type Source struct {
	SourceID         string             `json:"source_id"`
	URL              string             `json:"url"`
	FinalURL         string             `json:"final_url"`
	Host             string             `json:"host"`
	RootDomain       string             `json:"root_domain"`
	Tier             SourceTier         `json:"tier"`
	DocKind          DocKind            `json:"doc_kind"`
	ContentType      string             `json:"content_type"`
	ContentHash      string             `json:"content_hash"`
	Bytes            int                `json:"bytes"`
	FetchedAt        time.Time          `json:"fetched_at"`
	FetchMode        FetchMode          `json:"fetch_mode"`
	StatusCode       int                `json:"status_code"`
	IdentityMatch    IdentityMatchLevel `json:"identity_match_level"`
	TargetMatchScore float64            `json:"target_match_score"`
	ProductClusterID string             `json:"page_product_cluster_id,omitempty"`
	Body             []byte             `json:"-"` // canonical bytes, not persisted on the record
}
