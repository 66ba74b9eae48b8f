package types

// ExtractionMethod identifies which extractor produced an evidence unit.
type ExtractionMethod string

const (
	MethodHTMLSpecTable     ExtractionMethod = "html_spec_table"
	MethodEmbeddedJSON      ExtractionMethod = "embedded_json"
	MethodStructuredMeta    ExtractionMethod = "structured_metadata"
	MethodArticleText       ExtractionMethod = "article_text"
	MethodPDFText           ExtractionMethod = "pdf_text"
	MethodPDFOCR            ExtractionMethod = "pdf_ocr"
	MethodImageOCR          ExtractionMethod = "image_ocr"
	MethodAdapter           ExtractionMethod = "adapter"
	MethodLLMExtract        ExtractionMethod = "llm_extract"
	MethodDeterministicNorm ExtractionMethod = "deterministic_normalizer"
)

// UnknownReason enumerates why a field could not be extracted or accepted.
type UnknownReason string

const (
	UnknownMissingEvidence   UnknownReason = "missing_evidence"
	UnknownConflict          UnknownReason = "conflict"
	UnknownIdentityUncertain UnknownReason = "identity_uncertain"
	UnknownBlockedByPolicy   UnknownReason = "blocked_by_policy"
)

// Valid reports whether r is one of the enumerated unknown reasons.
func (r UnknownReason) Valid() bool {
	switch r {
	case UnknownMissingEvidence, UnknownConflict, UnknownIdentityUncertain, UnknownBlockedByPolicy:
		return true
	}
	return false
}

// EvidenceUnit is one extracted candidate value with its provenance.
// Created by extractors; owned by the consensus engine until accepted.
type EvidenceUnit struct {
	SnippetID         string             `json:"snippet_id"`
	SourceID          string             `json:"source_id"`
	FieldKey          string             `json:"field_key"`
	CandidateValue    string             `json:"candidate_value"`
	Method            ExtractionMethod   `json:"method"`
	Tier              SourceTier         `json:"tier"`
	SourceIdentity    IdentityMatchLevel `json:"source_identity_match"`
	TargetMatchPassed bool               `json:"target_match_passed"`
	UnknownReason     UnknownReason      `json:"unknown_reason,omitempty"`
	RejectReason      string             `json:"reject_reason,omitempty"` // cluster_mismatch, related_product, ...
	ProductClusterID  string             `json:"page_product_cluster_id,omitempty"`
}

// IsUnknown reports whether the unit carries no value, only a reason.
func (e EvidenceUnit) IsUnknown() bool {
	return e.CandidateValue == "" && e.UnknownReason != ""
}

// SchemaViolation describes an invalid extractor output. Extraction returns
// either evidence units or a violation, never both.
type SchemaViolation struct {
	FieldKey string `json:"field_key"`
	Reason   string `json:"reason"`
	Raw      string `json:"raw,omitempty"`
}

func (v *SchemaViolation) Error() string {
	return "schema violation on " + v.FieldKey + ": " + v.Reason
}
