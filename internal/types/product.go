// Package types holds the shared domain model for the convergence engine:
// product targets, field contracts, fetched sources, evidence units, and
// per-field state. Components communicate through these values; mutable
// run state stays with its owning package.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// ProductTarget identifies the product a run is converging on.
// Immutable within a run.
type ProductTarget struct {
	ProductID string   `json:"product_id" yaml:"product_id"`
	Category  string   `json:"category" yaml:"category"`
	Brand     string   `json:"brand" yaml:"brand"`
	Model     string   `json:"model" yaml:"model"`
	Variant   string   `json:"variant,omitempty" yaml:"variant,omitempty"`
	SKU       string   `json:"sku,omitempty" yaml:"sku,omitempty"`
	Aliases   []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	SeedURLs  []string `json:"seed_urls,omitempty" yaml:"seed_urls,omitempty"`
}

var identityTokenRe = regexp.MustCompile(`[a-z0-9]+`)

// IdentityTokens returns the normalized identity token set for the target:
// lowercased alphanumeric runs from brand, model, variant and SKU.
func (p ProductTarget) IdentityTokens() []string {
	seen := make(map[string]bool)
	var tokens []string
	for _, part := range []string{p.Brand, p.Model, p.Variant, p.SKU} {
		for _, tok := range identityTokenRe.FindAllString(strings.ToLower(part), -1) {
			if !seen[tok] {
				seen[tok] = true
				tokens = append(tokens, tok)
			}
		}
	}
	sort.Strings(tokens)
	return tokens
}

// IdentityFingerprint is a stable hash over the normalized identity tokens.
// Used to key url_memory and queue dedupe across runs.
func (p ProductTarget) IdentityFingerprint() string {
	h := sha256.New()
	for _, tok := range p.IdentityTokens() {
		h.Write([]byte(tok))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DisplayName is the human-readable "Brand Model Variant" form.
func (p ProductTarget) DisplayName() string {
	parts := []string{p.Brand, p.Model}
	if p.Variant != "" {
		parts = append(parts, p.Variant)
	}
	return strings.Join(parts, " ")
}
