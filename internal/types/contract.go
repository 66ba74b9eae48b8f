package types

import "fmt"

// RequiredLevel ranks how much a field matters for publish decisions.
type RequiredLevel string

const (
	LevelIdentity RequiredLevel = "identity"
	LevelCritical RequiredLevel = "critical"
	LevelRequired RequiredLevel = "required"
	LevelOptional RequiredLevel = "optional"
)

// Weight returns the NeedSet required_weight for the level.
func (l RequiredLevel) Weight() float64 {
	switch l {
	case LevelIdentity:
		return 5
	case LevelCritical:
		return 4
	case LevelRequired:
		return 2
	default:
		return 1
	}
}

// Valid reports whether the level is one of the known constants.
func (l RequiredLevel) Valid() bool {
	switch l {
	case LevelIdentity, LevelCritical, LevelRequired, LevelOptional:
		return true
	}
	return false
}

// ValueType constrains what a field value may hold.
type ValueType string

const (
	ValueString ValueType = "string"
	ValueNumber ValueType = "number"
	ValueBool   ValueType = "bool"
	ValueEnum   ValueType = "enum"
	ValueList   ValueType = "list"
)

// EvidencePolicy is the per-field acceptance policy.
type EvidencePolicy struct {
	MinRefs        int     `json:"min_refs" yaml:"min_refs"`                 // distinct sources required
	MinConfidence  float64 `json:"min_confidence" yaml:"min_confidence"`     // floor for acceptance
	RequireTierOne bool    `json:"require_tier_one" yaml:"require_tier_one"` // tier 1 evidence required when feasible
}

// FieldContract describes one field of the category schema.
// Immutable during a run.
type FieldContract struct {
	Key            string         `json:"key" yaml:"key"`
	RequiredLevel  RequiredLevel  `json:"required_level" yaml:"required_level"`
	ValueType      ValueType      `json:"value_type" yaml:"value_type"`
	Unit           string         `json:"unit,omitempty" yaml:"unit,omitempty"`
	Enum           []string       `json:"enum,omitempty" yaml:"enum,omitempty"`
	EvidencePolicy EvidencePolicy `json:"evidence_policy" yaml:"evidence_policy"`
	TierPreference []SourceTier   `json:"tier_preference,omitempty" yaml:"tier_preference,omitempty"`
	SearchHints    []string       `json:"search_hints,omitempty" yaml:"search_hints,omitempty"`
	AnchorPhrases  []string       `json:"anchor_phrases,omitempty" yaml:"anchor_phrases,omitempty"`
	PreferredDocs  []DocKind      `json:"preferred_docs,omitempty" yaml:"preferred_docs,omitempty"`
	PublishGated   bool           `json:"publish_gated,omitempty" yaml:"publish_gated,omitempty"`
}

// TierRequired reports whether the contract demands tier 1 evidence.
func (c FieldContract) TierRequired() bool {
	return c.EvidencePolicy.RequireTierOne ||
		(len(c.TierPreference) > 0 && c.TierPreference[0] == Tier1)
}

// CategoryContract is the full schema for one product category.
type CategoryContract struct {
	Category      string            `json:"category" yaml:"category"`
	Fields        []FieldContract   `json:"fields" yaml:"fields"`
	KeyMigrations map[string]string `json:"key_migrations,omitempty" yaml:"key_migrations,omitempty"`
}

// Field returns the contract for key, if declared.
func (c CategoryContract) Field(key string) (FieldContract, bool) {
	for _, f := range c.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldContract{}, false
}

// MigrateKey rewrites an incoming key through key_migrations.
// Returns the canonical key and whether it is known to the contract.
func (c CategoryContract) MigrateKey(key string) (string, bool) {
	if mapped, ok := c.KeyMigrations[key]; ok {
		key = mapped
	}
	_, known := c.Field(key)
	return key, known
}

// Validate checks structural sanity of the contract.
func (c CategoryContract) Validate() error {
	if c.Category == "" {
		return fmt.Errorf("contract missing category")
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("contract %q declares no fields", c.Category)
	}
	seen := make(map[string]bool)
	for _, f := range c.Fields {
		if f.Key == "" {
			return fmt.Errorf("contract %q has a field with no key", c.Category)
		}
		if seen[f.Key] {
			return fmt.Errorf("contract %q declares field %q twice", c.Category, f.Key)
		}
		seen[f.Key] = true
		if !f.RequiredLevel.Valid() {
			return fmt.Errorf("field %q: unknown required_level %q", f.Key, f.RequiredLevel)
		}
		if f.EvidencePolicy.MinRefs < 1 {
			return fmt.Errorf("field %q: min_refs must be >= 1", f.Key)
		}
	}
	for old, canonical := range c.KeyMigrations {
		if _, ok := c.Field(canonical); !ok {
			return fmt.Errorf("key migration %q -> %q targets undeclared field", old, canonical)
		}
	}
	return nil
}
