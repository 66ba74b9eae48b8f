package index

import (
	"regexp"
	"strings"
)

// unitPatterns map a detected unit token to the canonical hint recorded
// on the fact. Order matters: longer tokens are checked first.
var unitPatterns = []struct {
	re   *regexp.Regexp
	hint string
}{
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:mm)\b`), "mm"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:cm)\b`), "cm"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:kg)\b`), "kg"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:g)\b`), "g"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:lbs?|pounds?)\b`), "lb"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:oz)\b`), "oz"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:mah)\b`), "mAh"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:wh)\b`), "Wh"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:w|watts?)\b`), "W"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:v|volts?)\b`), "V"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:mp|megapixels?)\b`), "MP"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:ghz)\b`), "GHz"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:mhz)\b`), "MHz"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:tb)\b`), "TB"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:gb)\b`), "GB"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:mb)\b`), "MB"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:fps)\b`), "fps"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:hz)\b`), "Hz"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:hours?|hrs?|h)\b`), "h"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:minutes?|min)\b`), "min"},
	{regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s?(?:inch(?:es)?|in|")`), "in"},
}

var nonKeyChars = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeKey canonicalizes a raw spec-sheet key: lowercase,
// punctuation collapsed to single underscores.
func NormalizeKey(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = nonKeyChars.ReplaceAllString(k, "_")
	return strings.Trim(k, "_")
}

// NormalizeValue trims and collapses whitespace; value semantics stay
// untouched so consensus can compare surface forms.
func NormalizeValue(raw string) string {
	return normalizeSpace(raw)
}

// UnitHint detects the dominant unit token in a value, or "".
func UnitHint(value string) string {
	for _, p := range unitPatterns {
		if p.re.MatchString(value) {
			return p.hint
		}
	}
	return ""
}

// FactCandidate is a normalized key/value lifted from a kv-bearing chunk.
type FactCandidate struct {
	RawKey          string
	RawValue        string
	NormalizedKey   string
	NormalizedValue string
	UnitHint        string
}

// FactsFromChunk derives fact candidates from a parsed surface.
// Only table_row and kv surfaces carry facts.
func FactsFromChunk(c RawChunk) []FactCandidate {
	if c.Key == "" || c.Value == "" {
		return nil
	}
	key := NormalizeKey(c.Key)
	if key == "" {
		return nil
	}
	return []FactCandidate{{
		RawKey:          c.Key,
		RawValue:        c.Value,
		NormalizedKey:   key,
		NormalizedValue: NormalizeValue(c.Value),
		UnitHint:        UnitHint(c.Value),
	}}
}
