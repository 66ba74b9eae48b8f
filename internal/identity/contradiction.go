package identity

import (
	"regexp"
	"strconv"
	"strings"
)

// Relaxed contradiction rules. Real-world spec sheets disagree in ways
// that are not actual conflicts: "wireless" vs "wireless / wired",
// sensor names with and without vendor prefixes, dimensions off by a
// rounding millimeter. These helpers decide compatibility before the
// consensus engine flags a conflict.

// ConnectionCompatible treats connection classes as sets: one value
// being a subset of the other is agreement, and the superset wins.
func ConnectionCompatible(a, b string) bool {
	as, bs := classSet(a), classSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return false
	}
	return subset(as, bs) || subset(bs, as)
}

// ConnectionSuperset returns the richer of two compatible connection
// values, preferring the one that lists more classes.
func ConnectionSuperset(a, b string) string {
	if len(classSet(a)) >= len(classSet(b)) {
		return a
	}
	return b
}

// ComponentCompatible compares component/sensor names by token overlap.
// "PAW3950" and "PixArt PAW3950" agree; unrelated names do not.
func ComponentCompatible(a, b string, minOverlap float64) bool {
	as, bs := tokenize(a), tokenize(b)
	if len(as) == 0 || len(bs) == 0 {
		return false
	}
	small, large := as, toSet(bs)
	if len(bs) < len(as) {
		small, large = bs, toSet(as)
	}
	hits := 0
	for _, t := range small {
		if large[t] {
			hits++
		}
	}
	return float64(hits)/float64(len(small)) >= minOverlap
}

var numberRe = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// DimensionsCompatible tolerates per-axis differences up to tol
// (millimeters). Values must expose the same number of axes.
func DimensionsCompatible(a, b string, tol float64) bool {
	an, bn := numbers(a), numbers(b)
	if len(an) == 0 || len(an) != len(bn) {
		return false
	}
	for i := range an {
		diff := an[i] - bn[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > tol {
			return false
		}
	}
	return true
}

// SKUConflict reports a real SKU disagreement: zero token overlap.
// Regional suffix variants share tokens and are not conflicts.
func SKUConflict(a, b string) bool {
	as, bs := tokenize(a), tokenize(b)
	if len(as) == 0 || len(bs) == 0 {
		return false
	}
	set := toSet(bs)
	for _, t := range as {
		if set[t] {
			return false
		}
	}
	return true
}

var classSplitRe = regexp.MustCompile(`[/,;+&]| and | or `)

func classSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range classSplitRe.Split(strings.ToLower(s), -1) {
		part = strings.TrimSpace(part)
		if part != "" {
			set[part] = true
		}
	}
	return set
}

func subset(a, b map[string]bool) bool {
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func numbers(s string) []float64 {
	var out []float64
	for _, m := range numberRe.FindAllString(s, -1) {
		f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", "."), 64)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}
