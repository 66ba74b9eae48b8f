package fetch

import "strings"

// garbageIndicators mark pages that fetched "successfully" but carry no
// usable content: anti-bot walls, soft 404s, JS-only shells.
var garbageIndicators = []string{
	"captcha", "robot", "verify you are human",
	"access denied", "403 forbidden", "404 not found",
	"please enable javascript", "cloudflare",
	"are you a human", "unusual traffic",
}

// QualityScore rates a fetched body in [0,1]. Scores below the
// escalation threshold push the ladder to the next rung even on HTTP 200.
func QualityScore(body []byte, contentType string) float64 {
	score := 0.5

	n := len(body)
	if n > 2048 {
		score += 0.2
	} else if n > 512 {
		score += 0.1
	}
	if n < 128 {
		score -= 0.3 // empty shell
	}

	lower := strings.ToLower(string(body))
	for _, indicator := range garbageIndicators {
		if strings.Contains(lower, indicator) {
			score -= 0.5
		}
	}

	// JS-only shell: an HTML page whose body holds markup but almost no text
	if strings.Contains(contentType, "html") && n > 512 {
		if visibleTextRatio(lower) < 0.02 {
			score -= 0.3
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// EscalationThreshold is the quality floor below which a fetched page is
// treated as unusable and the ladder escalates.
const EscalationThreshold = 0.3

// visibleTextRatio approximates text-outside-tags over total bytes.
func visibleTextRatio(html string) float64 {
	if len(html) == 0 {
		return 0
	}
	inTag := false
	visible := 0
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag && r != ' ' && r != '\n' && r != '\t':
			visible++
		}
	}
	return float64(visible) / float64(len(html))
}
