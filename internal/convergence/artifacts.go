package convergence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"spechound/internal/events"
	"spechound/internal/extraction"
	"spechound/internal/logging"
	"spechound/internal/types"
)

// artifacts writes the per-run JSON files under <root>/<run_id>/.
// Writes are best-effort: a failed artifact never fails the run.
type artifacts struct {
	dir string
}

func newArtifacts(root, runID string) (*artifacts, *events.NDJSONSink, error) {
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, err
	}
	nd, err := events.NewNDJSONSink(filepath.Join(dir, "events.ndjson"))
	if err != nil {
		return nil, nil, err
	}
	return &artifacts{dir: dir}, nd, nil
}

func (a *artifacts) writeJSON(name string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		logging.RoundDebug("artifact %s marshal failed: %v", name, err)
		return
	}
	if err := os.WriteFile(filepath.Join(a.dir, name), data, 0644); err != nil {
		logging.RoundDebug("artifact %s write failed: %v", name, err)
	}
}

// runMeta is the run.json shape.
type runMeta struct {
	RunID           string                `json:"run_id"`
	ProductID       string                `json:"product_id"`
	Category        string                `json:"category"`
	StopReason      types.StopReason      `json:"stop_reason"`
	RoundHistory    []types.RoundProgress `json:"round_history"`
	UnknownKeyCount int                   `json:"unknown_key_count"`
	ViolationCount  int                   `json:"schema_violation_count"`
}

// contextSummary is the persisted view of one field context: prompt
// inputs without the full snippet bodies.
type contextSummary struct {
	FieldKey string `json:"field_key"`
	IntentID string `json:"intent_id"`
	Snippets int    `json:"snippets"`
	Identity string `json:"identity_status"`
}

func contextSummaries(contexts map[string]extraction.FieldContext) []contextSummary {
	var out []contextSummary
	for key, fctx := range contexts {
		out = append(out, contextSummary{
			FieldKey: key,
			IntentID: fctx.IntentID,
			Snippets: len(fctx.Pack.Snippets),
			Identity: string(fctx.Identity.Status),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldKey < out[j].FieldKey })
	return out
}

var (
	titleRe   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	headingRe = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	ogTitleRe = regexp.MustCompile(`(?i)<meta[^>]+property=["']og:title["'][^>]+content=["']([^"']+)["']`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
)

// pageSignals pulls the near-identity text the gate classifies on:
// title plus first heading and og:title, from the raw body.
func pageSignals(body []byte) (title, domContext string) {
	head := body
	if len(head) > 16*1024 {
		head = head[:16*1024]
	}
	s := string(head)

	if m := titleRe.FindStringSubmatch(s); m != nil {
		title = cleanFragment(m[1])
	}
	var ctx []string
	if m := headingRe.FindStringSubmatch(s); m != nil {
		ctx = append(ctx, cleanFragment(m[1]))
	}
	if m := ogTitleRe.FindStringSubmatch(s); m != nil {
		ctx = append(ctx, cleanFragment(m[1]))
	}
	return title, strings.Join(ctx, " | ")
}

func cleanFragment(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}
