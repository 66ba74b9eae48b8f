package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"spechound/internal/logging"
	"spechound/internal/retrieval"
	"spechound/internal/types"
)

const extractSystemPrompt = `You extract product specification values from quoted snippets.
Rules:
- Use ONLY the snippets provided. Never use outside knowledge.
- Every value must cite the snippet_id it came from.
- If no snippet states the value, return one entry with an empty value and an unknown_reason from: missing_evidence, conflict, identity_uncertain, blocked_by_policy.
- Respond with a JSON array only. No prose, no markdown.`

// llmUnit is the strict wire schema expected back from the model.
type llmUnit struct {
	SnippetID     string `json:"snippet_id"`
	Value         string `json:"value"`
	UnknownReason string `json:"unknown_reason,omitempty"`
}

// llmExtract runs the model over the pack and maps its output to
// evidence units. Malformed output is a schema violation, not an error;
// the round controller decides whether to retry.
func (e *Extractor) llmExtract(ctx context.Context, fctx FieldContext) ([]types.EvidenceUnit, *types.SchemaViolation, error) {
	prompt := e.buildPrompt(fctx)

	raw, err := e.llm.CompleteWithSystem(ctx, extractSystemPrompt, prompt)
	if err != nil {
		return nil, nil, fmt.Errorf("llm extract %s: %w", fctx.Contract.Key, err)
	}

	cleaned := sanitizeModelJSON(raw)
	var wire []llmUnit
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		logging.LLMDebug("unparseable extraction output for %s: %v", fctx.Contract.Key, err)
		return nil, &types.SchemaViolation{
			FieldKey: fctx.Contract.Key,
			Reason:   "model output is not a JSON unit array",
			Raw:      truncateRaw(raw),
		}, nil
	}

	byID := make(map[string]retrieval.PrimeSnippet, len(fctx.Pack.Snippets))
	for _, s := range fctx.Pack.Snippets {
		byID[s.SnippetID] = s
	}

	var units []types.EvidenceUnit
	for _, w := range wire {
		if w.Value == "" {
			units = append(units, types.EvidenceUnit{
				FieldKey:      fctx.Contract.Key,
				Method:        types.MethodLLMExtract,
				UnknownReason: types.UnknownReason(w.UnknownReason),
			})
			continue
		}
		s, ok := byID[w.SnippetID]
		if !ok {
			return nil, &types.SchemaViolation{
				FieldKey: fctx.Contract.Key,
				Reason:   fmt.Sprintf("model cited snippet %q outside the pack", w.SnippetID),
				Raw:      truncateRaw(raw),
			}, nil
		}
		value := normalizeCandidate(fctx.Contract, w.Value)
		if value == "" {
			return nil, &types.SchemaViolation{
				FieldKey: fctx.Contract.Key,
				Reason:   fmt.Sprintf("value %q does not normalize for type %s", w.Value, fctx.Contract.ValueType),
				Raw:      w.Value,
			}, nil
		}
		units = append(units, e.finishUnit(fctx, s, value, types.MethodLLMExtract))
	}
	return units, nil, nil
}

func (e *Extractor) buildPrompt(fctx FieldContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Product: %s %s\n\n", fctx.Target.Brand, fctx.Target.Model)
	sb.WriteString(fctx.ContractSummary())
	fmt.Fprintf(&sb, "intent: %s\n", fctx.IntentID)
	if len(fctx.Examples) > 0 {
		sb.WriteString("\nExamples:\n")
		for _, ex := range fctx.Examples {
			fmt.Fprintf(&sb, "  snippet: %q -> value: %q\n", ex.Snippet, ex.Value)
		}
	}
	sb.WriteString("\nSnippets:\n")
	sb.WriteString(fctx.PromptSnippets())
	sb.WriteString("\nReturn the JSON array now.")
	return sb.String()
}

// sanitizeModelJSON strips markdown fences and surrounding chatter so
// the payload parses. Models wrap JSON in ```json blocks or preamble
// text despite instructions.
func sanitizeModelJSON(response string) string {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.IndexAny(cleaned, "[{")
	if start < 0 {
		return cleaned
	}
	var end int
	if cleaned[start] == '[' {
		end = strings.LastIndex(cleaned, "]")
	} else {
		end = strings.LastIndex(cleaned, "}")
	}
	if end > start {
		return cleaned[start : end+1]
	}
	return cleaned
}

func truncateRaw(s string) string {
	runes := []rune(s)
	if len(runes) <= 200 {
		return s
	}
	return string(runes[:200])
}
