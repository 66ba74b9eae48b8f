package discovery

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"spechound/internal/logging"
	"spechound/internal/types"
)

// Candidate is one SERP result before triage.
type Candidate struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// ScoredCandidate carries the triage verdict and its decomposition.
type ScoredCandidate struct {
	Candidate
	Host    string           `json:"host"`
	Tier    types.SourceTier `json:"tier,omitempty"`
	DocKind types.DocKind    `json:"doc_kind,omitempty"`
	Score   float64          `json:"score"`
	Reasons []string         `json:"reasons,omitempty"`
}

// Triage scores SERP candidates with a fixed decomposition and returns
// the selected top K. Blocked hosts never pass regardless of score.
func (p *Planner) Triage(ctx context.Context, target types.ProductTarget, cands []Candidate) []ScoredCandidate {
	timer := logging.StartTimer(logging.CategoryDiscovery, "Triage")
	defer timer.Stop()

	tokens := target.IdentityTokens()
	seenHosts := make(map[string]int)

	var scored []ScoredCandidate
	for _, c := range cands {
		host := hostOf(c.URL)
		if host == "" {
			continue
		}
		if p.deniedHost(host) || !p.strategy.ClassifyHost(host) {
			continue
		}

		sc := ScoredCandidate{Candidate: c, Host: host}
		if strat, ok := p.strategy.Lookup(host); ok {
			sc.Tier = strat.Tier
			sc.DocKind = strat.DocKind
			switch strat.Tier {
			case types.Tier1:
				sc.add(0.40, "tier1_host")
			case types.Tier2:
				sc.add(0.30, "tier2_host")
			case types.Tier3:
				sc.add(0.15, "tier3_host")
			default:
				sc.add(0.05, "tier4_host")
			}
			if strat.DocKind == types.DocSpec || strat.DocKind == types.DocManual {
				sc.add(0.15, "doc_kind_bias")
			}
		}

		title := strings.ToLower(c.Title + " " + c.URL)
		hits := 0
		for _, t := range tokens {
			if strings.Contains(title, t) {
				hits++
			}
		}
		if len(tokens) > 0 {
			sc.add(0.35*float64(hits)/float64(len(tokens)), "token_match")
		}

		if strings.HasSuffix(strings.ToLower(urlPath(c.URL)), ".pdf") {
			sc.add(0.20, "pdf_bonus")
		}
		if looksLikeSpecPath(c.URL) {
			sc.add(0.10, "spec_path")
		}

		if n := seenHosts[host]; n > 0 {
			sc.add(-0.15*float64(n), "duplicate_host")
		}
		seenHosts[host]++

		scored = append(scored, sc)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].URL < scored[j].URL
	})

	if p.cfg.EnableLLMRerank && p.llm != nil {
		scored = p.rerank(ctx, target, scored)
	}

	if len(scored) > p.cfg.SelectK {
		scored = scored[:p.cfg.SelectK]
	}
	return scored
}

func (sc *ScoredCandidate) add(w float64, reason string) {
	sc.Score += w
	sc.Reasons = append(sc.Reasons, reason)
}

// deniedHost checks the configured block list.
func (p *Planner) deniedHost(host string) bool {
	host = strings.ToLower(host)
	for _, d := range p.cfg.BlockedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return p.strategy.Blocked(host)
}

// rerank lets the model reorder the top N; on any validation failure
// the deterministic order stands.
func (p *Planner) rerank(ctx context.Context, target types.ProductTarget, scored []ScoredCandidate) []ScoredCandidate {
	n := p.cfg.RerankTopN
	if n > len(scored) {
		n = len(scored)
	}
	if n < 2 {
		return scored
	}

	var sb strings.Builder
	sb.WriteString("Rank these search results by how likely they are to contain authoritative specifications for " + target.DisplayName() + ".\n")
	for _, sc := range scored[:n] {
		sb.WriteString(sc.URL + " | " + sc.Title + "\n")
	}
	sb.WriteString("Respond with a JSON array of the URLs, best first. No other text.")

	raw, err := p.llm.Complete(ctx, sb.String())
	if err != nil {
		logging.DiscoveryDebug("rerank skipped: %v", err)
		return scored
	}
	var order []string
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &order); err != nil {
		logging.DiscoveryDebug("rerank output invalid, keeping deterministic order")
		return scored
	}

	pos := make(map[string]int, len(order))
	for i, u := range order {
		pos[u] = i
	}
	head := make([]ScoredCandidate, n)
	copy(head, scored[:n])
	sort.SliceStable(head, func(i, j int) bool {
		pi, iok := pos[head[i].URL]
		pj, jok := pos[head[j].URL]
		if iok != jok {
			return iok
		}
		return pi < pj
	})
	return append(head, scored[n:]...)
}

func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

var specPathTokens = []string{"/spec", "/specs", "/specification", "/tech", "/datasheet", "/support"}

func looksLikeSpecPath(raw string) bool {
	path := strings.ToLower(urlPath(raw))
	for _, t := range specPathTokens {
		if strings.Contains(path, t) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}
