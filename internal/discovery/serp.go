package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"spechound/internal/logging"
)

// SERPClient queries a SearxNG-compatible JSON search endpoint. One
// instance serves a whole run; the scheduler's search lane bounds
// concurrency above it.
type SERPClient struct {
	endpoint string
	http     *http.Client
	limit    int
}

// NewSERPClient builds a search client against endpoint. limit caps the
// candidates returned per query; <=0 means 20.
func NewSERPClient(endpoint string, timeout time.Duration, limit int) *SERPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if limit <= 0 {
		limit = 20
	}
	return &SERPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		limit:    limit,
	}
}

type serpResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query and returns raw candidates in endpoint order.
// Triage is the caller's job.
func (c *SERPClient) Search(ctx context.Context, query string) ([]Candidate, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	var parsed serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	var out []Candidate
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, Candidate{URL: r.URL, Title: r.Title, Snippet: r.Content})
		if len(out) >= c.limit {
			break
		}
	}
	logging.DiscoveryDebug("serp query %q returned %d candidates", query, len(out))
	return out, nil
}
