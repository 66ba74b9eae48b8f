package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FetchedPage is the raw outcome of one fetch attempt.
type FetchedPage struct {
	Body        []byte
	FinalURL    string
	ContentType string
	StatusCode  int
}

// HTTPClient is the first rung of the fetch ladder: plain HTTP with a
// redirect cap and a body size limit.
type HTTPClient struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPClient builds the capped HTTP fetcher.
func NewHTTPClient(timeout time.Duration, userAgent string, maxBodyBytes int64) *HTTPClient {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 500 * 1024
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
	}
}

// Fetch retrieves a page. A non-2xx status is returned on the page, not
// as an error; the caller classifies it.
func (c *HTTPClient) Fetch(ctx context.Context, rawURL string) (FetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchedPage{}, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain,*/*;q=0.8")

	resp, err := c.client.Do(req)
	if err != nil {
		return FetchedPage{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return FetchedPage{}, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return FetchedPage{
		Body:        body,
		FinalURL:    finalURL,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

// AltTextClient is the third rung: an r.jina.ai-style text proxy that
// returns a reader-mode text rendering of a page. Useful when both
// direct HTTP and the browser are walled off.
type AltTextClient struct {
	http    *HTTPClient
	baseURL string
}

// NewAltTextClient builds the proxy fetcher. baseURL is the proxy
// prefix, e.g. "https://r.jina.ai/".
func NewAltTextClient(http *HTTPClient, baseURL string) *AltTextClient {
	if baseURL == "" {
		baseURL = "https://r.jina.ai/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &AltTextClient{http: http, baseURL: baseURL}
}

// Fetch retrieves the text rendering of a URL through the proxy.
// FinalURL stays the target URL: provenance points at the real page.
func (c *AltTextClient) Fetch(ctx context.Context, rawURL string) (FetchedPage, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return FetchedPage{}, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	page, err := c.http.Fetch(ctx, c.baseURL+rawURL)
	if err != nil {
		return FetchedPage{}, err
	}
	page.FinalURL = rawURL
	page.ContentType = "text/plain"
	return page, nil
}
