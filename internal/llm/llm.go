// Package llm provides the model clients behind query expansion, triage
// rerank, and the extraction fallback. Two providers: any
// OpenAI-compatible chat endpoint, and Gemini via the official genai
// SDK. Every client is wrapped in a meter that serializes calls per the
// configured concurrency cap and accumulates token usage for the run
// budget.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"spechound/internal/config"
	"spechound/internal/logging"
	"spechound/internal/types"
)

// Client is the full surface: completions plus usage accounting.
type Client interface {
	types.LLMClient
	types.TokenCounter
}

// provider is what the concrete clients implement. tokens is the
// provider-reported usage for the call, 0 when unreported.
type provider interface {
	complete(ctx context.Context, systemPrompt, userPrompt string) (text string, tokens int, err error)
	name() string
}

// New builds the configured provider. An empty API key is an error for
// every provider; there is no offline mode here.
func New(cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key not configured for provider %q", cfg.Provider)
	}
	timeout := 2 * time.Minute
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("llm: bad timeout %q: %w", cfg.Timeout, err)
		}
		timeout = d
	}

	var p provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "gemini", "":
		g, err := newGeminiProvider(cfg, timeout)
		if err != nil {
			return nil, err
		}
		p = g
	case "openai-compatible", "openai":
		p = newOpenAIProvider(cfg, timeout)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	maxConc := cfg.MaxConcurrent
	if maxConc < 1 {
		maxConc = 1
	}
	return &metered{
		provider: p,
		sem:      semaphore.NewWeighted(int64(maxConc)),
		timeout:  timeout,
	}, nil
}

// metered serializes provider calls and counts tokens. When a provider
// reports no usage, the meter falls back to a length estimate so the
// budget still moves.
type metered struct {
	provider provider
	sem      *semaphore.Weighted
	timeout  time.Duration
	used     atomic.Int64
}

func (m *metered) Complete(ctx context.Context, prompt string) (string, error) {
	return m.CompleteWithSystem(ctx, "", prompt)
}

func (m *metered) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer m.sem.Release(1)

	start := time.Now()
	text, tokens, err := m.provider.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		logging.LLM("[%s] call failed after %v: %v", m.provider.name(), time.Since(start), err)
		return "", err
	}
	if tokens == 0 {
		tokens = estimateTokens(systemPrompt) + estimateTokens(userPrompt) + estimateTokens(text)
	}
	m.used.Add(int64(tokens))
	logging.LLMDebug("[%s] completed in %v tokens=%d response_len=%d",
		m.provider.name(), time.Since(start), tokens, len(text))
	return text, nil
}

// TokensUsed reports cumulative tokens across all calls on this client.
func (m *metered) TokensUsed() int {
	return int(m.used.Load())
}

// estimateTokens approximates usage at four characters per token, the
// usual ballpark for English prose.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
