package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spechound/internal/config"
)

func openaiCfg(baseURL string) config.LLMConfig {
	return config.LLMConfig{
		Provider:      "openai-compatible",
		APIKey:        "test-key",
		Model:         "test-model",
		BaseURL:       baseURL,
		Timeout:       "5s",
		MaxConcurrent: 1,
	}
}

func chatOK(content string, totalTokens int) string {
	body, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"total_tokens": totalTokens},
	})
	return string(body)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(config.LLMConfig{Provider: "openai-compatible"})
	assert.ErrorContains(t, err, "api key not configured")

	_, err = New(config.LLMConfig{Provider: "mystery", APIKey: "k"})
	assert.ErrorContains(t, err, "unknown provider")

	_, err = New(config.LLMConfig{Provider: "openai-compatible", APIKey: "k", Timeout: "sideways"})
	assert.ErrorContains(t, err, "bad timeout")
}

func TestCompleteWithSystemSendsBothRoles(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(chatOK(`["razer viper v3 pro specs"]`, 42)))
	}))
	defer srv.Close()

	c, err := New(openaiCfg(srv.URL))
	require.NoError(t, err)

	out, err := c.CompleteWithSystem(context.Background(), "expand queries", "viper v3 pro")
	require.NoError(t, err)
	assert.Equal(t, `["razer viper v3 pro specs"]`, out)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "expand queries", got.Messages[0].Content)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "test-model", got.Model)

	assert.Equal(t, 42, c.TokensUsed(), "provider-reported usage accumulates")
}

func TestCompleteOmitsEmptySystemMessage(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(chatOK("ok", 5)))
	}))
	defer srv.Close()

	c, err := New(openaiCfg(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "just a prompt")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestRateLimitRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(chatOK("recovered", 10)))
	}))
	defer srv.Close()

	c, err := New(openaiCfg(srv.URL))
	require.NoError(t, err)

	out, err := c.Complete(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBadRequestFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"model not found"}}`))
	}))
	defer srv.Close()

	c, err := New(openaiCfg(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "client errors do not retry")
}

func TestAPIErrorBodySurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"message":"quota exhausted"},"choices":[]}`))
	}))
	defer srv.Close()

	c, err := New(openaiCfg(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), "p")
	assert.ErrorContains(t, err, "quota exhausted")
}

func TestTokenEstimateWhenUsageMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"abcdefgh"}}]}`))
	}))
	defer srv.Close()

	c, err := New(openaiCfg(srv.URL))
	require.NoError(t, err)

	// prompt "abcd" is 1 estimated token, response "abcdefgh" is 2.
	_, err = c.Complete(context.Background(), "abcd")
	require.NoError(t, err)
	assert.Equal(t, 3, c.TokensUsed())
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("abcde"))
}
