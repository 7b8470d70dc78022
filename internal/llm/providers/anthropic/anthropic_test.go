package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintbot-021/flint-prod-sub003/internal/llm"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := llm.GetProvider("anthropic", map[string]string{
		"api_key":  "test-key",
		"base_url": server.URL,
	})
	require.NoError(t, err)
	return provider.(*Provider)
}

func TestInitializeRequiresAPIKey(t *testing.T) {
	_, err := llm.GetProvider("anthropic", map[string]string{})
	assert.ErrorIs(t, err, llm.ErrMissingAPIKey)
}

func TestCompleteTextSendsVisionBlocks(t *testing.T) {
	var got messagesRequest
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, defaultAPIVersion, r.Header.Get("Anthropic-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{"model":"claude-x","stop_reason":"end_turn",
			"content":[{"type":"text","text":"{\"score\":"},{"type":"text","text":"87}"}],
			"usage":{"input_tokens":12,"output_tokens":4}}`))
	})

	resp, err := provider.CompleteText(context.Background(), llm.CompletionRequest{
		Prompt:   "Score Ada",
		Images:   []llm.Image{{MimeType: "image/png", Base64Data: "AAAA"}},
		JSONMode: true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"score":87}`, resp.Text)
	assert.Equal(t, "claude-x", resp.ModelName)
	assert.Equal(t, 12, resp.PromptTokens)

	require.Len(t, got.Messages, 1)
	blocks := got.Messages[0].Content
	require.Len(t, blocks, 2)
	assert.Equal(t, "image", blocks[0].Type)
	assert.Equal(t, "image/png", blocks[0].Source.MediaType)
	assert.Equal(t, "text", blocks[1].Type)
	assert.Equal(t, "Score Ada", blocks[1].Text)
	assert.Equal(t, defaultModel, got.Model)
	assert.Equal(t, defaultMaxTokens, got.MaxTokens)
	assert.Contains(t, got.System, "JSON")
}

func TestCompleteTextErrors(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})
	_, err := provider.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	empty := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	})
	_, err = empty.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}
