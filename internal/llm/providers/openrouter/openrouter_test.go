package openrouter

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

func TestCompleteTextPlainPrompt(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"m1","choices":[{"message":{"content":"{\"a\":1}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2}}`))
	}))
	defer server.Close()

	provider, err := llm.GetProvider("openrouter", map[string]string{"api_key": "k", "base_url": server.URL + "/"})
	require.NoError(t, err)

	resp, err := provider.CompleteText(context.Background(), llm.CompletionRequest{
		Prompt:       "hi",
		SystemPrompt: "sys",
		JSONMode:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Text)
	assert.Equal(t, "m1", resp.ModelName)
	assert.Equal(t, 2, resp.OutputTokens)

	messages := got["messages"].([]interface{})
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]interface{})["role"])
	assert.Equal(t, "hi", messages[1].(map[string]interface{})["content"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, got["response_format"])
	assert.Equal(t, defaultModel, got["model"])
}

func TestBuildRequestWithImages(t *testing.T) {
	p := &Provider{defaultModel: "m"}
	body := p.buildRequest(llm.CompletionRequest{
		Prompt: "describe",
		Images: []llm.Image{{MimeType: "image/jpeg", Base64Data: "Zm9v"}},
	})

	require.Len(t, body.Messages, 1)
	parts, ok := body.Messages[0].Content.([]contentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "describe", parts[0].Text)
	assert.Equal(t, "data:image/jpeg;base64,Zm9v", parts[1].ImageURL.URL)
	assert.Nil(t, body.ResponseFormat)
}

func TestCompleteTextUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	provider, err := llm.GetProvider("openrouter", map[string]string{"api_key": "k", "base_url": server.URL})
	require.NoError(t, err)

	_, err = provider.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
