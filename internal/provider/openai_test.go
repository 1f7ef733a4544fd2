package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		assert.Equal(t, "gpt-5", req.Model)
		assert.Equal(t, "system", req.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openaiResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-5",
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "hi"}, FinishReason: "stop"},
			},
			Usage: &openaiUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, server.Client())

	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:    "gpt-5",
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAIChatCompletionHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limited"})
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, server.Client())

	_, err := p.ChatCompletion(context.Background(), &ChatRequest{Model: "gpt-5"})
	require.Error(t, err)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, 30, statusErr.RetryAfterSeconds)
}

func TestOpenAIChatCompletionStream(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"He\"},\"index\":0}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"},\"index\":0}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, server.Client())
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "gpt-5"})
	require.NoError(t, err)

	var text string
	var sawDone bool
	for chunk := range ch {
		text += chunk.Delta
		if chunk.Done {
			sawDone = true
		}
	}

	assert.Equal(t, "Hello", text)
	assert.True(t, sawDone)
}

// TestOpenAIChatCompletionStreamSynthesizesDoneWhenBodyEndsCleanly covers
// a body that closes right after a content delta with no finish_reason
// or [DONE] sentinel — the goroutine must still emit a terminal chunk.
func TestOpenAIChatCompletionStreamSynthesizesDoneWhenBodyEndsCleanly(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"},\"index\":0}]}\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(body))
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, server.Client())
	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{Model: "gpt-5"})
	require.NoError(t, err)

	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi", chunks[0].Delta)
	assert.True(t, chunks[1].Done)
	assert.Nil(t, chunks[1].Error)
}

func TestCustomProviderUsesGivenName(t *testing.T) {
	p := NewCustomProvider("", "http://localhost:9000", http.DefaultClient)
	assert.Equal(t, "custom", p.Name())
}
