package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/recorder"
)

// TestAnthropicChatCompletion replays a recorded Anthropic /v1/messages
// exchange (cassette under testdata/) instead of hitting the network,
// following the teacher's own preference for go-vcr over hand-rolled
// httptest.Server fakes for adapters with a recorded fixture.
func TestAnthropicChatCompletion(t *testing.T) {
	rec, err := recorder.New("testdata/anthropic_chat_completion")
	require.NoError(t, err)
	defer rec.Stop()

	client := &http.Client{Transport: rec}
	p := NewAnthropicProvider("test-key", "https://api.anthropic.com/v1", client)

	resp, err := p.ChatCompletion(context.Background(), &ChatRequest{
		Model:     "claude-haiku-4-5-20251001",
		System:    "You are terse.",
		Messages:  []Message{{Role: "user", Content: "Say hi"}},
		MaxTokens: 1024,
	})
	require.NoError(t, err)

	assert.Equal(t, "msg_01abc", resp.ID)
	assert.Equal(t, "Hi there.", resp.Content)
	assert.Equal(t, StopReasonEndTurn, resp.StopReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)

	headers := p.LastResponseHeaders()
	assert.Equal(t, []string{"4.50"}, headers["X-Venice-Balance-Usd"])
}

func TestToAnthropicRequestMarksCacheBreakpoints(t *testing.T) {
	req := &ChatRequest{
		Model: "claude-haiku-4-5-20251001",
		Context: []ContextItem{
			{Name: "a.go", Content: "package a"},
			{Name: "b.go", Content: "package b"},
		},
		CacheBreakpoints: []int{0},
		Task:             "review these",
	}

	ar := toAnthropicRequest(req)

	require.Len(t, ar.Messages, 3)
	blocks, ok := ar.Messages[0].Content.([]anthropicContentBlockIn)
	require.True(t, ok)
	require.Len(t, blocks, 1)
	assert.NotNil(t, blocks[0].CacheControl)

	blocks1, ok := ar.Messages[1].Content.([]anthropicContentBlockIn)
	require.True(t, ok)
	assert.Nil(t, blocks1[0].CacheControl)

	assert.Equal(t, "review these", ar.Messages[2].Content)
}

// TestAnthropicChatCompletionStream exercises the streaming path against
// a synthetic httptest server (not a cassette — VCR cassettes aren't a
// great fit for long-lived SSE bodies, so streaming keeps the teacher's
// original httptest style).
func TestAnthropicChatCompletionStream(t *testing.T) {
	events := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-haiku-4-5-20251001","usage":{"input_tokens":5}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(events))
	}))
	defer server.Close()

	p := NewAnthropicProvider("test-key", server.URL, server.Client())

	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "claude-haiku-4-5-20251001",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var text string
	var final StreamChunk
	for chunk := range ch {
		text += chunk.Delta
		if chunk.Done {
			final = chunk
		}
	}

	assert.Equal(t, "Hello", text)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 5, final.Usage.PromptTokens)
	assert.Equal(t, 2, final.Usage.CompletionTokens)
}

// TestAnthropicChatCompletionStreamSynthesizesDoneWhenBodyEndsCleanly
// covers a body that closes right after the last delta, with no
// message_stop frame — the goroutine must still emit exactly one
// terminal chunk instead of leaving the consumer with none.
func TestAnthropicChatCompletionStreamSynthesizesDoneWhenBodyEndsCleanly(t *testing.T) {
	events := "" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}` + "\n\n"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(events))
	}))
	defer server.Close()

	p := NewAnthropicProvider("test-key", server.URL, server.Client())

	ch, err := p.ChatCompletionStream(context.Background(), &ChatRequest{
		Model:    "claude-haiku-4-5-20251001",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
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
