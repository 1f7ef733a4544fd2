package sse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeOpenAITextDelta(t *testing.T) {
	line := `data: {"choices":[{"delta":{"content":"Hello"},"index":0}]}`
	chunk, ok := Decode(line, DialectOpenAI)
	assert.True(t, ok)
	assert.Equal(t, "Hello", chunk.Delta)
	assert.False(t, chunk.Done)
}

func TestDecodeOpenAIDone(t *testing.T) {
	chunk, ok := Decode("data: [DONE]", DialectOpenAI)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
}

func TestDecodeOpenAIFinishReasonCarriesUsage(t *testing.T) {
	line := `data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":7}}`
	chunk, ok := Decode(line, DialectOpenAI)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	if assert.NotNil(t, chunk.Usage) {
		assert.Equal(t, 5, chunk.Usage.PromptTokens)
		assert.Equal(t, 7, chunk.Usage.CompletionTokens)
	}
}

func TestDecodeAnthropicTextDelta(t *testing.T) {
	line := `data: {"type":"content_block_delta","delta":{"text":"world"}}`
	chunk, ok := Decode(line, DialectAnthropic)
	assert.True(t, ok)
	assert.Equal(t, "world", chunk.Delta)
}

func TestDecodeAnthropicEventLineSkipped(t *testing.T) {
	_, ok := Decode("event: content_block_delta", DialectAnthropic)
	assert.False(t, ok)
}

func TestDecodeAnthropicMessageDeltaCarriesUsage(t *testing.T) {
	line := `data: {"type":"message_delta","usage":{"input_tokens":10,"output_tokens":20}}`
	chunk, ok := Decode(line, DialectAnthropic)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	if assert.NotNil(t, chunk.Usage) {
		assert.Equal(t, 10, chunk.Usage.PromptTokens)
		assert.Equal(t, 20, chunk.Usage.CompletionTokens)
	}
}

func TestDecodeAnthropicMessageStop(t *testing.T) {
	chunk, ok := Decode(`data: {"type":"message_stop"}`, DialectAnthropic)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	assert.Nil(t, chunk.Usage)
}

func TestDecodeAnthropicErrorEvent(t *testing.T) {
	line := `data: {"type":"error","error":{"message":"overloaded"}}`
	chunk, ok := Decode(line, DialectAnthropic)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	assert.EqualError(t, chunk.Error, "overloaded")
}

func TestDecodeOllamaResponse(t *testing.T) {
	line := `{"message":{"content":"Hi"},"done":false}`
	chunk, ok := Decode(line, DialectOllama)
	assert.True(t, ok)
	assert.Equal(t, "Hi", chunk.Delta)
}

func TestDecodeOllamaDone(t *testing.T) {
	line := `{"done":true,"prompt_eval_count":10,"eval_count":20}`
	chunk, ok := Decode(line, DialectOllama)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	if assert.NotNil(t, chunk.Usage) {
		assert.Equal(t, 10, chunk.Usage.PromptTokens)
		assert.Equal(t, 20, chunk.Usage.CompletionTokens)
	}
}

func TestDecodeEmptyLineSkipped(t *testing.T) {
	_, ok := Decode("", DialectOpenAI)
	assert.False(t, ok)

	_, ok = Decode("   ", DialectAnthropic)
	assert.False(t, ok)
}

func TestDecodeCommentSkipped(t *testing.T) {
	_, ok := Decode(": keep-alive", DialectOpenAI)
	assert.False(t, ok)
}

func TestDecodeOpenAIMalformedJSONSurfacesError(t *testing.T) {
	chunk, ok := Decode("data: {not json", DialectOpenAI)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	assert.Error(t, chunk.Error)
}

func TestDecodeOllamaMalformedJSONSurfacesError(t *testing.T) {
	chunk, ok := Decode("{not json", DialectOllama)
	assert.True(t, ok)
	assert.True(t, chunk.Done)
	assert.Error(t, chunk.Error)
}
