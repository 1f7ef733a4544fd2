// Package sse decodes Server-Sent Events from the three provider dialects
// this gateway talks to: OpenAI-compatible, Anthropic, and Ollama. It
// replaces the inline bufio.Scanner + ad-hoc switch that used to live in
// each provider adapter with one small, independently testable decoder.
//
// Every dialect funnels down to the same output: zero or more text
// deltas followed by exactly one terminal chunk (Done, optionally
// carrying Usage or an Error).
package sse

import (
	"encoding/json"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/provider"
)

// Dialect identifies which provider's event shape a line came from.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectOllama
)

// Decode parses one line of provider output and returns the StreamChunk
// it represents, or ok == false if the line carries nothing actionable
// (blank lines, SSE comments, "event: ..." framing lines, events that
// don't map to a delta or a terminal signal).
//
// Decode is a pure function — it never reads from a socket itself. The
// provider adapters own the bufio.Scanner loop and call Decode once per
// line, which is what makes this package trivially unit-testable: a test
// just feeds it strings, no HTTP server required.
func Decode(line string, dialect Dialect) (provider.StreamChunk, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return provider.StreamChunk{}, false
	}

	switch dialect {
	case DialectAnthropic:
		return decodeAnthropic(line)
	case DialectOllama:
		return decodeOllama(line)
	default:
		return decodeOpenAI(line)
	}
}

func decodeOpenAI(line string) (provider.StreamChunk, bool) {
	data, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return provider.StreamChunk{}, false
	}

	if strings.TrimSpace(data) == "[DONE]" {
		return provider.StreamChunk{Done: true}, true
	}

	var event struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return provider.StreamChunk{Done: true, Error: err}, true
	}

	if len(event.Choices) == 0 {
		return provider.StreamChunk{}, false
	}
	choice := event.Choices[0]

	if choice.Delta.Content != "" {
		return provider.StreamChunk{Delta: choice.Delta.Content}, true
	}

	if choice.FinishReason == "stop" || choice.FinishReason == "length" {
		chunk := provider.StreamChunk{Done: true}
		if event.Usage != nil {
			usage := provider.NewUsage(event.Usage.PromptTokens, event.Usage.CompletionTokens)
			chunk.Usage = &usage
		}
		return chunk, true
	}

	return provider.StreamChunk{}, false
}

func decodeAnthropic(line string) (provider.StreamChunk, bool) {
	if strings.HasPrefix(line, "event:") {
		return provider.StreamChunk{}, false
	}

	data, ok := strings.CutPrefix(line, "data: ")
	if !ok {
		return provider.StreamChunk{}, false
	}

	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return provider.StreamChunk{Done: true, Error: err}, true
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Text != "" {
			return provider.StreamChunk{Delta: event.Delta.Text}, true
		}
	case "message_delta":
		chunk := provider.StreamChunk{Done: true}
		if event.Usage != nil {
			usage := provider.NewUsage(event.Usage.InputTokens, event.Usage.OutputTokens)
			chunk.Usage = &usage
		}
		return chunk, true
	case "message_stop":
		return provider.StreamChunk{Done: true}, true
	case "error":
		msg := event.Error.Message
		if msg == "" {
			msg = "unknown error"
		}
		return provider.StreamChunk{Done: true, Error: errString(msg)}, true
	}

	return provider.StreamChunk{}, false
}

func decodeOllama(line string) (provider.StreamChunk, bool) {
	var event struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Response       string `json:"response"`
		Done           bool   `json:"done"`
		PromptEvalCount int   `json:"prompt_eval_count"`
		EvalCount       int   `json:"eval_count"`
	}

	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return provider.StreamChunk{Done: true, Error: err}, true
	}

	chunk := provider.StreamChunk{Delta: event.Message.Content}
	if chunk.Delta == "" {
		chunk.Delta = event.Response
	}
	if event.Done {
		usage := provider.NewUsage(event.PromptEvalCount, event.EvalCount)
		chunk.Done = true
		chunk.Usage = &usage
	}
	if chunk.Delta == "" && !chunk.Done {
		return provider.StreamChunk{}, false
	}
	return chunk, true
}

// errString is a tiny helper so decodeAnthropic doesn't need to import
// "errors" for a single call site.
type errString string

func (e errString) Error() string { return string(e) }
