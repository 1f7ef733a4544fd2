package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/howard-nolan/llmrouter/internal/sse"
)

// ---------------------------------------------------------------------------
// OpenAIProvider struct + constructor
// ---------------------------------------------------------------------------

// OpenAIProvider implements the Provider interface for any OpenAI-compatible
// /chat/completions endpoint. This covers OpenAI itself, and — per the
// Ollama wire-shape decision in SPEC_FULL.md — is also reused directly by
// NewOllamaProvider, since Ollama's own /v1/chat/completions endpoint
// speaks the identical JSON shape.
type OpenAIProvider struct {
	name    string // "openai" (or "ollama" when reused by that constructor)
	apiKey  string
	baseURL string // e.g. "https://api.openai.com/v1"
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAIProvider ready to make API calls.
func NewOpenAIProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{name: "openai", apiKey: apiKey, baseURL: baseURL, client: client}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return o.name
}

// ---------------------------------------------------------------------------
// OpenAI-compatible API types (unexported)
// ---------------------------------------------------------------------------

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	Stream    bool            `json:"stream,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var openaiStopReasons = map[string]StopReason{
	"stop":           StopReasonEndTurn,
	"length":         StopReasonMaxTokens,
	"stop_sequence":  StopReasonStopSequence,
	"tool_calls":     StopReasonToolUse,
	"function_call":  StopReasonToolUse,
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toOpenAIRequest translates our unified ChatRequest into the flat
// role/content message array OpenAI-compatible endpoints expect. Unlike
// Anthropic, there's no separate system field and no cache-control
// concept, so System/Context/Task all collapse into plain messages.
func toOpenAIRequest(req *ChatRequest) *openaiRequest {
	or := &openaiRequest{Model: req.Model, MaxTokens: req.MaxTokens}

	if req.System != "" {
		or.Messages = append(or.Messages, openaiMessage{Role: string(RoleSystem), Content: req.System})
	}

	for _, item := range req.Context {
		text := fmt.Sprintf("### %s\n```\n%s\n```", item.Name, item.Content)
		or.Messages = append(or.Messages, openaiMessage{Role: string(RoleUser), Content: text})
	}

	or.Messages = append(or.Messages, toOpenAIMessages(req.Messages)...)

	if req.Task != "" {
		or.Messages = append(or.Messages, openaiMessage{Role: string(RoleUser), Content: req.Task})
	}

	return or
}

func toOpenAIMessages(msgs []Message) []openaiMessage {
	out := make([]openaiMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openaiMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (o *OpenAIProvider) endpoint() string {
	return fmt.Sprintf("%s/chat/completions", o.baseURL)
}

func (o *OpenAIProvider) buildHTTPRequest(ctx context.Context, or *openaiRequest) (*http.Request, error) {
	body, err := json.Marshal(or)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

func (o *OpenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	or := toOpenAIRequest(req)

	httpReq, err := o.buildHTTPRequest(ctx, or)
	if err != nil {
		return nil, err
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", o.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError(o.name, httpResp)
	}

	var resp openaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", o.name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", o.name)
	}
	choice := resp.Choices[0]

	var usage Usage
	if resp.Usage != nil {
		usage = NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		if pricing, ok := PricingTable[resp.Model]; ok {
			usage = usage.WithCost(pricing.CostPer1KInput, pricing.CostPer1KOutput)
		}
	}

	return &ChatResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		Content:    choice.Message.Content,
		Usage:      usage,
		StopReason: openaiStopReasons[choice.FinishReason],
		Truncated:  choice.FinishReason == "length",
	}, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

func (o *OpenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	or := toOpenAIRequest(req)
	or.Stream = true

	httpReq, err := o.buildHTTPRequest(ctx, or)
	if err != nil {
		return nil, err
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", o.name, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, newHTTPStatusError(o.name, httpResp)
	}

	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			chunk, ok := sse.Decode(scanner.Text(), sse.DialectOpenAI)
			if !ok {
				continue
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}

			if chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading %s stream: %w", o.name, err)}:
			case <-ctx.Done():
			}
			return
		}

		// The body ended without a terminal frame; synthesize one so
		// consumers never see a channel close with no Done chunk.
		zeroUsage := Usage{}
		select {
		case ch <- StreamChunk{Done: true, Usage: &zeroUsage}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// newHTTPStatusError reads the error body off a non-2xx response and
// captures Retry-After if the upstream sent one (used by the orchestrator
// to distinguish a plain rate limit from an exhaustion signal).
func newHTTPStatusError(providerName string, httpResp *http.Response) error {
	var errBody map[string]any
	json.NewDecoder(httpResp.Body).Decode(&errBody)

	retryAfter := 0
	if v := httpResp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			retryAfter = secs
		}
	}

	return &HTTPStatusError{
		Provider:          providerName,
		StatusCode:        httpResp.StatusCode,
		Body:              errBody,
		RetryAfterSeconds: retryAfter,
	}
}
