package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/howard-nolan/llmrouter/internal/sse"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API, including prompt-cache-control blocks on the system
// prompt and on context items. This is the gateway's primary (credit
// metered) adapter — see internal/credit for how LastResponseHeaders
// feeds the balance tracker.
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client

	mu            sync.Mutex
	lastHeaders   http.Header
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// LastResponseHeaders implements BalanceReporter. It returns the headers
// from the most recently completed HTTP call, so the credit tracker can
// scrape x-venice-balance-* (or any provider's own balance headers)
// without the adapter needing to know anything about credit tracking.
func (a *AnthropicProvider) LastResponseHeaders() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string][]string(a.lastHeaders)
}

func (a *AnthropicProvider) recordHeaders(h http.Header) {
	a.mu.Lock()
	a.lastHeaders = h
	a.mu.Unlock()
}

func init() {
	// Published per-1K-token rates, current as of the Claude 4 family.
	// These feed Usage.WithCacheCost in ChatCompletion (the streaming path
	// does not price its usage).
	PricingTable["claude-opus-4-5-20251101"] = ModelPricing{CostPer1KInput: 0.015, CostPer1KOutput: 0.075}
	PricingTable["claude-sonnet-4-5-20250929"] = ModelPricing{CostPer1KInput: 0.003, CostPer1KOutput: 0.015}
	PricingTable["claude-haiku-4-5-20251001"] = ModelPricing{CostPer1KInput: 0.0008, CostPer1KOutput: 0.004}
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the top-level request body for Anthropic's
// /v1/messages endpoint.
type anthropicRequest struct {
	Model     string                  `json:"model"`
	MaxTokens int                     `json:"max_tokens"`
	System    []anthropicSystemBlock  `json:"system,omitempty"`
	Messages  []anthropicMessage      `json:"messages"`
	Stream    bool                    `json:"stream,omitempty"`
}

// anthropicSystemBlock lets the system prompt carry its own cache_control,
// which is why System is an array of blocks rather than a plain string —
// Anthropic only accepts cache_control on structured content blocks.
type anthropicSystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// anthropicMessage is one message in the conversation. Content is either
// a plain string (the common case) or, for a context/task message that
// needs a cache breakpoint, an array of content blocks.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContentBlockIn
}

type anthropicContentBlockIn struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// --- Response types ---

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// anthropicUsage holds token counts, including the two prompt-cache
// counters Anthropic reports: cache_creation_input_tokens (written this
// call) and cache_read_input_tokens (served from a prior cache write).
type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

const anthropicAPIVersion = "2023-06-01"

const defaultMaxTokens = 1024

var anthropicStopReasons = map[string]StopReason{
	"end_turn":      StopReasonEndTurn,
	"max_tokens":    StopReasonMaxTokens,
	"stop_sequence": StopReasonStopSequence,
	"tool_use":      StopReasonToolUse,
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest translates our unified ChatRequest into Anthropic's
// format:
//  1. req.System (plus any "system"-role messages) becomes the top-level
//     system block array, cache-annotated if req.SystemCacheControl is set.
//  2. req.Context items become user-role messages, each wrapped as
//     "### {name}\n```\n{content}\n```" (matching the primary adapter's
//     historical prompt shape), cache-annotated per item and per
//     req.CacheBreakpoints.
//  3. req.Messages map through unchanged (roles already compatible).
//  4. req.Task, if set, becomes the final user message.
//  5. max_tokens gets a default if not set (Anthropic requires it).
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model}

	var systemParts []string
	if req.System != "" {
		systemParts = append(systemParts, req.System)
	}
	for _, msg := range req.Messages {
		if msg.Role == string(RoleSystem) {
			systemParts = append(systemParts, msg.Content)
		}
	}
	if len(systemParts) > 0 {
		block := anthropicSystemBlock{Type: "text", Text: strings.Join(systemParts, "\n")}
		if req.SystemCacheControl != nil {
			block.CacheControl = req.SystemCacheControl
		}
		ar.System = []anthropicSystemBlock{block}
	}

	breakpoints := make(map[int]bool, len(req.CacheBreakpoints))
	for _, idx := range req.CacheBreakpoints {
		breakpoints[idx] = true
	}

	for i, item := range req.Context {
		text := fmt.Sprintf("### %s\n```\n%s\n```", item.Name, item.Content)
		cc := item.CacheControl
		if cc == nil && breakpoints[i] {
			cc = DefaultCacheControl()
		}
		ar.Messages = append(ar.Messages, anthropicMessage{
			Role: string(RoleUser),
			Content: []anthropicContentBlockIn{
				{Type: "text", Text: text, CacheControl: cc},
			},
		})
	}

	for _, msg := range req.Messages {
		if msg.Role == string(RoleSystem) {
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}

	if req.Task != "" {
		ar.Messages = append(ar.Messages, anthropicMessage{Role: string(RoleUser), Content: req.Task})
	}

	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}

	return ar
}

func (a *AnthropicProvider) buildHTTPRequest(ctx context.Context, ar *anthropicRequest) (*http.Request, error) {
	body, err := json.Marshal(ar)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

func (a *AnthropicProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	anthropicReq := toAnthropicRequest(req)

	httpReq, err := a.buildHTTPRequest(ctx, anthropicReq)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	defer httpResp.Body.Close()
	a.recordHeaders(httpResp.Header)

	if httpResp.StatusCode != http.StatusOK {
		return nil, newHTTPStatusError("anthropic", httpResp)
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	usage := NewUsage(anthropicResp.Usage.InputTokens, anthropicResp.Usage.OutputTokens)
	var cacheCreate, cacheRead *int
	if anthropicResp.Usage.CacheCreationInputTokens > 0 {
		v := anthropicResp.Usage.CacheCreationInputTokens
		cacheCreate = &v
	}
	if anthropicResp.Usage.CacheReadInputTokens > 0 {
		v := anthropicResp.Usage.CacheReadInputTokens
		cacheRead = &v
	}
	usage = usage.WithCache(cacheCreate, cacheRead)
	if pricing, ok := PricingTable[anthropicResp.Model]; ok {
		usage = usage.WithCacheCost(pricing.CostPer1KInput, pricing.CostPer1KOutput)
	}

	resp := &ChatResponse{
		ID:         anthropicResp.ID,
		Model:      anthropicResp.Model,
		Content:    text,
		Usage:      usage,
		StopReason: anthropicStopReasons[anthropicResp.StopReason],
		Truncated:  anthropicResp.StopReason == "max_tokens",
	}

	return resp, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

func (a *AnthropicProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	anthropicReq := toAnthropicRequest(req)
	anthropicReq.Stream = true

	httpReq, err := a.buildHTTPRequest(ctx, anthropicReq)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}
	a.recordHeaders(httpResp.Header)

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, newHTTPStatusError("anthropic", httpResp)
	}

	ch := make(chan StreamChunk, 64)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		// The Anthropic dialect's message_start event carries a response
		// ID and model name, but sse.Decode deliberately discards them
		// (along with everything else that isn't a delta or a terminal
		// signal) to keep the decoder dialect-symmetric. Callers that
		// need the ID/model should read them off the non-streaming path.
		// Its usage.input_tokens is read here, and fills the terminal
		// chunk's PromptTokens when message_delta reports none.
		scanner := bufio.NewScanner(httpResp.Body)
		promptTokens := 0
		for scanner.Scan() {
			line := scanner.Text()
			if data, found := strings.CutPrefix(strings.TrimSpace(line), "data: "); found && strings.Contains(data, `"type":"message_start"`) {
				var start struct {
					Message anthropicResponse `json:"message"`
				}
				if json.Unmarshal([]byte(data), &start) == nil {
					promptTokens = start.Message.Usage.InputTokens
				}
			}
			chunk, ok := sse.Decode(line, sse.DialectAnthropic)
			if !ok {
				continue
			}
			if chunk.Usage != nil && chunk.Usage.PromptTokens == 0 && promptTokens > 0 {
				usage := NewUsage(promptTokens, chunk.Usage.CompletionTokens)
				chunk.Usage = &usage
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
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		// The body ended without a terminal frame (e.g. the connection
		// closed cleanly right after the last delta). Synthesize one so
		// consumers never see a channel close with no Done chunk.
		zeroUsage := Usage{}
		select {
		case ch <- StreamChunk{Done: true, Usage: &zeroUsage}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}
