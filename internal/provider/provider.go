// Package provider defines the Provider interface and LLM provider adapters.
//
// Every LLM backend (Anthropic, OpenAI-compatible, Ollama, or a custom
// HTTP endpoint) implements the Provider interface. The rest of the
// gateway works with these unified types — orchestrator, cache, session,
// handlers — so they never need to know which provider is actually
// handling a request.
package provider

import "context"

// Provider is the interface that every LLM backend must satisfy.
// Go interfaces are implicit: any struct that has these three methods
// automatically implements Provider — no "implements" keyword needed.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic" or "openai".
	// Used for logging, metrics labels, and the X-LLMRouter-Provider header.
	Name() string

	// ChatCompletion sends a request and returns the complete response.
	// This is the non-streaming path (when the client sends stream: false).
	//
	// The context.Context parameter carries cancellation signals and
	// deadlines. If the client disconnects, ctx gets cancelled, and the
	// provider adapter should stop waiting for the upstream API.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream sends a request and returns a channel that
	// delivers response chunks as they arrive from the upstream API.
	//
	// The returned channel is receive-only (<-chan) — the caller can read
	// from it but not write to it. The adapter creates the channel
	// internally, writes chunks to it, and closes it when the stream ends.
	//
	// Think of it like an async generator in JS:
	//   async function* stream(req) { yield chunk1; yield chunk2; }
	// except in Go you read from a channel instead of using for-await-of.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// BalanceReporter is implemented by providers that expose a remaining
// credit balance on their responses (currently only the Anthropic-style
// primary adapter, via the credit package). It's a separate, optional
// interface rather than a method on Provider because most adapters
// (OpenAI, Ollama, custom) have no notion of a caller balance at all.
type BalanceReporter interface {
	Provider
	// LastResponseHeaders returns the raw HTTP headers from the most
	// recently completed call, so the credit tracker can scrape
	// balance headers out of band without the adapter depending on
	// the credit package.
	LastResponseHeaders() map[string][]string
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatRequest is the internal representation of a chat completion request.
// The HTTP handler parses the incoming OpenAI-format JSON into this struct,
// the cache optimizer may reorder/annotate Context before it's sent, and
// provider adapters translate the result into their backend-specific wire
// format.
type ChatRequest struct {
	Model     string    `json:"model"`       // e.g. "claude-haiku-4-5-20251001", "auto"
	System    string    `json:"system"`      // system prompt / instructions
	Messages  []Message `json:"messages"`    // the conversation history
	Context   []ContextItem `json:"context"` // files/snippets/etc. attached to this request
	Task      string    `json:"task"`        // the actual question/instruction, appended last
	Stream    bool      `json:"stream"`      // true = SSE streaming
	MaxTokens int       `json:"max_tokens"`  // max tokens in the response

	Constraints *RequestConstraints `json:"constraints,omitempty"`

	// SystemCacheControl, when non-nil, asks the provider adapter to mark
	// the system prompt as a cache breakpoint (Anthropic prompt caching).
	// The cache optimizer sets this; a caller can also set it directly.
	SystemCacheControl *CacheControl `json:"system_cache_control,omitempty"`

	// CacheBreakpoints holds indices into Context where a cache
	// breakpoint should be inserted, as computed by the cache optimizer's
	// calculateBreakpoints. Not part of the client-facing wire format.
	CacheBreakpoints []int `json:"-"`
}

// Message is a single message in the conversation. This matches the OpenAI
// format, which uses role + content pairs.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // the message text
}

// ContextType classifies a ContextItem for cache-stability purposes and
// for display/debugging. See internal/cache for how this feeds into
// stability classification.
type ContextType string

const (
	ContextTypeFile          ContextType = "file"
	ContextTypeSnippet       ContextType = "snippet"
	ContextTypeDocumentation ContextType = "documentation"
	ContextTypeError         ContextType = "error"
	ContextTypeOutput        ContextType = "output"
)

// ContextItem is one piece of context attached to a request: a file, a
// code snippet, an error message, command output, etc. The cache
// optimizer reorders these by stability and records the indices of the
// ones that should become cache breakpoints in ChatRequest.CacheBreakpoints.
//
// Invariant: if IsStatic is true, CacheControl must be non-nil. This is
// enforced by construction (NewStaticContextItem) and by SetStatic, not
// by JSON serialization — a caller building a ContextItem literal by
// hand is responsible for keeping the two fields consistent.
type ContextItem struct {
	Name         string        `json:"name"`
	Content      string        `json:"content"`
	ItemType     ContextType   `json:"item_type"`
	Relevance    *float32      `json:"relevance,omitempty"` // set by a preprocessor, 0.0-1.0
	CacheControl *CacheControl `json:"cache_control,omitempty"`
	IsStatic     bool          `json:"is_static"`
}

// NewContextItem builds a ContextItem with no static/cache-control
// annotation. Use NewStaticContextItem (or SetStatic on an existing
// item) when the item should be marked static, so IsStatic/CacheControl
// stay consistent.
func NewContextItem(name, content string, itemType ContextType) ContextItem {
	return ContextItem{Name: name, Content: content, ItemType: itemType}
}

// NewStaticContextItem builds a ContextItem marked static, attaching the
// default CacheControl so the two fields never disagree.
func NewStaticContextItem(name, content string, itemType ContextType) ContextItem {
	item := NewContextItem(name, content, itemType)
	item.SetStatic(true)
	return item
}

// SetStatic marks/unmarks item as static. Setting it true attaches a
// default CacheControl if one isn't already present, enforcing "IsStatic
// implies CacheControl != nil" at the one place the field is ever
// flipped, rather than relying on every call site to remember.
func (item *ContextItem) SetStatic(static bool) {
	item.IsStatic = static
	if static && item.CacheControl == nil {
		item.CacheControl = DefaultCacheControl()
	}
}

// CacheControl mirrors Anthropic's prompt-caching request annotation.
// Its presence on a message/content block tells the provider "cache
// everything up to and including this block."
type CacheControl struct {
	Type string `json:"type"` // always "ephemeral" for Anthropic today
}

// DefaultCacheControl is the zero-config cache control value used
// whenever code needs to mark something cacheable without further detail.
func DefaultCacheControl() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// RequestConstraints lets a caller bound context/response size and signal
// a preference for terse answers.
type RequestConstraints struct {
	MaxContextTokens  *int `json:"max_context_tokens,omitempty"`
	MaxResponseTokens *int `json:"max_response_tokens,omitempty"`
	PreferConcise     bool `json:"prefer_concise"`
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// StopReason normalizes why generation stopped across providers.
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
)

// ChatResponse is the internal representation of a complete (non-streaming)
// chat completion response. Provider adapters translate their backend's
// response format into this struct, and the handler serializes it back
// to the client.
type ChatResponse struct {
	ID         string     `json:"id"`         // unique response ID from the provider
	Model      string     `json:"model"`      // the model that actually generated the response
	Content    string     `json:"content"`    // the generated text
	Usage      Usage      `json:"usage"`      // token counts for cost tracking and metrics
	Truncated  bool       `json:"truncated"`  // true if the response hit max_tokens
	StopReason StopReason `json:"stop_reason,omitempty"`
}

// Usage holds token count information. Every provider returns this in some
// form — we normalize it here. These numbers feed into cost calculation
// (tokens x price-per-token) and Prometheus metrics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	EstimatedCostUSD *float64 `json:"estimated_cost_usd,omitempty"`

	// CacheCreationTokens/CacheReadTokens are only populated by providers
	// that support prompt caching (Anthropic). A nil value means "this
	// provider doesn't report cache activity," which is distinct from
	// zero ("cache was checked but nothing cached").
	CacheCreationTokens *int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     *int `json:"cache_read_tokens,omitempty"`
}

// NewUsage builds a Usage from prompt/completion token counts.
func NewUsage(promptTokens, completionTokens int) Usage {
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}

// WithCache attaches Anthropic-style cache token counts.
func (u Usage) WithCache(cacheCreation, cacheRead *int) Usage {
	u.CacheCreationTokens = cacheCreation
	u.CacheReadTokens = cacheRead
	return u
}

// WithCost computes estimated_cost_usd at flat per-1K-token rates.
func (u Usage) WithCost(costPer1KInput, costPer1KOutput float64) Usage {
	cost := (float64(u.PromptTokens)/1000.0)*costPer1KInput +
		(float64(u.CompletionTokens)/1000.0)*costPer1KOutput
	u.EstimatedCostUSD = &cost
	return u
}

// WithCacheCost computes estimated_cost_usd factoring in Anthropic's cache
// pricing: cache writes cost 1.25x the base input rate, cache reads cost
// 0.10x the base input rate.
func (u Usage) WithCacheCost(costPer1KInput, costPer1KOutput float64) Usage {
	baseInput := (float64(u.PromptTokens) / 1000.0) * costPer1KInput
	output := (float64(u.CompletionTokens) / 1000.0) * costPer1KOutput

	var writeCost, readCost float64
	if u.CacheCreationTokens != nil {
		writeCost = (float64(*u.CacheCreationTokens) / 1000.0) * costPer1KInput * 1.25
	}
	if u.CacheReadTokens != nil {
		readCost = (float64(*u.CacheReadTokens) / 1000.0) * costPer1KInput * 0.10
	}

	total := baseInput + output + writeCost + readCost
	u.EstimatedCostUSD = &total
	return u
}

// CacheSavings returns the number of tokens served from cache.
func (u Usage) CacheSavings() int {
	if u.CacheReadTokens == nil {
		return 0
	}
	return *u.CacheReadTokens
}

// HasCacheActivity reports whether this usage reflects any cache writes
// or reads at all (as opposed to a provider that never reports caching).
func (u Usage) HasCacheActivity() bool {
	return u.CacheCreationTokens != nil || u.CacheReadTokens != nil
}

// StreamChunk is one piece of a streaming response. The provider adapter
// sends these over a channel, and the SSE writer (stream package) reads
// them and flushes each one to the client as a server-sent event.
//
// Exactly one of {plain text delta, Done, Error} describes a given
// chunk: zero or more text chunks are followed by exactly one terminal
// chunk (Done == true), which itself might carry an Error instead of a
// final Usage.
type StreamChunk struct {
	ID    string // response ID (same value across all chunks in one stream)
	Model string // model name
	Delta string // the new text fragment in this chunk
	Done  bool   // true on the final chunk — signals the stream is complete

	// Usage is only populated on the final chunk (some providers include
	// token counts at the end of a stream). It's a pointer so it can be
	// nil on all non-final chunks — like TypeScript's `usage?: Usage`.
	Usage *Usage

	// Error is set on the final chunk when the stream ended abnormally
	// (a decode failure or a broken connection). Done is also true in
	// that case. A well-formed stream never sets both Usage and Error.
	Error error
}

// ---------------------------------------------------------------------------
// Pricing
// ---------------------------------------------------------------------------

// ModelPricing holds $/1K-token rates for a model, used by Usage.WithCost
// and Usage.WithCacheCost.
type ModelPricing struct {
	CostPer1KInput  float64
	CostPer1KOutput float64
}

// PricingTable maps model name to its pricing. Populated by adapter
// init() functions (currently only anthropic.go's), so a server wiring
// the providers gets the table without needing its own copy of the
// numbers. Models with no entry are not priced.
var PricingTable = map[string]ModelPricing{}
