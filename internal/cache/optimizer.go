// Package cache implements prompt-cache-aware request optimization:
// classifying context by how often it changes, reordering it so the
// stable parts come first, and computing where to insert Anthropic
// cache_control breakpoints — plus a separate tracker for measuring
// whether the optimization is actually paying off (internal/cache's
// Tracker, in tracker.go).
//
// Grounded on original_source/src/cache/{strategy,mod}.rs.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/tokencount"
)

// MinCacheTokens is Anthropic's minimum cacheable block size.
const MinCacheTokens = 1024

// Config controls how the Optimizer reorders and annotates a request.
type Config struct {
	MinCacheTokens  int
	MaxBreakpoints  int
	AutoReorder     bool
	PadToMinimum    bool
	TokensPerChar   float32
}

// DefaultConfig matches the original cache-prompting defaults.
func DefaultConfig() Config {
	return Config{
		MinCacheTokens: MinCacheTokens,
		MaxBreakpoints: 4, // Anthropic supports up to 4 cache breakpoints
		AutoReorder:    true,
		PadToMinimum:   false,
		TokensPerChar:  0.25, // ~4 chars per token
	}
}

// ContentStability classifies how often a piece of content changes
// between requests. Lower CachePriority sorts first: stable content
// belongs at the front of the prompt so it can be cached.
type ContentStability int

const (
	// StabilityStatic content never changes (system prompts, docs).
	StabilityStatic ContentStability = iota
	// StabilitySemiStatic content changes infrequently (type defs, config).
	StabilitySemiStatic
	// StabilityDynamic content may change between requests (current file).
	StabilityDynamic
	// StabilityVolatile content always changes (the user's query, errors).
	StabilityVolatile
)

// CachePriority returns a sort key: lower values belong earlier in the
// prompt.
func (s ContentStability) CachePriority() uint8 {
	return uint8(s)
}

// BreakpointPosition names where a cache_control breakpoint should be
// inserted in the final request.
type BreakpointPosition struct {
	AfterSystem     bool
	AfterContextIdx *int // set when the breakpoint follows request.Context[*AfterContextIdx]
}

// OptimizedRequest is the result of Optimize: the request with Context
// possibly reordered, plus the computed breakpoints and token estimates.
type OptimizedRequest struct {
	Request              *provider.ChatRequest
	Breakpoints           []BreakpointPosition
	StaticTokens          int
	DynamicTokens         int
	EstimatedCacheSavings int
}

// Analysis reports the caching potential of a standalone piece of content
// (used by the /v1/cache/analyze endpoint).
type Analysis struct {
	MeetsMinimum         bool
	EstimatedTokens       int
	BreakpointPositions   []int
	PotentialSavings      float64
	Suggestions           []string
}

// CheckResult reports whether content previously registered under a
// cache key is unchanged, modified, or new.
type CheckResult struct {
	Hit         bool
	Modified    bool
	Miss        bool
	TokensSaved int
}

type contentFingerprint struct {
	hash       uint64
	tokenCount int
	lastUsed   time.Time
}

// Optimizer classifies and reorders request content for cache efficiency
// and fingerprints content across calls so callers can detect drift.
//
// An Optimizer is safe for concurrent use.
type Optimizer struct {
	cfg Config

	mu                 sync.Mutex
	contentCache       map[string]contentFingerprint
	classifierOverride *LuaClassifier
	counter            tokencount.Counter
}

// New creates an Optimizer with the given config.
func New(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg, contentCache: make(map[string]contentFingerprint)}
}

// SetCounter swaps the char-ratio estimator for a real Counter (e.g. a
// BPE tokenizer), so token-count-dependent decisions — the minimum cache
// size check, breakpoint placement, savings estimates — use exact counts
// instead of the ~4-chars-per-token approximation. Off by default.
func (o *Optimizer) SetCounter(c tokencount.Counter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counter = c
}

// estimateTokens counts content's tokens using the injected Counter when
// set, falling back to the configured char-ratio estimate otherwise.
func (o *Optimizer) estimateTokens(content string) int {
	o.mu.Lock()
	c := o.counter
	o.mu.Unlock()
	if c != nil {
		return c.CountTokens(content)
	}
	return int(float32(len(content)) * o.cfg.TokensPerChar)
}

// Analyze estimates whether content is large enough to be worth caching
// and suggests natural breakpoint positions inside it.
func (o *Optimizer) Analyze(content string) Analysis {
	estimatedTokens := o.estimateTokens(content)
	meetsMinimum := estimatedTokens >= o.cfg.MinCacheTokens

	var suggestions []string
	if !meetsMinimum {
		needed := o.cfg.MinCacheTokens - estimatedTokens
		suggestions = append(suggestions, sprintfNeedsMore(needed, o.cfg.MinCacheTokens))
	}

	potentialSavings := 0.0
	if meetsMinimum {
		potentialSavings = 0.9
	}

	return Analysis{
		MeetsMinimum:        meetsMinimum,
		EstimatedTokens:     estimatedTokens,
		BreakpointPositions: findBreakpointPositions(content),
		PotentialSavings:    potentialSavings,
		Suggestions:         suggestions,
	}
}

func sprintfNeedsMore(needed, min int) string {
	return "content is ~" + itoa(needed) + " tokens short of minimum cache size (" + itoa(min) +
		"). Consider combining with other static content."
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// markers are natural section boundaries; an occurrence of one more
// than 500 chars past the previous breakpoint (or past the start of the
// content, for the first one) is reported.
var markers = []string{"\n## ", "\n# ", "\n---\n", "\n\n\n"}

func findBreakpointPositions(content string) []int {
	var positions []int
	currentPos := 0

	for _, marker := range markers {
		searchFrom := 0
		for {
			idx := strings.Index(content[searchFrom:], marker)
			if idx < 0 {
				break
			}
			abs := searchFrom + idx
			if abs > currentPos+500 {
				positions = append(positions, abs)
				currentPos = abs
			}
			searchFrom = abs + len(marker)
		}
	}

	return positions
}

// Optimize classifies req.Context by stability, reorders it (static,
// then semi-static, then dynamic, then volatile, each bucket stable) when
// AutoReorder is enabled, and computes where cache breakpoints belong.
// It mutates req.Context in place and sets req.SystemCacheControl /
// req.CacheBreakpoints so a provider adapter can translate the result.
func (o *Optimizer) Optimize(req *provider.ChatRequest) OptimizedRequest {
	var totalStaticTokens, totalDynamicTokens int

	if req.System != "" {
		totalStaticTokens += o.estimateTokens(req.System)
	}

	type classified struct {
		item      provider.ContextItem
		stability ContentStability
	}

	var staticItems, semiStaticItems, dynamicItems, volatileItems []classified

	for _, item := range req.Context {
		stability := o.classify(item)
		tokens := o.estimateTokens(item.Content)

		switch stability {
		case StabilityStatic:
			totalStaticTokens += tokens
			staticItems = append(staticItems, classified{item, stability})
		case StabilitySemiStatic:
			totalStaticTokens += tokens
			semiStaticItems = append(semiStaticItems, classified{item, stability})
		case StabilityVolatile:
			totalDynamicTokens += tokens
			volatileItems = append(volatileItems, classified{item, stability})
		default:
			totalDynamicTokens += tokens
			dynamicItems = append(dynamicItems, classified{item, stability})
		}
	}

	if o.cfg.AutoReorder {
		reordered := make([]provider.ContextItem, 0, len(req.Context))
		for _, c := range staticItems {
			reordered = append(reordered, c.item)
		}
		for _, c := range semiStaticItems {
			reordered = append(reordered, c.item)
		}
		for _, c := range dynamicItems {
			reordered = append(reordered, c.item)
		}
		for _, c := range volatileItems {
			reordered = append(reordered, c.item)
		}
		req.Context = reordered
	}

	breakpoints := o.calculateBreakpoints(req, totalStaticTokens)
	if len(breakpoints) > 0 {
		for _, bp := range breakpoints {
			if bp.AfterSystem {
				req.SystemCacheControl = provider.DefaultCacheControl()
			}
			if bp.AfterContextIdx != nil {
				req.CacheBreakpoints = append(req.CacheBreakpoints, *bp.AfterContextIdx)
			}
		}
	}

	totalDynamicTokens += o.estimateTokens(req.Task)

	savings := 0
	if totalStaticTokens >= o.cfg.MinCacheTokens {
		savings = int(float32(totalStaticTokens) * 0.9)
	}

	return OptimizedRequest{
		Request:               req,
		Breakpoints:            breakpoints,
		StaticTokens:           totalStaticTokens,
		DynamicTokens:          totalDynamicTokens,
		EstimatedCacheSavings: savings,
	}
}

// ClassifyContext determines a ContextItem's stability from its type and,
// for files, its name. Exported so the preprocessor and handler layers can
// reuse the same rules without constructing an Optimizer.
func ClassifyContext(item provider.ContextItem) ContentStability {
	switch item.ItemType {
	case provider.ContextTypeDocumentation:
		return StabilityStatic

	case provider.ContextTypeFile:
		name := item.Name
		switch {
		case strings.HasSuffix(name, ".d.ts"),
			strings.HasSuffix(name, "types.rs"),
			strings.HasSuffix(name, "types.py"),
			strings.HasSuffix(name, "schema.prisma"),
			strings.Contains(name, "interface"):
			return StabilitySemiStatic
		case strings.HasSuffix(name, ".json"),
			strings.HasSuffix(name, ".toml"),
			strings.HasSuffix(name, ".yaml"),
			strings.HasSuffix(name, ".yml"):
			return StabilitySemiStatic
		default:
			return StabilityDynamic
		}

	case provider.ContextTypeSnippet:
		return StabilityDynamic

	case provider.ContextTypeError, provider.ContextTypeOutput:
		return StabilityVolatile

	default:
		return StabilityDynamic
	}
}

// calculateBreakpoints mirrors the original's greedy breakpoint search:
// it only bothers once the static content clears the minimum, adds one
// breakpoint after the system prompt if that alone clears the minimum,
// then walks the (already reordered) context accumulating tokens and
// remembering the last Static-or-SemiStatic index whose cumulative
// total has crossed the minimum — stopping the walk at the first
// Dynamic/Volatile item, since nothing past that point can still be
// part of a contiguous cacheable prefix.
func (o *Optimizer) calculateBreakpoints(req *provider.ChatRequest, staticTokens int) []BreakpointPosition {
	var breakpoints []BreakpointPosition

	if staticTokens < o.cfg.MinCacheTokens {
		return breakpoints
	}

	if req.System != "" {
		systemTokens := o.estimateTokens(req.System)
		if systemTokens >= o.cfg.MinCacheTokens {
			breakpoints = append(breakpoints, BreakpointPosition{AfterSystem: true})
		}
	}

	if len(breakpoints) < o.cfg.MaxBreakpoints {
		var cumulativeTokens int
		var lastStaticIdx *int

		for idx, item := range req.Context {
			stability := o.classify(item)
			tokens := o.estimateTokens(item.Content)
			cumulativeTokens += tokens

			if stability == StabilityStatic || stability == StabilitySemiStatic {
				if cumulativeTokens >= o.cfg.MinCacheTokens {
					i := idx
					lastStaticIdx = &i
				}
			} else {
				break
			}
		}

		if lastStaticIdx != nil {
			breakpoints = append(breakpoints, BreakpointPosition{AfterContextIdx: lastStaticIdx})
		}
	}

	return breakpoints
}

// RegisterSent fingerprints content under cacheKey so a later CheckCache
// call can tell whether the same content was sent again.
func (o *Optimizer) RegisterSent(cacheKey, content string) {
	hash := xxhash.Sum64String(content)
	tokenCount := o.estimateTokens(content)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.contentCache[cacheKey] = contentFingerprint{hash: hash, tokenCount: tokenCount, lastUsed: time.Now()}
}

// CheckCache reports whether content matches what was last registered
// under cacheKey.
func (o *Optimizer) CheckCache(cacheKey, content string) CheckResult {
	o.mu.Lock()
	fp, ok := o.contentCache[cacheKey]
	o.mu.Unlock()

	if !ok {
		return CheckResult{Miss: true}
	}

	if xxhash.Sum64String(content) == fp.hash {
		return CheckResult{Hit: true, TokensSaved: fp.tokenCount}
	}
	return CheckResult{Modified: true}
}
