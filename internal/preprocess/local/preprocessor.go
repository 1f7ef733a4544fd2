package local

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"

	"github.com/howard-nolan/llmrouter/internal/provider"
)

// taskOptimizeCharThreshold mirrors the original agent's rule: only
// bother rewriting the task prompt once it's long enough to matter.
const taskOptimizeCharThreshold = 200

// relevanceScoringContentCap mirrors the original's "first 500 chars"
// cap on how much of each context item gets scored, keeping the local
// pass cheap even for large files.
const relevanceScoringContentCap = 500

// Config controls relevance filtering and optional task-prompt rewriting.
type Config struct {
	RelevanceThreshold float32
	AggressiveRewrite  bool // if true and an LLM is configured, also condense the task prompt
}

// DefaultConfig matches the original agent's defaults.
func DefaultConfig() Config {
	return Config{RelevanceThreshold: 0.3, AggressiveRewrite: false}
}

// Preprocessor scores and filters request context locally before it's
// sent upstream: an Embedder computes cosine similarity between the
// task and each context item (replacing the original's per-item chat
// round trip), and an optional Provider still handles the original's
// text-rewriting tasks (task-prompt condensation) when configured.
//
// Implements the orchestrator package's Preprocessor interface
// implicitly (OptimizeRequest, IsAvailable).
type Preprocessor struct {
	cfg      Config
	embedder *Embedder
	llm      provider.Provider // optional; nil disables prompt rewriting
}

// New builds a Preprocessor. embedder may be nil (relevance scoring is
// then skipped entirely and context passes through unchanged); llm may
// be nil (task-prompt rewriting is then skipped).
func New(cfg Config, embedder *Embedder, llm provider.Provider) *Preprocessor {
	return &Preprocessor{cfg: cfg, embedder: embedder, llm: llm}
}

// IsAvailable reports whether this preprocessor can do useful work right
// now: either the embedder loaded successfully, or an LLM backend (e.g.
// Ollama) is reachable.
func (p *Preprocessor) IsAvailable(ctx context.Context) bool {
	if p.embedder != nil {
		return true
	}
	if ollama, ok := p.llm.(*provider.OllamaProvider); ok {
		return ollama.IsAvailable(ctx)
	}
	return p.llm != nil
}

// OptimizeRequest scores req.Context for relevance to req.Task, drops
// items below the configured threshold, sorts the rest by descending
// relevance, and — if aggressive rewriting is enabled and an LLM is
// configured — condenses an overlong task prompt. It returns a new
// ChatRequest; req itself is not mutated.
func (p *Preprocessor) OptimizeRequest(ctx context.Context, req *provider.ChatRequest) (*provider.ChatRequest, error) {
	optimized := *req
	optimized.Context = append([]provider.ContextItem(nil), req.Context...)

	if len(optimized.Context) > 0 && p.embedder != nil {
		filtered, err := p.filterByRelevance(optimized.Task, optimized.Context)
		if err != nil {
			return nil, fmt.Errorf("scoring context relevance: %w", err)
		}
		optimized.Context = filtered
	}

	if p.cfg.AggressiveRewrite && p.llm != nil && len(optimized.Task) > taskOptimizeCharThreshold {
		rewritten, err := p.optimizeTaskPrompt(ctx, optimized.Task)
		if err != nil {
			return nil, fmt.Errorf("condensing task prompt: %w", err)
		}
		optimized.Task = rewritten
	}

	return &optimized, nil
}

func (p *Preprocessor) filterByRelevance(task string, items []provider.ContextItem) ([]provider.ContextItem, error) {
	taskVec, err := p.embedder.EmbedText(task)
	if err != nil {
		return nil, fmt.Errorf("embedding task: %w", err)
	}

	scored := make([]provider.ContextItem, 0, len(items))
	for _, item := range items {
		content := item.Content
		if len(content) > relevanceScoringContentCap {
			content = content[:relevanceScoringContentCap]
		}

		vec, err := p.embedder.EmbedText(content)
		if err != nil {
			return nil, fmt.Errorf("embedding context item %q: %w", item.Name, err)
		}

		score := cosineSimilarity(taskVec, vec)
		if score < p.cfg.RelevanceThreshold {
			continue
		}

		item.Relevance = &score
		scored = append(scored, item)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].Relevance > *scored[j].Relevance
	})

	return scored, nil
}

func (p *Preprocessor) optimizeTaskPrompt(ctx context.Context, task string) (string, error) {
	prompt := fmt.Sprintf(
		"Rewrite the following prompt to be more concise while preserving all requirements and intent. "+
			"Remove filler words and redundant phrases.\n\nOriginal prompt:\n%s\n\nConcise version:", task)

	resp, err := p.llm.ChatCompletion(ctx, &provider.ChatRequest{
		System: "You are a prompt optimization assistant. Output only the optimized prompt, nothing else.",
		Task:   prompt,
	})
	if err != nil {
		return task, err
	}
	return strings.TrimSpace(resp.Content), nil
}

// cosineSimilarity computes cos(a, b) using vek's vectorized float32 dot
// product (vek internally leans on viterin/partial for the batched
// partial-sum reduction behind Dot) and math32 for the scalar sqrt.
func cosineSimilarity(a, b []float32) float32 {
	dot := vek32.Dot(a, b)
	normA := math32.Sqrt(vek32.Dot(a, a))
	normB := math32.Sqrt(vek32.Dot(b, b))
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (normA * normB)
}
