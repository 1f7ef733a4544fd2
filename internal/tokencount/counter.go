// Package tokencount estimates and counts tokens for cost/cache-size
// calculations. A Counter hides whether the cheap byte-ratio estimate or
// a real BPE tokenizer is in use; the cache optimizer takes one via
// Optimizer.SetCounter and otherwise uses its own char-ratio estimate.
//
// Grounded on original_source/src/api/client.rs's estimate_tokens, whose
// own comment ("For accurate counts, use tiktoken") is exactly the gap
// BPECounter fills.
package tokencount

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// Counter turns text into a token count.
type Counter interface {
	CountTokens(text string) int
	Close()
}

// BytesPerToken is the original estimator's ratio: ~4 characters per
// token, i.e. text.len() / 4.
const BytesPerToken = 4

// EstimatorCounter is the zero-dependency fallback: a flat character
// count divided by BytesPerToken. Used for any model family without a
// loaded BPE tokenizer, and as the default when none is configured.
type EstimatorCounter struct{}

// NewEstimatorCounter returns the default byte-ratio Counter.
func NewEstimatorCounter() EstimatorCounter { return EstimatorCounter{} }

// CountTokens implements Counter.
func (EstimatorCounter) CountTokens(text string) int {
	return len(text) / BytesPerToken
}

// Close implements Counter; EstimatorCounter holds no resources.
func (EstimatorCounter) Close() {}

// BPECounter wraps a real byte-pair-encoding tokenizer (loaded from a
// HuggingFace-format tokenizer.json) for model families where exact
// counts matter — primarily OpenAI's, whose overage/undercounting
// directly affects whether a request fits inside max_tokens.
type BPECounter struct {
	tk *tokenizers.Tokenizer
}

// NewBPECounter loads a tokenizer.json from disk. Callers should fall
// back to EstimatorCounter if this returns an error (e.g. the file isn't
// deployed in this environment) rather than treat it as fatal — token
// counting degrades gracefully.
func NewBPECounter(tokenizerJSONPath string) (*BPECounter, error) {
	tk, err := tokenizers.FromFile(tokenizerJSONPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer from %s: %w", tokenizerJSONPath, err)
	}
	return &BPECounter{tk: tk}, nil
}

// CountTokens implements Counter by running the real BPE encoder.
func (b *BPECounter) CountTokens(text string) int {
	ids, _ := b.tk.Encode(text, false)
	return len(ids)
}

// Close releases the native tokenizer resources.
func (b *BPECounter) Close() {
	if b.tk != nil {
		b.tk.Close()
	}
}

// ForModel picks a Counter appropriate for modelFamily. openaiTokenizerPath
// is used only when modelFamily is "openai"; any load failure falls back
// to the byte-ratio estimator rather than erroring, since token counting
// is an optimization, not a correctness requirement.
func ForModel(modelFamily, openaiTokenizerPath string) Counter {
	if modelFamily == "openai" && openaiTokenizerPath != "" {
		if bpe, err := NewBPECounter(openaiTokenizerPath); err == nil {
			return bpe
		}
	}
	return NewEstimatorCounter()
}
