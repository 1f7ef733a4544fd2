package local

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// hashTokenize turns text into a sequence of at most maxTokens
// vocab-bucketed token ids (one per whitespace-split word, so shorter
// text yields fewer) by hashing words into [0, vocabSize). This
// is a feature-hashing trick (the same idea fastText-style bag-of-words
// embedding models use) standing in for a real subword tokenizer, since
// the embedding model here only needs consistent, collision-tolerant
// bucket ids, not a linguistically exact vocabulary.
func hashTokenize(text string, maxTokens, vocabSize int) []int64 {
	words := strings.Fields(text)
	ids := make([]int64, 0, maxTokens)

	for _, w := range words {
		if len(ids) >= maxTokens {
			break
		}
		h := xxhash.Sum64String(strings.ToLower(w))
		ids = append(ids, int64(h%uint64(vocabSize)))
	}

	return ids
}
