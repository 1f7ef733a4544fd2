// Package local implements a local, no-API-call preprocessor: it scores
// context relevance with a small ONNX sentence-embedding model (instead
// of round-tripping every item through a chat model) and, optionally,
// still uses a local chat model (Ollama) for the original agent's
// text-rewriting tasks (prompt condensation).
//
// Grounded on original_source/src/agents/local.rs, generalized per
// SPEC_FULL.md to a local-embedding relevance scorer.
package local

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// EmbedderConfig configures the ONNX embedding session.
type EmbedderConfig struct {
	// SharedLibraryPath points at the onnxruntime shared library
	// (libonnxruntime.so / .dylib / .dll). Required on most platforms
	// since onnxruntime_go doesn't bundle the native library.
	SharedLibraryPath string
	// ModelPath is the .onnx sentence-embedding model.
	ModelPath string
	// VocabSize bounds the hashed token ids fed to the model's
	// input_ids input.
	VocabSize int
	// MaxTokens is the fixed input sequence length the model expects.
	MaxTokens int
	// EmbeddingDim is the model's output embedding width.
	EmbeddingDim int
}

// DefaultEmbedderConfig is a reasonable shape for a small distilled
// sentence-embedding model (e.g. a MiniLM-style model exported to ONNX).
func DefaultEmbedderConfig(sharedLibPath, modelPath string) EmbedderConfig {
	return EmbedderConfig{
		SharedLibraryPath: sharedLibPath,
		ModelPath:         modelPath,
		VocabSize:         30522,
		MaxTokens:         128,
		EmbeddingDim:      384,
	}
}

var ortInitOnce sync.Once
var ortInitErr error

func ensureRuntimeInitialized(sharedLibPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Embedder runs a fixed-shape ONNX sentence-embedding model over
// hash-tokenized text and returns a dense float32 vector.
//
// Not safe for concurrent use — the underlying onnxruntime session
// reuses its input/output tensors across calls. Callers needing
// concurrency should pool Embedders.
type Embedder struct {
	cfg     EmbedderConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[int64]
	output  *ort.Tensor[float32]
}

// NewEmbedder initializes the onnxruntime environment (once per
// process) and loads the model at cfg.ModelPath. Returns an error if the
// native library or model file can't be loaded — callers should treat
// that as "local embeddings unavailable" and fall back to a simpler
// relevance policy rather than failing the request.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if err := ensureRuntimeInitialized(cfg.SharedLibraryPath); err != nil {
		return nil, fmt.Errorf("initializing onnx runtime: %w", err)
	}

	inputShape := ort.NewShape(1, int64(cfg.MaxTokens))
	input, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocating input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(cfg.EmbeddingDim))
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("allocating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"input_ids"}, []string{"embedding"},
		[]ort.Value{input}, []ort.Value{output}, nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("loading embedding model %s: %w", cfg.ModelPath, err)
	}

	return &Embedder{cfg: cfg, session: session, input: input, output: output}, nil
}

// Close releases the onnxruntime session and tensors.
func (e *Embedder) Close() {
	e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
}

// EmbedText hash-tokenizes text and runs it through the model, returning
// a copy of the resulting embedding vector.
func (e *Embedder) EmbedText(text string) ([]float32, error) {
	ids := hashTokenize(text, e.cfg.MaxTokens, e.cfg.VocabSize)

	data := e.input.GetData()
	for i := range data {
		data[i] = 0
	}
	copy(data, ids)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("running embedding session: %w", err)
	}

	out := e.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}
