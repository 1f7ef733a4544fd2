package provider

import (
	"context"
	"net/http"
)

// OllamaProvider implements the Provider interface for a local Ollama
// server. Per the Ollama wire-shape decision recorded in SPEC_FULL.md, we
// talk to Ollama's OpenAI-compatible /v1/chat/completions endpoint rather
// than its native /api/generate shape — this lets OllamaProvider reuse
// OpenAIProvider's request/response translation and streaming decoder
// wholesale instead of duplicating them.
type OllamaProvider struct {
	*OpenAIProvider
	availabilityClient *http.Client
}

// NewOllamaProvider creates an OllamaProvider. baseURL should point at the
// Ollama server's OpenAI-compatible root, e.g. "http://localhost:11434/v1".
// Ollama doesn't require an API key, so apiKey is typically empty.
func NewOllamaProvider(apiKey, baseURL string, client *http.Client) *OllamaProvider {
	inner := NewOpenAIProvider(apiKey, baseURL, client)
	inner.name = "ollama"
	return &OllamaProvider{OpenAIProvider: inner, availabilityClient: client}
}

// IsAvailable pings Ollama's native /api/tags endpoint (outside the
// OpenAI-compatible surface) to check the local server is actually up —
// used by the orchestrator to skip a configured-but-offline local model
// before attempting a request against it.
func (o *OllamaProvider) IsAvailable(ctx context.Context) bool {
	root := ollamaRootURL(o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, root+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.availabilityClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ollamaRootURL strips a trailing "/v1" so we can hit Ollama's
// non-OpenAI-compatible endpoints alongside the chat completions ones.
func ollamaRootURL(baseURL string) string {
	const suffix = "/v1"
	if len(baseURL) >= len(suffix) && baseURL[len(baseURL)-len(suffix):] == suffix {
		return baseURL[:len(baseURL)-len(suffix)]
	}
	return baseURL
}

// NewCustomProvider creates a provider for the "custom" kind: an
// operator-supplied base URL that speaks the OpenAI-compatible wire
// format, same as OpenAIProvider itself but under its own Name() so
// metrics/logging can tell it apart from the hosted OpenAI endpoint.
func NewCustomProvider(apiKey, baseURL string, client *http.Client) *OpenAIProvider {
	p := NewOpenAIProvider(apiKey, baseURL, client)
	p.name = "custom"
	return p
}
