package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/stream"
)

// sessionHeader names the request header clients use to tie successive
// requests to the same orchestrator session (history, cache breakpoints,
// handoff bookkeeping). Without the header, the session id is derived
// from the client's remote address ("anonymous-" + r.RemoteAddr), so
// requests arriving over the same connection share one session.
const sessionHeader = "X-LLMRouter-Session-Id"

func (s *Server) sessionID(r *http.Request) string {
	if id := r.Header.Get(sessionHeader); id != "" {
		return id
	}
	return "anonymous-" + r.RemoteAddr
}

// resolveProvider looks up the Provider for a given model name using the
// model-to-provider registry. Returns an error if the model isn't known.
//
// This is the core of the provider dispatch: the client sends us a model
// name like "gpt-4o" or "claude-haiku-4-5-20251001", and we
// need to find which Provider handles it. The s.models map was built at
// startup from the config file's provider → models lists, so this is
// just a map lookup.
//
// In Express terms, this is like a middleware that inspects req.body.model
// and attaches the right service client to the request context.
func (s *Server) resolveProvider(model string) (provider.Provider, error) {
	p, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("unknown model: %q", model)
	}
	return p, nil
}

// handleHealth responds with a simple JSON status indicating the server
// is alive. Later we'll expand this to check provider connectivity, Redis,
// etc. — but for now it's a basic liveness probe.
//
// In Express terms, this is like:
//   app.get('/health', (req, res) => res.json({ status: 'ok' }))
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Set the Content-Type header BEFORE calling WriteHeader or Write.
	// In Go, headers must be set before the first write — once you start
	// writing the body, headers are locked in (sent over the wire).
	w.Header().Set("Content-Type", "application/json")

	// json.NewEncoder(w) creates a JSON encoder that writes directly to
	// the ResponseWriter. Encode() serializes the value and writes it.
	// This is the Go equivalent of res.json({...}) in Express, but split
	// into two explicit steps: set the header, then encode the body.
	//
	// We're passing a map[string]string literal here — like writing
	// { status: "ok" } as an object literal in JS. The encoder uses the
	// map keys ("status") as the JSON key names directly.
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// handleChatCompletions handles POST /v1/chat/completions.
// It decodes the request, resolves the provider from the model name,
// and dispatches to either the streaming or non-streaming path.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	// Step 1: Decode the incoming JSON body into our unified ChatRequest.
	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	// Step 2: Resolve the provider from the model name.
	// This is the registry lookup — "gpt-4o" → OpenAIProvider,
	// "claude-haiku-4-5-20251001" → AnthropicProvider, etc.
	p, err := s.resolveProvider(req.Model)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": err.Error(),
		})
		return
	}

	// Step 3: Set response headers so the client knows which provider
	// and model handled the request. These are useful for debugging
	// and will be essential once we add "model": "auto" routing —
	// the client won't know which model was selected without these.
	w.Header().Set("X-LLMRouter-Provider", p.Name())
	w.Header().Set("X-LLMRouter-Model", req.Model)

	// Step 4: Branch on streaming vs non-streaming.
	if req.Stream {
		chunks, err := p.ChatCompletionStream(r.Context(), &req)
		if err != nil {
			log.Printf("provider stream error: %v", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "provider error: " + err.Error(),
			})
			return
		}

		if err := stream.Write(w, chunks); err != nil {
			log.Printf("stream write error: %v", err)
		}
		return
	}

	// Non-streaming path: route through the orchestrator when one is
	// configured, so credit exhaustion and fallback handoff apply; fall
	// straight through to the resolved provider otherwise (e.g. in tests
	// that only wire up the model registry).
	var resp *provider.ChatResponse
	if s.orch != nil {
		resp, err = s.orch.Execute(r.Context(), s.sessionID(r), &req)
	} else {
		resp, err = p.ChatCompletion(r.Context(), &req)
	}
	if err != nil {
		log.Printf("provider error: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "provider error: " + err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCacheAnalyze handles POST /v1/cache/analyze: given an arbitrary
// blob of content, reports whether it meets the minimum-token threshold
// for prompt caching and suggests where breakpoints would land, without
// requiring a full ChatRequest. Useful for operators tuning
// min_cache_tokens against their own context files.
func (s *Server) handleCacheAnalyze(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
		return
	}

	analysis := s.cacheOptimizer.Analyze(body.Content)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(analysis)
}
