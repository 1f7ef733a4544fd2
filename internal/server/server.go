// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/orchestrator"
	"github.com/howard-nolan/llmrouter/internal/provider"
)

// Server holds the HTTP router and all dependencies that handlers need.
// As we add more features (cache, embedder, router), they'll become
// fields here — similar to attaching services to an Express app.
type Server struct {
	router chi.Router
	cfg    *config.Config

	// models maps model names to the provider that handles them.
	// For example: "gpt-4o" → OpenAIProvider,
	//              "claude-haiku-4-5-20251001" → AnthropicProvider.
	//
	// This is the provider registry. When a request comes in with a
	// model name, we look it up here to find the right provider.
	// It's like a route table, but for LLM providers instead of URLs.
	//
	// We key by model name (not provider name) because that's what
	// the client sends us. The handler receives "gpt-4o"
	// and needs to find OpenAIProvider — this map makes that a
	// single O(1) lookup.
	models map[string]provider.Provider

	// orch is the orchestrator wired to the primary/fallback providers.
	// Non-streaming chat completions are routed through it so that
	// credit exhaustion and session handoff apply; nil disables
	// orchestrated routing entirely (plain model-registry dispatch).
	orch *orchestrator.Orchestrator

	cacheOptimizer *cache.Optimizer
	metrics        *metrics.Tracker
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler. This is Go's equivalent of a
// constructor — the convention is to name it New when the package name
// already tells you what you're constructing (server.New → "new server").
//
// The models parameter is the provider registry: a map from model name
// to the Provider that handles it, used directly for streaming requests
// (the orchestrator's fallback path has no streaming support) and as the
// fallback dispatch when orch is nil. orch/cacheOptimizer/metricsTracker
// may be nil in tests that only exercise plain dispatch.
func New(cfg *config.Config, models map[string]provider.Provider, orch *orchestrator.Orchestrator, cacheOptimizer *cache.Optimizer, metricsTracker *metrics.Tracker) *Server {
	s := &Server{cfg: cfg, models: models, orch: orch, cacheOptimizer: cacheOptimizer, metrics: metricsTracker}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
// This is conceptually like your Express app.use() / app.get() / app.post()
// setup, but gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// middleware.Logger prints a log line for every request, similar to
	// morgan('dev') in Express. It logs method, path, status, and duration.
	r.Use(middleware.Logger)

	// middleware.Recoverer catches panics in handlers and returns a 500
	// instead of crashing the whole process. In Express, you'd use an
	// error-handling middleware like app.use((err, req, res, next) => ...).
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	if s.cacheOptimizer != nil {
		r.Post("/v1/cache/analyze", s.handleCacheAnalyze)
	}

	if s.metrics != nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(s.metrics)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
//
// This is what allows main.go to pass our Server directly to
// http.Server{Handler: srv} — the stdlib needs anything that has a
// ServeHTTP(ResponseWriter, *Request) method.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
