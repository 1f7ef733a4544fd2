// Package main is the entry point for the llmrouter gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/credit"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/orchestrator"
	"github.com/howard-nolan/llmrouter/internal/preprocess/local"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/server"
	"github.com/howard-nolan/llmrouter/internal/tokencount"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Build the provider registry: a map from model name → Provider.
	//
	// constructors maps provider kind names (from config) to the
	// function that creates them, so adding a new backend is one map
	// entry rather than another if/else branch.
	type providerFactory func(apiKey, baseURL string) provider.Provider

	constructors := map[string]providerFactory{
		"anthropic": func(apiKey, baseURL string) provider.Provider {
			return provider.NewAnthropicProvider(apiKey, baseURL, http.DefaultClient)
		},
		"openai": func(apiKey, baseURL string) provider.Provider {
			return provider.NewOpenAIProvider(apiKey, baseURL, http.DefaultClient)
		},
		"ollama": func(apiKey, baseURL string) provider.Provider {
			return provider.NewOllamaProvider(apiKey, baseURL, http.DefaultClient)
		},
		"custom": func(apiKey, baseURL string) provider.Provider {
			return provider.NewCustomProvider(apiKey, baseURL, http.DefaultClient)
		},
	}

	models := make(map[string]provider.Provider)

	for name, provCfg := range cfg.Providers {
		factory, ok := constructors[name]
		if !ok {
			log.Fatalf("unknown provider kind in config: %q", name)
		}

		p := factory(provCfg.APIKey, provCfg.BaseURL)

		for _, model := range provCfg.Models {
			models[model] = p
			log.Printf("registered model %q -> provider %q", model, name)
		}
	}

	// --- Primary provider + credit tracker ---
	primaryFactory, ok := constructors["anthropic"]
	if !ok {
		log.Fatalf("no anthropic constructor registered for primary provider")
	}
	primary := primaryFactory(cfg.Primary.APIKey, cfg.Primary.BaseURL)

	creditCfg := credit.DefaultConfig()
	if cfg.Primary.MinBalanceUSD > 0 {
		creditCfg.MinBalanceUSD = cfg.Primary.MinBalanceUSD
	}
	if cfg.Primary.MinBalanceDiem > 0 {
		creditCfg.MinBalanceDiem = cfg.Primary.MinBalanceDiem
	}
	balanceTracker := credit.New(creditCfg, http.DefaultClient)

	// --- Fallback provider ---
	var fallback orchestrator.FallbackProvider
	switch cfg.Fallback.Kind {
	case config.FallbackKindClaude:
		cli := orchestrator.NewCLIFallback()
		if cfg.Fallback.CLICommand != "" {
			cli.WithCommand(cfg.Fallback.CLICommand)
		}
		if cfg.Fallback.CLIWorkDir != "" {
			cli.WithWorkingDir(cfg.Fallback.CLIWorkDir)
		}
		fallback = cli
	case config.FallbackKindOpenAI:
		inner := provider.NewOpenAIProvider(cfg.Fallback.APIKey, cfg.Fallback.BaseURL, http.DefaultClient)
		fallback = orchestrator.NewAPIFallback(inner)
	case config.FallbackKindNone, "":
		fallback = nil
	default:
		log.Fatalf("unknown fallback kind in config: %q", cfg.Fallback.Kind)
	}

	// --- Metrics + cache trackers ---
	metricsTracker := metrics.New()
	cacheEntries := 1000
	if cfg.Cache.MaxEntries > 0 {
		cacheEntries = cfg.Cache.MaxEntries
	}
	cacheTracker := cache.NewTracker(cacheEntries)
	if cfg.Cache.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		cacheTracker = cacheTracker.WithStore(cache.NewRedisStore(redisClient, 0))
	}

	cacheOptCfg := cache.DefaultConfig()
	if cfg.Cache.MinCacheTokens > 0 {
		cacheOptCfg.MinCacheTokens = cfg.Cache.MinCacheTokens
	}
	if cfg.Cache.MaxBreakpoints > 0 {
		cacheOptCfg.MaxBreakpoints = cfg.Cache.MaxBreakpoints
	}
	cacheOptCfg.AutoReorder = cfg.Cache.AutoReorder
	cacheOptimizer := cache.New(cacheOptCfg)
	if cfg.Cache.TokenizerPath != "" {
		if bpe, err := tokencount.NewBPECounter(cfg.Cache.TokenizerPath); err != nil {
			log.Printf("token counter unavailable, using char-ratio estimate: %v", err)
		} else {
			cacheOptimizer.SetCounter(bpe)
		}
	}
	if cfg.Cache.ClassifierLua != "" {
		script, err := os.ReadFile(cfg.Cache.ClassifierLua)
		if err != nil {
			log.Printf("cache classifier script unreadable, using built-in rules: %v", err)
		} else if classifier, err := cache.NewLuaClassifier(string(script)); err != nil {
			log.Printf("cache classifier script invalid, using built-in rules: %v", err)
		} else {
			cacheOptimizer.SetClassifierOverride(classifier)
		}
	}

	// --- Orchestrator ---
	orchCfg := orchestrator.DefaultConfig()
	if cfg.Orchestrator.MaxRetries > 0 {
		orchCfg.MaxRetries = cfg.Orchestrator.MaxRetries
	}
	orchCfg.PreserveContext = cfg.Orchestrator.PreserveContext
	orchCfg.AllowPrimaryAfterFallback = cfg.Orchestrator.AllowPrimaryAfterFallback
	if cfg.Orchestrator.RetryBackoff > 0 {
		orchCfg.RetryBackoff = cfg.Orchestrator.RetryBackoff
	}

	orch := orchestrator.New(orchCfg, primary, balanceTracker, fallback, metricsTracker, cacheTracker)

	if len(cfg.Fallback.Endpoints) > 1 {
		endpoints := make(map[string]orchestrator.FallbackProvider, len(cfg.Fallback.Endpoints))
		for _, ep := range cfg.Fallback.Endpoints {
			switch ep.Kind {
			case config.FallbackKindClaude:
				endpoints[ep.Name] = orchestrator.NewCLIFallback()
			case config.FallbackKindOpenAI:
				inner := provider.NewOpenAIProvider(ep.APIKey, ep.BaseURL, http.DefaultClient)
				endpoints[ep.Name] = orchestrator.NewAPIFallback(inner)
			default:
				log.Fatalf("unknown fallback endpoint kind in config: %q", ep.Kind)
			}
		}
		orch.WithFallbackPool(orchestrator.NewFallbackPool(endpoints))
	}

	sessCfg := orchestrator.DefaultSessionConfig()
	if cfg.Orchestrator.MaxHistory > 0 {
		sessCfg.MaxHistory = cfg.Orchestrator.MaxHistory
	}
	orch.WithSessionConfig(sessCfg)

	// --- Optional local preprocessor ---
	if cfg.Preprocessor.Enabled {
		embedder, err := local.NewEmbedder(local.DefaultEmbedderConfig(cfg.Preprocessor.SharedLibraryPath, cfg.Preprocessor.ModelPath))
		if err != nil {
			log.Printf("preprocessor embedder unavailable, continuing without local preprocessing: %v", err)
		} else {
			preCfg := local.DefaultConfig()
			if cfg.Preprocessor.RelevanceThreshold > 0 {
				preCfg.RelevanceThreshold = cfg.Preprocessor.RelevanceThreshold
			}
			preCfg.AggressiveRewrite = cfg.Preprocessor.AggressiveRewrite
			orch.WithPreprocessor(local.New(preCfg, embedder, models[cfg.Fallback.Model]))
		}
	}

	// --- Scheduled credit probe ---
	if cfg.Primary.ProbeCron != "" && cfg.Primary.BalanceURL != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.Primary.ProbeCron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := balanceTracker.Probe(ctx, cfg.Primary.BalanceURL, cfg.Primary.APIKey); err != nil {
				log.Printf("credit probe failed: %v", err)
			}
		})
		if err != nil {
			log.Fatalf("invalid probe_cron expression %q: %v", cfg.Primary.ProbeCron, err)
		}
		c.Start()
		defer c.Stop()
	}

	srv := server.New(cfg, models, orch, cacheOptimizer, metricsTracker)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmrouter listening on :%d", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
