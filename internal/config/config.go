// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmrouter gateway.
type Config struct {
	Server       ServerConfig              `koanf:"server"`
	Providers    map[string]ProviderConfig `koanf:"providers"`
	Primary      PrimaryConfig             `koanf:"primary"`
	Fallback     FallbackConfig            `koanf:"fallback"`
	Preprocessor PreprocessorConfig        `koanf:"preprocessor"`
	Orchestrator OrchestratorConfig        `koanf:"orchestrator"`
	Cache        CacheConfig               `koanf:"cache"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ProviderConfig holds the settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`
}

// PrimaryConfig configures the primary (credit-tracked) provider.
type PrimaryConfig struct {
	APIKey         string  `koanf:"api_key"`
	BaseURL        string  `koanf:"base_url"`
	Model          string  `koanf:"model"`
	MinBalanceUSD  float64 `koanf:"min_balance_usd"`
	MinBalanceDiem float64 `koanf:"min_balance_diem"`
	BalanceURL     string  `koanf:"balance_url"`
	ProbeCron      string  `koanf:"probe_cron"` // cron expression for the scheduled balance probe
}

// FallbackKind identifies which FallbackProvider implementation to build.
type FallbackKind string

const (
	FallbackKindClaude FallbackKind = "claude" // external CLI fallback
	FallbackKindOpenAI FallbackKind = "openai" // API fallback over an OpenAI-compatible endpoint
	FallbackKindNone   FallbackKind = "none"
)

// FallbackConfig configures the fallback provider used once the primary
// is exhausted or unavailable.
type FallbackConfig struct {
	Kind       FallbackKind `koanf:"kind"`
	APIKey     string       `koanf:"api_key"`
	BaseURL    string       `koanf:"base_url"`
	Model      string       `koanf:"model"`
	CLI        bool         `koanf:"cli"`
	CLICommand string       `koanf:"cli_command"`
	CLIWorkDir string       `koanf:"cli_work_dir"`

	// Endpoints, when it holds two or more entries, switches fallback
	// selection to a rendezvous-hashed pool (orchestrator.FallbackPool)
	// instead of the single Kind/APIKey/BaseURL endpoint above: each
	// session sticks to one endpoint instead of sharing a single one.
	Endpoints []FallbackEndpointConfig `koanf:"endpoints"`
}

// FallbackEndpointConfig names one endpoint in a multi-endpoint fallback
// pool.
type FallbackEndpointConfig struct {
	Name    string       `koanf:"name"`
	Kind    FallbackKind `koanf:"kind"`
	APIKey  string       `koanf:"api_key"`
	BaseURL string       `koanf:"base_url"`
}

// PreprocessorConfig configures the optional local-embedding preprocessor.
type PreprocessorConfig struct {
	Enabled           bool    `koanf:"enabled"`
	SharedLibraryPath string  `koanf:"shared_library_path"`
	ModelPath         string  `koanf:"model_path"`
	RelevanceThreshold float32 `koanf:"relevance_threshold"`
	AggressiveRewrite bool    `koanf:"aggressive_rewrite"`
}

// OrchestratorConfig configures retry/handoff behavior.
type OrchestratorConfig struct {
	MaxRetries                int           `koanf:"max_retries"`
	PreserveContext           bool          `koanf:"preserve_context"`
	AllowPrimaryAfterFallback bool          `koanf:"allow_primary_after_fallback"`
	MaxHistory                int           `koanf:"max_history"`
	RetryBackoff              time.Duration `koanf:"retry_backoff"`
}

// CacheConfig configures the prompt-cache optimizer.
type CacheConfig struct {
	MinCacheTokens int     `koanf:"min_cache_tokens"`
	MaxBreakpoints int     `koanf:"max_breakpoints"`
	AutoReorder    bool    `koanf:"auto_reorder"`
	RedisAddr      string  `koanf:"redis_addr"`
	ClassifierLua  string  `koanf:"classifier_lua_path"`
	MaxEntries     int     `koanf:"max_entries"`
	TokenizerPath  string  `koanf:"tokenizer_path"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	// Create a new koanf instance. The "." delimiter tells koanf how to
	// separate nested keys internally (e.g., "server.port").
	k := koanf.New(".")

	// Load the YAML config file. file.Provider reads the file,
	// yaml.Parser() decodes the YAML format into koanf's internal map.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMROUTER_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   LLMROUTER_SERVER_PORT -> server.port
	if err := k.Load(env.Provider("LLMROUTER_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMROUTER_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	// The "" means start from the root. &cfg passes a pointer so koanf
	// can write into the struct (like passing by reference in Node).
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in provider API keys.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	for name, p := range cfg.Providers {
		if strings.HasPrefix(p.APIKey, "${") && strings.HasSuffix(p.APIKey, "}") {
			envVar := p.APIKey[2 : len(p.APIKey)-1] // strip ${ and }
			p.APIKey = os.Getenv(envVar)
			cfg.Providers[name] = p // write back into the map
		}
	}
	cfg.Primary.APIKey = expandEnv(cfg.Primary.APIKey)
	cfg.Fallback.APIKey = expandEnv(cfg.Fallback.APIKey)
	for i := range cfg.Fallback.Endpoints {
		cfg.Fallback.Endpoints[i].APIKey = expandEnv(cfg.Fallback.Endpoints[i].APIKey)
	}

	return &cfg, nil
}

// expandEnv resolves a single ${VAR_NAME} placeholder to its environment
// value, leaving any other string untouched.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
