package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/howard-nolan/llmrouter/internal/provider"
)

// FallbackProvider is what the orchestrator falls back to once the
// primary is exhausted or unavailable. It's intentionally narrower than
// provider.Provider (no streaming) — matching the original's
// CLI/API-backed fallbacks, which are synchronous request/response.
type FallbackProvider interface {
	Execute(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

// ---------------------------------------------------------------------------
// Native-API fallback
// ---------------------------------------------------------------------------

// APIFallback adapts any provider.Provider (typically an Anthropic or
// OpenAI-compatible adapter pointed at a secondary account/endpoint) into
// a FallbackProvider.
type APIFallback struct {
	inner provider.Provider
}

// NewAPIFallback wraps an existing Provider as a fallback.
func NewAPIFallback(inner provider.Provider) *APIFallback {
	return &APIFallback{inner: inner}
}

func (f *APIFallback) Execute(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return f.inner.ChatCompletion(ctx, req)
}

// IsAvailable delegates to the wrapped provider's own
// IsAvailable(context.Context) bool method when it has one; otherwise it
// returns true — a plain API fallback is "available" as long as it's
// configured.
func (f *APIFallback) IsAvailable(ctx context.Context) bool {
	if checker, ok := f.inner.(interface{ IsAvailable(context.Context) bool }); ok {
		return checker.IsAvailable(ctx)
	}
	return true
}

func (f *APIFallback) Name() string { return f.inner.Name() }

// ---------------------------------------------------------------------------
// External CLI fallback
// ---------------------------------------------------------------------------

// CLIFallback shells out to an external coding-assistant CLI (e.g. a
// locally installed `claude` binary) in non-interactive mode, passing
// the request's context and task as a single prompt argument
// (--print --prompt <prompt>).
type CLIFallback struct {
	Command    string
	WorkingDir string
}

// NewCLIFallback defaults to invoking "claude --print".
func NewCLIFallback() *CLIFallback {
	return &CLIFallback{Command: "claude"}
}

// WithCommand overrides the binary name/path.
func (f *CLIFallback) WithCommand(cmd string) *CLIFallback {
	f.Command = cmd
	return f
}

// WithWorkingDir sets the directory the CLI runs in.
func (f *CLIFallback) WithWorkingDir(dir string) *CLIFallback {
	f.WorkingDir = dir
	return f
}

func (f *CLIFallback) buildPrompt(req *provider.ChatRequest) string {
	var b strings.Builder

	if len(req.Context) > 0 {
		b.WriteString("Context:\n")
		for _, ctx := range req.Context {
			fmt.Fprintf(&b, "### %s\n```\n%s\n```\n\n", ctx.Name, ctx.Content)
		}
	}

	fmt.Fprintf(&b, "Task: %s", req.Task)
	return b.String()
}

func (f *CLIFallback) Execute(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	prompt := f.buildPrompt(req)

	cmd := exec.CommandContext(ctx, f.Command, "--print", "--prompt", prompt)
	if f.WorkingDir != "" {
		cmd.Dir = f.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("executing %s: %w (stderr: %s)", f.Command, err, stderr.String())
	}

	return &provider.ChatResponse{
		Content: stdout.String(),
		Model:   f.Name(),
	}, nil
}

func (f *CLIFallback) IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, f.Command, "--version")
	return cmd.Run() == nil
}

func (f *CLIFallback) Name() string { return "claude-code-cli" }

// ---------------------------------------------------------------------------
// Rendezvous-hashed fallback pool
// ---------------------------------------------------------------------------

// FallbackPool picks one of several equivalent fallback endpoints (e.g.
// multiple API keys/regions for the same fallback kind) by rendezvous
// hashing on the session id, so a given session sticks to the same
// endpoint across retries instead of round-robining mid-conversation.
type FallbackPool struct {
	byName map[string]FallbackProvider
	hash   *rendezvous.Rendezvous
}

// NewFallbackPool builds a pool over the given named fallback endpoints.
func NewFallbackPool(endpoints map[string]FallbackProvider) *FallbackPool {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	return &FallbackPool{
		byName: endpoints,
		hash:   rendezvous.New(names, xxhash.Sum64String),
	}
}

// Pick deterministically selects one fallback endpoint for sessionID.
func (p *FallbackPool) Pick(sessionID string) (FallbackProvider, bool) {
	if len(p.byName) == 0 {
		return nil, false
	}
	name := p.hash.Lookup(sessionID)
	fp, ok := p.byName[name]
	return fp, ok
}
