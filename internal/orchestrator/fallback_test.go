package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/provider"
)

type fakeInnerProvider struct {
	name string
}

func (f *fakeInnerProvider) Name() string { return f.name }

func (f *fakeInnerProvider) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return &provider.ChatResponse{Content: "inner response", Model: f.name}, nil
}

func (f *fakeInnerProvider) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk)
	close(ch)
	return ch, nil
}

// availabilityAwareProvider additionally implements IsAvailable, so
// APIFallback.IsAvailable should delegate to it rather than assume true.
type availabilityAwareProvider struct {
	fakeInnerProvider
	available bool
}

func (a *availabilityAwareProvider) IsAvailable(ctx context.Context) bool { return a.available }

func TestAPIFallbackExecuteDelegatesToInner(t *testing.T) {
	inner := &fakeInnerProvider{name: "openai-secondary"}
	fb := NewAPIFallback(inner)

	resp, err := fb.Execute(context.Background(), &provider.ChatRequest{Task: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "inner response", resp.Content)
	assert.Equal(t, "openai-secondary", fb.Name())
}

func TestAPIFallbackIsAvailableDefaultsTrueWithoutChecker(t *testing.T) {
	fb := NewAPIFallback(&fakeInnerProvider{name: "openai-secondary"})
	assert.True(t, fb.IsAvailable(context.Background()))
}

func TestAPIFallbackIsAvailableDelegatesWhenInnerSupportsIt(t *testing.T) {
	inner := &availabilityAwareProvider{fakeInnerProvider: fakeInnerProvider{name: "openai-secondary"}, available: false}
	fb := NewAPIFallback(inner)
	assert.False(t, fb.IsAvailable(context.Background()))
}

func TestCLIFallbackBuildPromptIncludesContextAndTask(t *testing.T) {
	f := NewCLIFallback()
	req := &provider.ChatRequest{
		Task: "summarize this",
		Context: []provider.ContextItem{
			{Name: "main.go", Content: "package main"},
		},
	}

	prompt := f.buildPrompt(req)
	assert.Contains(t, prompt, "### main.go")
	assert.Contains(t, prompt, "package main")
	assert.Contains(t, prompt, "Task: summarize this")
}

func TestCLIFallbackWithCommandAndWorkingDir(t *testing.T) {
	f := NewCLIFallback().WithCommand("my-cli").WithWorkingDir("/tmp")
	assert.Equal(t, "my-cli", f.Command)
	assert.Equal(t, "/tmp", f.WorkingDir)
}

func TestFallbackPoolPicksStickyEndpointPerSession(t *testing.T) {
	pool := NewFallbackPool(map[string]FallbackProvider{
		"east": &fakeFallback{name: "east", available: true},
		"west": &fakeFallback{name: "west", available: true},
	})

	first, ok := pool.Pick("session-123")
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		again, ok := pool.Pick("session-123")
		require.True(t, ok)
		assert.Equal(t, first.Name(), again.Name())
	}
}

func TestFallbackPoolEmptyPoolReturnsFalse(t *testing.T) {
	pool := NewFallbackPool(map[string]FallbackProvider{})
	_, ok := pool.Pick("anything")
	assert.False(t, ok)
}

func TestFallbackPoolDistributesAcrossEndpoints(t *testing.T) {
	pool := NewFallbackPool(map[string]FallbackProvider{
		"east":    &fakeFallback{name: "east", available: true},
		"west":    &fakeFallback{name: "west", available: true},
		"central": &fakeFallback{name: "central", available: true},
	})

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		fp, ok := pool.Pick(string(rune('a' + i)))
		require.True(t, ok)
		seen[fp.Name()] = true
	}
	assert.Greater(t, len(seen), 1, "rendezvous hashing should spread sessions across more than one endpoint")
}
