package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/credit"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/provider"
)

// fakePrimary is a scriptable provider.Provider used to drive the
// orchestrator through success, rate-limit, and exhaustion paths without
// a real upstream.
type fakePrimary struct {
	name    string
	calls   int
	errs    []error // errs[i] is returned on call i (1-indexed by calls); nil means success
	headers map[string][]string
}

func (f *fakePrimary) Name() string { return f.name }

func (f *fakePrimary) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	return &provider.ChatResponse{
		ID:      "resp",
		Model:   f.name,
		Content: "ok",
		Usage:   provider.NewUsage(10, 5),
	}, nil
}

func (f *fakePrimary) ChatCompletionStream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk)
	close(ch)
	return ch, nil
}

func (f *fakePrimary) LastResponseHeaders() map[string][]string { return f.headers }

// fakeFallback is a scriptable FallbackProvider.
type fakeFallback struct {
	name      string
	available bool
	calls     int
}

func (f *fakeFallback) Execute(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls++
	return &provider.ChatResponse{Content: "fallback response", Model: f.name}, nil
}

func (f *fakeFallback) IsAvailable(ctx context.Context) bool { return f.available }

func (f *fakeFallback) Name() string { return f.name }

func newTestOrchestrator(primary *fakePrimary, fallback FallbackProvider) *Orchestrator {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	balance := credit.New(credit.DefaultConfig(), nil)
	return New(cfg, primary, balance, fallback, metrics.New(), cache.NewTracker(100))
}

func TestExecuteUsesPrimaryOnSuccess(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)

	resp, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, StateUsingPrimary, o.State())
	assert.Equal(t, 1, primary.calls)
}

func TestExecuteRecordsTurnInSession(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)

	_, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)

	sess := o.session("sess-1")
	require.Len(t, sess.History(), 1)
	assert.Equal(t, "anthropic", sess.History()[0].Provider)
}

func TestExecuteHandsOffToFallbackOnExhaustion(t *testing.T) {
	exhaustErr := &provider.HTTPStatusError{
		Provider:   "anthropic",
		StatusCode: 429,
		Body:       map[string]any{"error": "insufficient balance"},
	}
	primary := &fakePrimary{name: "anthropic", errs: []error{exhaustErr}}
	fallback := &fakeFallback{name: "claude-code-cli", available: true}
	o := newTestOrchestrator(primary, fallback)

	resp, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, StateUsingFallback, o.State())
	assert.Equal(t, 1, fallback.calls)
}

func TestExecuteSkipsPrimaryWhenAlreadyLatchedExhausted(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	fallback := &fakeFallback{name: "claude-code-cli", available: true}
	o := newTestOrchestrator(primary, fallback)

	// Simulate a prior successful response whose headers reported a
	// balance under both thresholds: IngestHeaders latches Exhausted
	// even though that earlier call itself returned no error.
	o.balance.IngestHeaders(map[string][]string{
		"X-Venice-Balance-Usd":  {"0.01"},
		"X-Venice-Balance-Diem": {"0.01"},
	}, "x-venice-balance-usd", "x-venice-balance-diem")
	require.True(t, o.balance.IsExhausted())

	resp, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, 0, primary.calls, "primary must not be called once already latched exhausted")
	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, StateUsingFallback, o.State())
}

func TestExecuteRetriesPlainRateLimitBeforeFalling(t *testing.T) {
	rateLimited := &provider.HTTPStatusError{
		Provider:          "anthropic",
		StatusCode:        429,
		Body:              map[string]any{"error": "too many requests"},
		RetryAfterSeconds: 1, // keep the test's real sleeps short
	}
	primary := &fakePrimary{name: "anthropic", errs: []error{rateLimited, rateLimited, rateLimited}}
	fallback := &fakeFallback{name: "cli", available: true}
	o := newTestOrchestrator(primary, fallback)
	o.cfg.MaxRetries = 2

	resp, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, 3, primary.calls) // initial + 2 retries, all rate-limited
}

func TestExecuteFallsBackWhenNoFallbackConfigured(t *testing.T) {
	exhaustErr := &provider.HTTPStatusError{
		Provider:   "anthropic",
		StatusCode: 429,
		Body:       map[string]any{"error": "quota exceeded"},
	}
	primary := &fakePrimary{name: "anthropic", errs: []error{exhaustErr}}
	o := newTestOrchestrator(primary, nil)

	_, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.Error(t, err)
	var noProv *NoProviderAvailableError
	assert.ErrorAs(t, err, &noProv)
	assert.Equal(t, StateUnavailable, o.State())
}

func TestExecuteFallsBackWhenFallbackUnavailable(t *testing.T) {
	exhaustErr := &provider.HTTPStatusError{
		Provider:   "anthropic",
		StatusCode: 429,
		Body:       map[string]any{"error": "insufficient credits"},
	}
	primary := &fakePrimary{name: "anthropic", errs: []error{exhaustErr}}
	fallback := &fakeFallback{name: "cli", available: false}
	o := newTestOrchestrator(primary, fallback)

	_, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.Error(t, err)
	var noProv *NoProviderAvailableError
	assert.ErrorAs(t, err, &noProv)
}

func TestExecuteOnceInFallbackStateStaysThere(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	fallback := &fakeFallback{name: "cli", available: true}
	o := newTestOrchestrator(primary, fallback)
	o.ForceFallback()

	resp, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, 0, primary.calls)
}

func TestResetToPrimaryRefusedWithoutAllowFlag(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)
	o.ForceFallback()

	err := o.ResetToPrimary()
	require.Error(t, err)
	assert.Equal(t, StateUsingFallback, o.State())
}

func TestForceResetToPrimaryRefusedWhileExhausted(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)
	o.balance.ClassifyStatus429("insufficient balance", 0)
	o.ForceFallback()

	err := o.ForceResetToPrimary()
	require.Error(t, err)
	assert.Equal(t, StateUsingFallback, o.State())
}

func TestForceResetToPrimarySucceedsWhenNotExhausted(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)
	o.ForceFallback()

	err := o.ForceResetToPrimary()
	require.NoError(t, err)
	assert.Equal(t, StateUsingPrimary, o.State())
}

func TestMetricsSummaryReflectsRecordedUsage(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)

	_, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)

	summary := o.MetricsSummary()
	assert.Equal(t, uint64(10), summary.TotalTokens-5) // 10 input + 5 output - 5 = 10
	assert.EqualValues(t, 1, summary.RequestCount)
}

func TestExecuteUsesFallbackPoolWhenConfigured(t *testing.T) {
	exhaustErr := &provider.HTTPStatusError{
		Provider:   "anthropic",
		StatusCode: 429,
		Body:       map[string]any{"error": "insufficient balance"},
	}
	primary := &fakePrimary{name: "anthropic", errs: []error{exhaustErr}}
	o := newTestOrchestrator(primary, nil)

	pool := NewFallbackPool(map[string]FallbackProvider{
		"only": &fakeFallback{name: "only", available: true},
	})
	o.WithFallbackPool(pool)

	resp, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "fallback response", resp.Content)
	assert.Equal(t, StateUsingFallback, o.State())
}

func TestEndSessionRemovesBookkeeping(t *testing.T) {
	primary := &fakePrimary{name: "anthropic"}
	o := newTestOrchestrator(primary, nil)

	_, err := o.Execute(context.Background(), "sess-1", &provider.ChatRequest{Task: "hello"})
	require.NoError(t, err)

	o.EndSession("sess-1")
	fresh := o.session("sess-1")
	assert.Empty(t, fresh.History())
}
