package credit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestHeadersUpdatesBalance(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	tr.IngestHeaders(map[string][]string{
		"X-Venice-Balance-Usd":  {"5.25"},
		"X-Venice-Balance-Diem": {"42.0"},
	}, "x-venice-balance-usd", "x-venice-balance-diem")

	snap := tr.Snapshot()
	assert.Equal(t, 5.25, snap.USD)
	assert.Equal(t, 42.0, snap.Diem)
	assert.False(t, tr.IsExhausted())
}

func TestIngestHeadersLatchesExhaustedWhenBothBelowThreshold(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	tr.IngestHeaders(map[string][]string{
		"X-Venice-Balance-Usd":  {"0.01"},
		"X-Venice-Balance-Diem": {"0.02"},
	}, "x-venice-balance-usd", "x-venice-balance-diem")

	assert.True(t, tr.IsExhausted())
}

func TestIngestHeadersDoesNotLatchWhenOneBalanceHealthy(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	tr.IngestHeaders(map[string][]string{
		"X-Venice-Balance-Usd":  {"0.01"},
		"X-Venice-Balance-Diem": {"50.0"},
	}, "x-venice-balance-usd", "x-venice-balance-diem")

	assert.False(t, tr.IsExhausted())
}

func TestExhaustedLatchNeverClearsItself(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	tr.IngestHeaders(map[string][]string{
		"X-Venice-Balance-Usd":  {"0.0"},
		"X-Venice-Balance-Diem": {"0.0"},
	}, "x-venice-balance-usd", "x-venice-balance-diem")
	require.True(t, tr.IsExhausted())

	tr.IngestHeaders(map[string][]string{
		"X-Venice-Balance-Usd":  {"100.0"},
		"X-Venice-Balance-Diem": {"100.0"},
	}, "x-venice-balance-usd", "x-venice-balance-diem")

	assert.True(t, tr.IsExhausted(), "latch should stay tripped until an explicit Reset")
}

func TestResetClearsLatch(t *testing.T) {
	tr := New(DefaultConfig(), nil)
	tr.exhausted.Store(true)

	tr.Reset()

	assert.False(t, tr.IsExhausted())
}

func TestClassifyStatus429QuotaKeywordLatches(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	sig := tr.ClassifyStatus429(`{"error":"insufficient balance"}`, 0)

	assert.True(t, sig.Exhausted)
	assert.True(t, tr.IsExhausted())
}

func TestClassifyStatus429PlainRateLimitDoesNotLatch(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	sig := tr.ClassifyStatus429(`{"error":"too many requests"}`, 0)

	assert.False(t, sig.Exhausted)
	assert.False(t, tr.IsExhausted())
	assert.Equal(t, defaultRateLimitRetrySecs, sig.RetryAfterSecs)
}

func TestClassifyStatus429HonorsUpstreamRetryAfter(t *testing.T) {
	tr := New(DefaultConfig(), nil)

	sig := tr.ClassifyStatus429(`{"error":"too many requests"}`, 15)

	assert.Equal(t, 15, sig.RetryAfterSecs)
}

func TestProbeFetchesAndLatchesBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance_usd":0.05,"balance_diem":0.02}`))
	}))
	defer server.Close()

	tr := New(DefaultConfig(), server.Client())

	balance, err := tr.Probe(context.Background(), server.URL+"/api_keys/rate_limits", "test-key")
	require.NoError(t, err)
	assert.Equal(t, 0.05, balance.USD)
	assert.True(t, tr.IsExhausted())
}
