// Package credit tracks the primary provider's remaining credit balance
// and latches an "exhausted" flag the orchestrator uses to hand off to
// fallback. It generalizes Venice.ai's dual USD/Diem balance model into
// a provider-agnostic dual-balance tracker.
package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Config controls when the tracker considers credits exhausted.
type Config struct {
	// MinBalanceUSD and MinBalanceDiem are the thresholds below which
	// both balances being simultaneously low latches Exhausted.
	MinBalanceUSD  float64
	MinBalanceDiem float64
}

// DefaultConfig matches the original primary-adapter default: fall back
// once both balances drop under $0.10.
func DefaultConfig() Config {
	return Config{MinBalanceUSD: 0.10, MinBalanceDiem: 0.10}
}

// Balance is a snapshot of the two tracked balances.
type Balance struct {
	USD         float64
	Diem        float64
	Exhausted   bool
	LastUpdated time.Time
}

// Tracker holds the current balance and an atomic exhausted latch. Once
// latched true, Exhausted never flips back to false on its own — only
// an explicit Reset (e.g. after an operator tops up credits) clears it.
// The atomic flag lets IsExhausted be checked on every request's hot
// path without taking the balance mutex.
type Tracker struct {
	cfg Config

	mu      sync.RWMutex
	balance Balance

	exhausted atomic.Bool

	client *http.Client
}

// New creates a Tracker with the given config and the HTTP client used
// for explicit balance probes.
func New(cfg Config, client *http.Client) *Tracker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Tracker{cfg: cfg, client: client}
}

// IsExhausted reports whether the latch has tripped.
func (t *Tracker) IsExhausted() bool {
	return t.exhausted.Load()
}

// Snapshot returns the current balance. Its Exhausted field reflects the
// latch.
func (t *Tracker) Snapshot() Balance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := t.balance
	b.Exhausted = t.exhausted.Load()
	return b
}

// Reset clears the exhausted latch, e.g. after an operator confirms the
// account has been topped up. It does not change the tracked balances —
// the next header scrape or probe will refresh those.
func (t *Tracker) Reset() {
	t.exhausted.Store(false)
}

// maybeLatch checks the current balance against the configured
// thresholds and trips the exhausted latch if both are below minimum.
// Must be called with t.mu held for writing.
func (t *Tracker) maybeLatch() {
	if t.balance.USD < t.cfg.MinBalanceUSD && t.balance.Diem < t.cfg.MinBalanceDiem {
		t.balance.Exhausted = true
		t.exhausted.Store(true)
	}
}

// IngestHeaders scrapes balance values out of a provider response's
// headers (x-venice-balance-usd / x-venice-balance-diem, or whatever
// header names the caller passes as usdHeader and diemHeader).
// This is the passive ingress path: every successful call updates the
// balance for free, no extra round trip required. A response carrying
// neither header leaves the balance and the latch untouched.
func (t *Tracker) IngestHeaders(headers map[string][]string, usdHeader, diemHeader string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := false
	if v := firstHeaderValue(headers, usdHeader); v != "" {
		if usd, err := strconv.ParseFloat(v, 64); err == nil {
			t.balance.USD = usd
			seen = true
		}
	}
	if v := firstHeaderValue(headers, diemHeader); v != "" {
		if diem, err := strconv.ParseFloat(v, 64); err == nil {
			t.balance.Diem = diem
			seen = true
		}
	}
	if !seen {
		return
	}
	t.balance.LastUpdated = time.Now()
	t.maybeLatch()
}

func firstHeaderValue(headers map[string][]string, name string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Probe is the active ingress path: an explicit GET against the
// provider's rate-limit/balance endpoint, used by the scheduled credit
// probe (see cmd/llmrouter's cron wiring) rather than waiting for the
// next chat request to passively refresh the balance via headers.
func (t *Tracker) Probe(ctx context.Context, url, apiKey string) (Balance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Balance{}, fmt.Errorf("building balance probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return Balance{}, fmt.Errorf("probing balance endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Balance{}, fmt.Errorf("balance endpoint returned status %d", resp.StatusCode)
	}

	var body struct {
		BalanceUSD  float64 `json:"balance_usd"`
		BalanceDiem float64 `json:"balance_diem"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Balance{}, fmt.Errorf("decoding balance response: %w", err)
	}

	t.mu.Lock()
	t.balance = Balance{USD: body.BalanceUSD, Diem: body.BalanceDiem, LastUpdated: time.Now()}
	t.maybeLatch()
	result := t.balance
	t.mu.Unlock()

	return result, nil
}

// ExhaustionSignal classifies a 429 response body: a quota/balance
// keyword means the primary is truly out of credits (latch and hand off
// to fallback permanently); anything else is a plain rate limit the
// orchestrator should retry after a short backoff.
type ExhaustionSignal struct {
	Exhausted       bool
	RetryAfterSecs  int
}

// defaultRateLimitRetrySecs is used when a 429 isn't an exhaustion
// signal and the upstream didn't send its own Retry-After.
const defaultRateLimitRetrySecs = 60

// exhaustionKeywords mirrors the original adapter's substring sniff:
// Venice-style 429 bodies that mention running out of credits include
// one of these words; a plain "too many requests" body doesn't.
var exhaustionKeywords = []string{"insufficient", "quota", "balance"}

// ClassifyStatus429 inspects a 429 response body and reports whether it
// represents account exhaustion (latching the tracker) or an ordinary
// rate limit (not latched; caller should retry after RetryAfterSecs).
func (t *Tracker) ClassifyStatus429(body string, retryAfterHeaderSecs int) ExhaustionSignal {
	lower := strings.ToLower(body)
	for _, kw := range exhaustionKeywords {
		if strings.Contains(lower, kw) {
			t.exhausted.Store(true)
			t.mu.Lock()
			t.balance.Exhausted = true
			t.mu.Unlock()
			return ExhaustionSignal{Exhausted: true}
		}
	}

	retry := retryAfterHeaderSecs
	if retry <= 0 {
		retry = defaultRateLimitRetrySecs
	}
	return ExhaustionSignal{Exhausted: false, RetryAfterSecs: retry}
}
