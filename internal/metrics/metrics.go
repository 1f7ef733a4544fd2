// Package metrics tracks token usage and cost across requests and
// sessions, and exposes the same counters to Prometheus.
//
// Grounded on original_source/src/metrics/mod.rs.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Session holds the running totals for one in-flight session.
type Session struct {
	SessionID              string
	StartTime              time.Time
	InputTokens            uint64
	OutputTokens           uint64
	TokensSaved            uint64
	RequestCount           uint64
	OptimizationsApplied   []string
}

// Totals is a point-in-time snapshot of the aggregate counters.
type Totals struct {
	TotalInputTokens  uint64
	TotalOutputTokens uint64
	TokensSaved       uint64
	RequestCount      uint64
	EstimatedCost     float64
}

// TotalTokens is TotalInputTokens + TotalOutputTokens.
func (t Totals) TotalTokens() uint64 {
	return t.TotalInputTokens + t.TotalOutputTokens
}

// CompressionRatio is the fraction of tokens actually sent, relative to
// what would have been sent without any optimization. 1.0 means no
// savings; lower is better.
func (t Totals) CompressionRatio() float64 {
	totalBefore := t.TotalInputTokens + t.TokensSaved
	if totalBefore == 0 {
		return 1.0
	}
	return float64(t.TotalInputTokens) / float64(totalBefore)
}

// AverageTokensPerRequest is TotalTokens / RequestCount, or 0 with no
// requests recorded yet.
func (t Totals) AverageTokensPerRequest() float64 {
	if t.RequestCount == 0 {
		return 0
	}
	return float64(t.TotalTokens()) / float64(t.RequestCount)
}

// Summary is the externally-reported shape (e.g. a JSON metrics endpoint).
type Summary struct {
	TotalTokens          uint64  `json:"total_tokens"`
	TokensSaved          uint64  `json:"tokens_saved"`
	CompressionRatio     float64 `json:"compression_ratio"`
	RequestCount         uint64  `json:"request_count"`
	EstimatedCost        float64 `json:"estimated_cost"`
	AvgTokensPerRequest  float64 `json:"avg_tokens_per_request"`
}

// Tracker is a thread-safe aggregator of token usage, with optional
// per-session breakdowns, also exposed as a prometheus.Collector.
//
// A zero Tracker is not usable; construct with New.
type Tracker struct {
	mu       sync.Mutex
	totals   Totals
	sessions map[string]*Session

	descTotalInput  *prometheus.Desc
	descTotalOutput *prometheus.Desc
	descTokensSaved *prometheus.Desc
	descRequests    *prometheus.Desc
	descCost        *prometheus.Desc
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		sessions:        make(map[string]*Session),
		descTotalInput:  prometheus.NewDesc("llmrouter_input_tokens_total", "Total input tokens sent upstream.", nil, nil),
		descTotalOutput: prometheus.NewDesc("llmrouter_output_tokens_total", "Total output tokens received from upstream.", nil, nil),
		descTokensSaved: prometheus.NewDesc("llmrouter_tokens_saved_total", "Tokens not sent thanks to cache/dedup optimization.", nil, nil),
		descRequests:    prometheus.NewDesc("llmrouter_requests_total", "Total chat completion requests handled.", nil, nil),
		descCost:        prometheus.NewDesc("llmrouter_estimated_cost_usd_total", "Estimated cumulative USD cost.", nil, nil),
	}
}

// RecordRequest folds one request's token usage into the aggregate
// totals. cost of nil means "unknown" and is not added.
func (t *Tracker) RecordRequest(inputTokens, outputTokens, tokensSaved uint64, cost *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals.TotalInputTokens += inputTokens
	t.totals.TotalOutputTokens += outputTokens
	t.totals.TokensSaved += tokensSaved
	t.totals.RequestCount++
	if cost != nil {
		t.totals.EstimatedCost += *cost
	}
}

// Totals returns a copy of the current aggregate totals.
func (t *Tracker) Totals() Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals
}

// Summary computes the externally-reported summary from current totals.
func (t *Tracker) Summary() Summary {
	totals := t.Totals()
	return Summary{
		TotalTokens:         totals.TotalTokens(),
		TokensSaved:         totals.TokensSaved,
		CompressionRatio:    totals.CompressionRatio(),
		RequestCount:        totals.RequestCount,
		EstimatedCost:       totals.EstimatedCost,
		AvgTokensPerRequest: totals.AverageTokensPerRequest(),
	}
}

// StartSession begins tracking a new session's per-session counters.
func (t *Tracker) StartSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = &Session{SessionID: sessionID, StartTime: time.Now()}
}

// EndSession stops tracking a session and returns its final counters, if
// it was being tracked.
func (t *Tracker) EndSession(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	delete(t.sessions, sessionID)
	return *s, true
}

// RecordSessionRequest records a request's usage against both the named
// session's counters and the process-wide totals.
func (t *Tracker) RecordSessionRequest(sessionID string, inputTokens, outputTokens, tokensSaved uint64) {
	t.mu.Lock()
	if s, ok := t.sessions[sessionID]; ok {
		s.InputTokens += inputTokens
		s.OutputTokens += outputTokens
		s.TokensSaved += tokensSaved
		s.RequestCount++
	}
	t.mu.Unlock()

	t.RecordRequest(inputTokens, outputTokens, tokensSaved, nil)
}

// Session returns a copy of a tracked session's current counters.
func (t *Tracker) Session(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ---------------------------------------------------------------------------
// prometheus.Collector
// ---------------------------------------------------------------------------

// Describe implements prometheus.Collector.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- t.descTotalInput
	ch <- t.descTotalOutput
	ch <- t.descTokensSaved
	ch <- t.descRequests
	ch <- t.descCost
}

// Collect implements prometheus.Collector, snapshotting the current
// totals as Prometheus counters on every scrape.
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	totals := t.Totals()

	ch <- prometheus.MustNewConstMetric(t.descTotalInput, prometheus.CounterValue, float64(totals.TotalInputTokens))
	ch <- prometheus.MustNewConstMetric(t.descTotalOutput, prometheus.CounterValue, float64(totals.TotalOutputTokens))
	ch <- prometheus.MustNewConstMetric(t.descTokensSaved, prometheus.CounterValue, float64(totals.TokensSaved))
	ch <- prometheus.MustNewConstMetric(t.descRequests, prometheus.CounterValue, float64(totals.RequestCount))
	ch <- prometheus.MustNewConstMetric(t.descCost, prometheus.CounterValue, totals.EstimatedCost)
}
