// Package orchestrator coordinates requests across a primary provider and
// one or more fallback providers: it tracks session history across
// provider transitions, decides when to hand off, and builds the handoff
// context the fallback provider receives.
//
// Grounded on original_source/src/orchestrator/{mod,session}.rs.
package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/howard-nolan/llmrouter/internal/provider"
)

// SessionConfig controls history retention and handoff behavior.
type SessionConfig struct {
	MaxHistory              int
	IncludeHistoryInHandoff bool
	CompressHistory         bool
	Timeout                 time.Duration // zero means no timeout
}

// DefaultSessionConfig matches the original session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxHistory:              20,
		IncludeHistoryInHandoff: true,
		CompressHistory:         true,
		Timeout:                 time.Hour,
	}
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionHandedOff SessionState = "handed_off"
	SessionCompleted SessionState = "completed"
	SessionExpired   SessionState = "expired"
)

// Turn is one recorded request/response exchange in a session's history.
type Turn struct {
	RequestSummary  string
	ResponseSummary string
	Provider        string
	TokensUsed      int
	Timestamp       time.Time
}

// requestSummaryCap and responseSummaryCap mirror the original's
// truncation lengths when recording a turn.
const (
	requestSummaryCap  = 200
	responseSummaryCap = 500
)

// Session tracks one logical conversation across provider transitions:
// ring-bounded history, deduplicated accumulated context, and the
// bookkeeping needed to build a handoff summary when the orchestrator
// switches providers mid-session.
//
// Safe for concurrent use.
type Session struct {
	ID string

	mu sync.Mutex

	cfg SessionConfig

	state   SessionState
	history []Turn
	context []provider.ContextItem

	initialProvider string
	currentProvider string

	startedAt time.Time

	totalTokens uint64
	totalCost   float64
}

// NewSession starts a new Active session under initialProvider.
func NewSession(id string, cfg SessionConfig, initialProvider string) *Session {
	return &Session{
		ID:              id,
		cfg:             cfg,
		state:           SessionActive,
		initialProvider: initialProvider,
		currentProvider: initialProvider,
		startedAt:       time.Now(),
	}
}

// RecordTurn appends a (truncated) summary of req/resp to history,
// trimming the oldest turns once MaxHistory is exceeded, and folds the
// turn's usage into the session's running totals.
func (s *Session) RecordTurn(req *provider.ChatRequest, resp *provider.ChatResponse, providerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := Turn{
		RequestSummary:  truncate(req.Task, requestSummaryCap),
		ResponseSummary: truncate(resp.Content, responseSummaryCap),
		Provider:        providerName,
		TokensUsed:      resp.Usage.TotalTokens,
		Timestamp:       time.Now(),
	}

	s.history = append(s.history, turn)
	s.totalTokens += uint64(resp.Usage.TotalTokens)
	if resp.Usage.EstimatedCostUSD != nil {
		s.totalCost += *resp.Usage.EstimatedCostUSD
	}

	for len(s.history) > s.cfg.MaxHistory {
		s.history = s.history[1:]
	}
}

// AddContext appends item to the session's accumulated context, skipping
// it if an item with the same name is already present.
func (s *Session) AddContext(item provider.ContextItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.context {
		if existing.Name == item.Name {
			return
		}
	}
	s.context = append(s.context, item)
}

// HandoffContext renders the session history into a prompt-ready summary
// for the provider a handoff is transitioning to. With CompressHistory
// enabled, only the first turn, the last turn, and every third turn in
// between are included (matching the original's "key turns" heuristic).
func (s *Session) HandoffContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.IncludeHistoryInHandoff || len(s.history) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Previous Conversation Summary\n\n")

	for i, turn := range s.history {
		if s.cfg.CompressHistory {
			if !(i == 0 || i == len(s.history)-1 || i%3 == 0) {
				continue
			}
			fmt.Fprintf(&b, "**Turn %d (%s):**\n- Request: %s\n- Response: %s\n\n",
				i+1, turn.Provider, truncate(turn.RequestSummary, 100), truncate(turn.ResponseSummary, 200))
		} else {
			fmt.Fprintf(&b, "**Turn %d (%s):**\n- Request: %s\n- Response: %s\n\n",
				i+1, turn.Provider, turn.RequestSummary, turn.ResponseSummary)
		}
	}

	return b.String()
}

// Handoff marks the session as transitioned to a new provider.
func (s *Session) Handoff(newProvider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionHandedOff
	s.currentProvider = newProvider
}

// Complete marks the session as finished.
func (s *Session) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionCompleted
}

// IsExpired reports whether the session has outlived its configured
// timeout. A zero Timeout means sessions never expire.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Timeout == 0 {
		return false
	}
	return time.Since(s.startedAt) > s.cfg.Timeout
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentProvider returns the provider currently serving this session.
func (s *Session) CurrentProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentProvider
}

// Stats is a point-in-time snapshot of session statistics.
type Stats struct {
	ID              string
	State           SessionState
	Turns           int
	TotalTokens     uint64
	TotalCost       float64
	Duration        time.Duration
	InitialProvider string
	CurrentProvider string
	ContextItems    int
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"=== Session: %s ===\nState: %s\nTurns: %d\nTotal tokens: %d\nTotal cost: $%.4f\nDuration: %s\nProvider: %s -> %s\nContext items: %d\n",
		s.ID, s.State, s.Turns, s.TotalTokens, s.TotalCost, s.Duration, s.InitialProvider, s.CurrentProvider, s.ContextItems,
	)
}

// Stats returns a snapshot of the session's current statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:              s.ID,
		State:           s.state,
		Turns:           len(s.history),
		TotalTokens:     s.totalTokens,
		TotalCost:       s.totalCost,
		Duration:        time.Since(s.startedAt),
		InitialProvider: s.initialProvider,
		CurrentProvider: s.currentProvider,
		ContextItems:    len(s.context),
	}
}

// History returns a copy of the session's recorded turns.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
