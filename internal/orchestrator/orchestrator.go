package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/credit"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/provider"
)

// State is the orchestrator's current routing mode.
type State string

const (
	// StateUsingPrimary routes every request to the primary provider.
	StateUsingPrimary State = "using_primary"
	// StatePrimaryLow still routes to primary, but its balance has
	// dropped under the configured minimum — a warning state, not yet
	// a handoff.
	StatePrimaryLow State = "primary_low"
	// StateUsingFallback routes every request to the fallback provider.
	StateUsingFallback State = "using_fallback"
	// StateUnavailable means both primary and fallback have failed;
	// every Execute call fails fast until an operator intervenes.
	StateUnavailable State = "unavailable"
)

// Preprocessor optionally rewrites/filters a request before it's sent to
// either provider (see internal/preprocess/local for a concrete
// embedding-based implementation). Consulted as an interface so the
// orchestrator never depends on ONNX/Ollama directly.
type Preprocessor interface {
	OptimizeRequest(ctx context.Context, req *provider.ChatRequest) (*provider.ChatRequest, error)
	IsAvailable(ctx context.Context) bool
}

// Config controls retry, handoff, and session-preservation behavior.
type Config struct {
	// MinBalanceUSD/MinBalanceDiem mirror credit.Config's thresholds;
	// the orchestrator uses them to move into StatePrimaryLow (a
	// warning, surfaced via State()) after a successful primary call
	// whose reported balance is below them. With the default (equal)
	// thresholds the credit tracker's Exhausted latch trips at the same
	// point, and the next request goes to fallback.
	MinBalanceUSD  float64
	MinBalanceDiem float64

	// AllowPrimaryAfterFallback — resolved Open Question: once a
	// session has handed off to fallback, do not silently drift back
	// to primary mid-session even if its balance recovers. Defaults to
	// false; while it is false ResetToPrimary refuses, and
	// ForceResetToPrimary is the explicit, operator-driven escape hatch.
	AllowPrimaryAfterFallback bool

	MaxRetries      int
	PreserveContext bool

	RetryBackoff time.Duration // backoff between non-rate-limit retries
}

// DefaultConfig matches the original orchestrator's defaults.
func DefaultConfig() Config {
	return Config{
		MinBalanceUSD:             0.10,
		MinBalanceDiem:            0.10,
		AllowPrimaryAfterFallback: false,
		MaxRetries:                2,
		PreserveContext:           true,
		RetryBackoff:              time.Second,
	}
}

// Orchestrator routes chat requests to a primary provider, tracks its
// credit balance, and hands off to a fallback provider when the primary
// is exhausted or rate-limited past its retry budget. Other primary
// errors are retried up to MaxRetries and then returned to the caller.
type Orchestrator struct {
	cfg Config

	primary  provider.Provider
	balance  *credit.Tracker
	fallback FallbackProvider

	// fallbackPool, when set, takes priority over fallback: each session
	// sticks to one rendezvous-hashed endpoint out of the pool instead of
	// every session sharing the single configured fallback.
	fallbackPool *FallbackPool

	preprocessor Preprocessor // optional

	mu    sync.RWMutex
	state State

	metrics      *metrics.Tracker
	cacheTracker *cache.Tracker

	sessionsMu sync.Mutex
	sessions   map[string]*Session
	sessionCfg SessionConfig
}

// New builds an Orchestrator. balance and metrics/cacheTracker may be
// constructed by the caller (cmd/llmrouter wires these up); fallback may
// be nil, in which case every handoff fails with NoProviderAvailableError.
func New(cfg Config, primary provider.Provider, balance *credit.Tracker, fallback FallbackProvider, m *metrics.Tracker, cacheTracker *cache.Tracker) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		primary:      primary,
		balance:      balance,
		fallback:     fallback,
		state:        StateUsingPrimary,
		metrics:      m,
		cacheTracker: cacheTracker,
		sessions:     make(map[string]*Session),
		sessionCfg:   DefaultSessionConfig(),
	}
}

// WithPreprocessor attaches an optional request preprocessor and returns
// the Orchestrator for chaining.
func (o *Orchestrator) WithPreprocessor(p Preprocessor) *Orchestrator {
	o.preprocessor = p
	return o
}

// WithSessionConfig overrides the SessionConfig used for newly created
// sessions.
func (o *Orchestrator) WithSessionConfig(cfg SessionConfig) *Orchestrator {
	o.sessionCfg = cfg
	return o
}

// WithFallbackPool switches fallback selection to a rendezvous-hashed
// pool of equivalent endpoints, keyed per session, instead of the single
// FallbackProvider passed to New.
func (o *Orchestrator) WithFallbackPool(pool *FallbackPool) *Orchestrator {
	o.fallbackPool = pool
	return o
}

// resolveFallback picks the FallbackProvider to use for sess: the pool's
// sticky choice when a pool is configured, otherwise the single
// fallback passed to New.
func (o *Orchestrator) resolveFallback(sess *Session) FallbackProvider {
	if o.fallbackPool != nil {
		if fp, ok := o.fallbackPool.Pick(sess.ID); ok {
			return fp
		}
		return nil
	}
	return o.fallback
}

// State returns the orchestrator's current routing mode.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Balance returns the primary provider's last-known balance snapshot.
func (o *Orchestrator) Balance() credit.Balance {
	return o.balance.Snapshot()
}

// session returns the Session for sessionID, creating it if necessary.
func (o *Orchestrator) session(sessionID string) *Session {
	o.sessionsMu.Lock()
	defer o.sessionsMu.Unlock()

	s, ok := o.sessions[sessionID]
	if !ok {
		name := "primary"
		if o.primary != nil {
			name = o.primary.Name()
		}
		s = NewSession(sessionID, o.sessionCfg, name)
		o.sessions[sessionID] = s
	}
	return s
}

// EndSession removes a session's bookkeeping once the caller is done
// with it.
func (o *Orchestrator) EndSession(sessionID string) {
	o.sessionsMu.Lock()
	defer o.sessionsMu.Unlock()
	if s, ok := o.sessions[sessionID]; ok {
		s.Complete()
		delete(o.sessions, sessionID)
	}
}

// Execute routes req through the primary provider, falling back
// automatically per State, and records the exchange against the named
// session's history.
func (o *Orchestrator) Execute(ctx context.Context, sessionID string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if o.preprocessor != nil {
		optimized, err := o.preprocessor.OptimizeRequest(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("preprocessing request: %w", err)
		}
		req = optimized
	}

	sess := o.session(sessionID)

	switch o.State() {
	case StateUsingPrimary, StatePrimaryLow:
		return o.tryPrimaryWithFallback(ctx, sess, req)
	case StateUsingFallback:
		return o.executeFallback(ctx, sess, req)
	case StateUnavailable:
		return nil, &NoProviderAvailableError{}
	default:
		return nil, fmt.Errorf("unknown orchestrator state %q", o.State())
	}
}

func (o *Orchestrator) tryPrimaryWithFallback(ctx context.Context, sess *Session, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	// The balance tracker can latch exhausted off a passive header scrape
	// on a prior *successful* response (maybeDeclarePrimaryLow only moves
	// state to StatePrimaryLow, never StateUsingFallback), so a later
	// Execute call can still land here with exhausted==true. Check before
	// issuing any HTTP rather than discovering it from a live 429.
	if o.balance.IsExhausted() {
		o.setState(StateUsingFallback)
		return o.executeFallbackWithHandoff(ctx, sess, req)
	}

	retries := 0

	for {
		resp, err := o.primary.ChatCompletion(ctx, req)
		if err == nil {
			o.ingestBalance()
			o.maybeDeclarePrimaryLow()

			cost := resp.Usage.EstimatedCostUSD
			o.metrics.RecordRequest(uint64(resp.Usage.PromptTokens), uint64(resp.Usage.CompletionTokens), 0, cost)

			if o.cfg.PreserveContext {
				sess.RecordTurn(req, resp, o.primary.Name())
			}

			return resp, nil
		}

		var httpErr *provider.HTTPStatusError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
			sig := o.balance.ClassifyStatus429(bodyString(httpErr.Body), httpErr.RetryAfterSeconds)
			if sig.Exhausted {
				o.setState(StateUsingFallback)
				return o.executeFallbackWithHandoff(ctx, sess, req)
			}

			if retries < o.cfg.MaxRetries {
				retries++
				if waitErr := sleep(ctx, time.Duration(sig.RetryAfterSecs)*time.Second); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return o.executeFallback(ctx, sess, req)
		}

		if o.balance.IsExhausted() {
			o.setState(StateUsingFallback)
			return o.executeFallbackWithHandoff(ctx, sess, req)
		}

		if retries < o.cfg.MaxRetries {
			retries++
			if waitErr := sleep(ctx, o.cfg.RetryBackoff); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		return nil, err
	}
}

func (o *Orchestrator) ingestBalance() {
	reporter, ok := o.primary.(provider.BalanceReporter)
	if !ok {
		return
	}
	o.balance.IngestHeaders(reporter.LastResponseHeaders(), "x-venice-balance-usd", "x-venice-balance-diem")
}

func (o *Orchestrator) maybeDeclarePrimaryLow() {
	snap := o.balance.Snapshot()
	if snap.LastUpdated.IsZero() {
		return // no balance reported yet
	}
	if snap.USD < o.cfg.MinBalanceUSD && snap.Diem < o.cfg.MinBalanceDiem {
		o.setState(StatePrimaryLow)
	}
}

func (o *Orchestrator) executeFallback(ctx context.Context, sess *Session, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	fb := o.resolveFallback(sess)
	if fb == nil || !fb.IsAvailable(ctx) {
		o.setState(StateUnavailable)
		name := ""
		if fb != nil {
			name = fb.Name()
		}
		return nil, &NoProviderAvailableError{FallbackName: name}
	}

	resp, err := fb.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if o.cfg.PreserveContext {
		sess.RecordTurn(req, resp, fb.Name())
	}
	return resp, nil
}

func (o *Orchestrator) executeFallbackWithHandoff(ctx context.Context, sess *Session, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	handoffNote := ""
	if o.cfg.PreserveContext {
		history := sess.History()
		if len(history) > 0 {
			handoffNote = fmt.Sprintf("\n\n[Session handoff from %s - %d previous responses in context]\n", o.primary.Name(), len(history))
		}
	}

	handoffReq := *req
	if handoffNote != "" {
		handoffReq.Task = handoffNote + handoffReq.Task
	}

	fallbackName := "fallback"
	if fb := o.resolveFallback(sess); fb != nil {
		fallbackName = fb.Name()
	}
	sess.Handoff(fallbackName)

	return o.executeFallback(ctx, sess, &handoffReq)
}

// ForceFallback switches routing to fallback immediately, regardless of
// primary balance.
func (o *Orchestrator) ForceFallback() {
	o.setState(StateUsingFallback)
}

// ResetToPrimary switches routing back to the primary provider, but only
// if its credit tracker isn't currently latched exhausted and
// AllowPrimaryAfterFallback is enabled.
func (o *Orchestrator) ResetToPrimary() error {
	if !o.cfg.AllowPrimaryAfterFallback {
		return errors.New("orchestrator configured with allow_primary_after_fallback=false; use operator override")
	}
	if o.balance.IsExhausted() {
		return errors.New("primary still reports exhausted credits")
	}
	o.setState(StateUsingPrimary)
	return nil
}

// ForceResetToPrimary bypasses AllowPrimaryAfterFallback for an explicit
// operator-driven recovery (e.g. after confirming a credit top-up), but
// still refuses while the exhausted latch is tripped.
func (o *Orchestrator) ForceResetToPrimary() error {
	if o.balance.IsExhausted() {
		return errors.New("primary still reports exhausted credits")
	}
	o.setState(StateUsingPrimary)
	return nil
}

// MetricsSummary returns the process-wide token/cost summary.
func (o *Orchestrator) MetricsSummary() metrics.Summary {
	return o.metrics.Summary()
}

// CacheSummary returns the current cache tracker summary.
func (o *Orchestrator) CacheSummary() cache.Summary {
	return o.cacheTracker.Summary()
}

func bodyString(body map[string]any) string {
	if body == nil {
		return ""
	}
	if msg, ok := body["error"]; ok {
		return fmt.Sprintf("%v", msg)
	}
	return fmt.Sprintf("%v", body)
}

// sleep waits for d or returns ctx.Err() if ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
