package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Metrics aggregates cache hit/miss/write counters. Safe to read after
// copying out of a Tracker via Tracker.Metrics.
type Metrics struct {
	CacheHits         uint64
	CacheMisses       uint64
	CacheWrites       uint64
	CachedTokens      uint64
	UncachedTokens    uint64
	EstimatedSavings  uint64
	HitRate           float64
}

func (m *Metrics) recordHit(tokens int) {
	m.CacheHits++
	m.CachedTokens += uint64(tokens)
	m.EstimatedSavings += uint64(float64(tokens) * 0.9)
	m.updateHitRate()
}

func (m *Metrics) recordMiss(tokens int) {
	m.CacheMisses++
	m.UncachedTokens += uint64(tokens)
	m.updateHitRate()
}

func (m *Metrics) recordWrite(tokens int) {
	m.CacheWrites++
	m.UncachedTokens += uint64(tokens)
}

func (m *Metrics) updateHitRate() {
	total := m.CacheHits + m.CacheMisses
	if total == 0 {
		m.HitRate = 0
		return
	}
	m.HitRate = float64(m.CacheHits) / float64(total)
}

// Merge folds another Metrics instance's counters into m, e.g. combining
// per-session metrics into a process-wide total.
func (m *Metrics) Merge(other Metrics) {
	m.CacheHits += other.CacheHits
	m.CacheMisses += other.CacheMisses
	m.CacheWrites += other.CacheWrites
	m.CachedTokens += other.CachedTokens
	m.UncachedTokens += other.UncachedTokens
	m.EstimatedSavings += other.EstimatedSavings
	m.updateHitRate()
}

func (m Metrics) String() string {
	return fmt.Sprintf(
		"=== Cache Metrics ===\nCache hits: %d\nCache misses: %d\nHit rate: %.1f%%\nTokens from cache: %d\nTokens re-sent: %d\nEst. token savings: %d\n",
		m.CacheHits, m.CacheMisses, m.HitRate*100, m.CachedTokens, m.UncachedTokens, m.EstimatedSavings,
	)
}

type stabilityLevel int

const (
	stabilityPermanent stabilityLevel = iota
	stabilitySession
)

type entry struct {
	contentHash  uint64
	tokenCount   int
	createdAt    time.Time
	lastAccessed time.Time
	hitCount     uint64
	stability    stabilityLevel
}

// Status reports the outcome of a Tracker.Check call.
type Status struct {
	Hit   bool
	Stale bool
	Miss  bool

	Tokens int
	Age    time.Duration
}

// Summary is a point-in-time snapshot of cache state, suitable for
// /v1/cache/analyze responses.
type Summary struct {
	EntryCount        int
	PermanentTokens   int
	SessionTokens     int
	TotalHits         uint64
	TotalMisses       uint64
	HitRate           float64
	EstimatedSavings  uint64
	SessionDuration   time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"=== Cache Summary ===\nCached entries: %d\nPermanent tokens: %d\nSession tokens: %d\nTotal hits: %d\nTotal misses: %d\nHit rate: %.1f%%\nEst. token savings: %d\nSession duration: %s\n",
		s.EntryCount, s.PermanentTokens, s.SessionTokens, s.TotalHits, s.TotalMisses, s.HitRate*100, s.EstimatedSavings, s.SessionDuration,
	)
}

// Store persists entry state outside process memory. Tracker uses it, when
// configured, to survive restarts — most deployments run with the default
// nil Store (in-memory only); RedisStore is for multi-replica gateways that
// need a shared view of what's cached.
type Store interface {
	Save(ctx context.Context, key string, e PersistedEntry) error
	Load(ctx context.Context, key string) (PersistedEntry, bool, error)
	Delete(ctx context.Context, key string) error
}

// PersistedEntry is the subset of entry state that's worth round-tripping
// through an external store (access-time bookkeeping stays local).
type PersistedEntry struct {
	ContentHash uint64 `json:"content_hash"`
	TokenCount  int    `json:"token_count"`
	Permanent   bool   `json:"permanent"`
}

// Tracker measures whether prompt-cache optimization is actually landing
// cache hits upstream: it records a content-hash fingerprint per cache
// key, and every Check call tells the caller whether the current content
// still matches (Hit), matches a key that's since changed (Stale), or
// was never seen (Miss).
//
// A Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	metrics Metrics

	maxEntries   int
	sessionStart time.Time

	store Store
}

// NewTracker creates a Tracker that keeps at most maxEntries in memory,
// evicting the least-recently-used non-permanent quarter once full.
func NewTracker(maxEntries int) *Tracker {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Tracker{
		entries:      make(map[string]*entry),
		maxEntries:   maxEntries,
		sessionStart: time.Now(),
	}
}

// WithStore attaches a persistence backend (see RedisStore) and returns the
// Tracker for chaining.
func (t *Tracker) WithStore(store Store) *Tracker {
	t.store = store
	return t
}

// CacheContent registers content as cached under key. permanent content
// (e.g. a system prompt that never changes for the life of the process)
// is exempt from LRU eviction.
func (t *Tracker) CacheContent(ctx context.Context, key string, contentHash uint64, tokenCount int, permanent bool) {
	t.mu.Lock()
	if len(t.entries) >= t.maxEntries {
		t.evictLRU()
	}

	now := time.Now()
	stability := stabilitySession
	if permanent {
		stability = stabilityPermanent
	}
	t.entries[key] = &entry{
		contentHash:  contentHash,
		tokenCount:   tokenCount,
		createdAt:    now,
		lastAccessed: now,
		stability:    stability,
	}
	t.metrics.recordWrite(tokenCount)
	t.mu.Unlock()

	if t.store != nil {
		_ = t.store.Save(ctx, key, PersistedEntry{ContentHash: contentHash, TokenCount: tokenCount, Permanent: permanent})
	}
}

// Check reports whether content under key matches the registered
// fingerprint (Hit), has changed since registration (Stale — recorded as
// a miss against the old token count, but the entry itself is left in
// place rather than evicted, since the caller will typically re-register
// it with CacheContent right after), or was never seen (Miss).
//
// On a local miss, if a Store is configured, Check consults it before
// reporting Miss: another replica may have already registered this key.
// A store hit is promoted into the local map so the next Check on this
// replica doesn't round-trip to the store again.
func (t *Tracker) Check(ctx context.Context, key string, contentHash uint64) Status {
	t.mu.Lock()
	e, ok := t.entries[key]
	if ok {
		if e.contentHash == contentHash {
			e.lastAccessed = time.Now()
			e.hitCount++
			t.metrics.recordHit(e.tokenCount)
			status := Status{Hit: true, Tokens: e.tokenCount, Age: time.Since(e.createdAt)}
			t.mu.Unlock()
			return status
		}
		t.metrics.recordMiss(e.tokenCount)
		t.mu.Unlock()
		return Status{Stale: true}
	}
	t.mu.Unlock()

	if t.store != nil {
		if persisted, found, err := t.store.Load(ctx, key); err == nil && found && persisted.ContentHash == contentHash {
			t.mu.Lock()
			if len(t.entries) >= t.maxEntries {
				t.evictLRU()
			}
			now := time.Now()
			stability := stabilitySession
			if persisted.Permanent {
				stability = stabilityPermanent
			}
			t.entries[key] = &entry{
				contentHash:  persisted.ContentHash,
				tokenCount:   persisted.TokenCount,
				createdAt:    now,
				lastAccessed: now,
				stability:    stability,
			}
			t.metrics.recordHit(persisted.TokenCount)
			t.mu.Unlock()
			return Status{Hit: true, Tokens: persisted.TokenCount}
		}
	}

	t.mu.Lock()
	t.metrics.recordMiss(0)
	t.mu.Unlock()
	return Status{Miss: true}
}

// Invalidate removes a single cache entry.
func (t *Tracker) Invalidate(ctx context.Context, key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()

	if t.store != nil {
		_ = t.store.Delete(ctx, key)
	}
}

// Clear removes all entries (metrics are untouched; see ResetMetrics).
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry)
}

// Metrics returns a copy of the current aggregate metrics.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

// ResetMetrics zeroes the aggregate metrics without touching entries.
func (t *Tracker) ResetMetrics() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = Metrics{}
}

// EntryCount returns the number of cached entries currently tracked.
func (t *Tracker) EntryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TotalCachedTokens sums the token count of every tracked entry.
func (t *Tracker) TotalCachedTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, e := range t.entries {
		total += e.tokenCount
	}
	return total
}

// evictLRU drops the oldest quarter of non-permanent entries by last
// access time. Must be called with t.mu held.
func (t *Tracker) evictLRU() {
	evictCount := t.maxEntries / 4
	if evictCount == 0 {
		evictCount = 1
	}

	type keyed struct {
		key    string
		access time.Time
	}
	var byAccess []keyed
	for k, e := range t.entries {
		if e.stability == stabilityPermanent {
			continue
		}
		byAccess = append(byAccess, keyed{k, e.lastAccessed})
	}
	sort.Slice(byAccess, func(i, j int) bool { return byAccess[i].access.Before(byAccess[j].access) })

	for i := 0; i < evictCount && i < len(byAccess); i++ {
		delete(t.entries, byAccess[i].key)
	}
}

// Summary returns a point-in-time snapshot of cache state.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	var permanentTokens, sessionTokens int
	for _, e := range t.entries {
		if e.stability == stabilityPermanent {
			permanentTokens += e.tokenCount
		} else {
			sessionTokens += e.tokenCount
		}
	}

	return Summary{
		EntryCount:       len(t.entries),
		PermanentTokens:  permanentTokens,
		SessionTokens:    sessionTokens,
		TotalHits:        t.metrics.CacheHits,
		TotalMisses:      t.metrics.CacheMisses,
		HitRate:          t.metrics.HitRate,
		EstimatedSavings: t.metrics.EstimatedSavings,
		SessionDuration:  time.Since(t.sessionStart),
	}
}

// ---------------------------------------------------------------------------
// Redis-backed Store
// ---------------------------------------------------------------------------

// RedisStore persists PersistedEntry values in Redis, keyed by a fixed
// prefix plus the tracker's cache key. It lets several gateway replicas
// behind a load balancer share one view of what's already been sent to
// the upstream's prompt cache, instead of every replica cold-starting its
// own Tracker.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing *redis.Client. ttl of zero means
// entries never expire on their own (Tracker.Invalidate still removes
// them explicitly).
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "llmrouter:cache:", ttl: ttl}
}

func (r *RedisStore) Save(ctx context.Context, key string, e PersistedEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}
	return r.client.Set(ctx, r.prefix+key, data, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, key string) (PersistedEntry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return PersistedEntry{}, false, nil
	}
	if err != nil {
		return PersistedEntry{}, false, fmt.Errorf("loading cache entry: %w", err)
	}

	var e PersistedEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return PersistedEntry{}, false, fmt.Errorf("unmarshaling cache entry: %w", err)
	}
	return e, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
