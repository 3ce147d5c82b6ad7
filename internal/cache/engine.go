// Package cache implements the semantic cache decision engine: given a query
// embedding, it decides whether a previously cached result is close enough in
// meaning and fresh enough in time to serve, and otherwise retrieves, stores
// and returns a fresh result.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/mnemosyne/internal/embedding"
	"github.com/objones25/mnemosyne/internal/intent"
	"github.com/objones25/mnemosyne/internal/storage"
	"github.com/objones25/mnemosyne/internal/storage/monitor"
)

// Source tags where a retrieval result came from.
type Source string

const (
	SourceCache Source = "semantic-cache"
	SourceFresh Source = "fresh"
)

const (
	defaultThreshold      = 0.85
	defaultTTL            = 5 * time.Minute
	defaultDynamicTTL     = time.Minute
	defaultNearExpiry     = 30 * time.Second
	defaultTopKCached     = 20
	defaultTopKReturned   = 10
	defaultRefreshTimeout = 30 * time.Second
)

// RetrievalFunc is the caller-supplied expensive retrieval that runs on a
// cache miss. Failures propagate to the caller unmodified.
type RetrievalFunc func(ctx context.Context, normalizedText string, vector []float32) ([]storage.ResultItem, error)

// Result is the outcome of a retrieval through the cache.
type Result struct {
	Items      []storage.ResultItem
	Source     Source
	Similarity float64 // similarity of the matched entry; 0 when no match was involved
	QueryKey   string  // the matched entry's key on a hit, a new key on a miss
}

// Config holds the engine's tunables. Zero values are backfilled with
// defaults by NewEngine.
type Config struct {
	// SimilarityThreshold is the inclusive cosine similarity at or above
	// which a cached entry counts as a semantic match. Must be in (0, 1].
	SimilarityThreshold float64

	// ModelID identifies the embedding model; RerankerID optionally
	// identifies the reranker. Together they form the model revision that
	// fingerprints cached results.
	ModelID    string
	RerankerID string

	// Dimension is the expected embedding length. 0 disables validation.
	Dimension int

	// DefaultTTL is the base entry lifetime; DynamicTTL is the short preset
	// applied to time-sensitive and volatile intents.
	DefaultTTL time.Duration
	DynamicTTL time.Duration

	// NearExpiry is the remaining-lifetime window below which a served hit
	// also schedules a background refresh.
	NearExpiry time.Duration

	// TopKCached caps how many items are persisted per entry; TopKReturned
	// caps how many are returned to callers.
	TopKCached   int
	TopKReturned int

	// DefaultTenant partitions lookups when the caller passes no tenant.
	DefaultTenant string

	// RefreshTimeout bounds each background refresh attempt.
	RefreshTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = defaultThreshold
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = defaultTTL
	}
	if c.DynamicTTL == 0 {
		c.DynamicTTL = defaultDynamicTTL
	}
	if c.NearExpiry == 0 {
		c.NearExpiry = defaultNearExpiry
	}
	if c.TopKCached <= 0 {
		c.TopKCached = defaultTopKCached
	}
	if c.TopKReturned <= 0 {
		c.TopKReturned = defaultTopKReturned
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
}

func (c Config) validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity threshold must be in (0, 1], got %v", ErrInvalidConfig, c.SimilarityThreshold)
	}
	if c.ModelID == "" {
		return fmt.Errorf("%w: model id cannot be empty", ErrInvalidConfig)
	}
	return nil
}

// ModelRevision returns the fingerprint of the (embedding, reranker) model
// pair. Any change to either invalidates cached results regardless of TTL.
func (c Config) ModelRevision() string {
	if c.RerankerID == "" {
		return c.ModelID
	}
	return c.ModelID + "+" + c.RerankerID
}

// Engine is the cache decision engine. It holds no entry state; the backing
// store is the single source of truth, so independently-configured engines
// may share a store.
type Engine struct {
	store     storage.Store
	embedder  embedding.Provider
	extractor intent.Extractor
	cfg       Config
	revision  string
	logger    zerolog.Logger

	wg     sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
}

// NewEngine creates a decision engine. A nil extractor selects the built-in
// rule-based one.
func NewEngine(store storage.Store, embedder embedding.Provider, extractor intent.Extractor, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder cannot be nil", ErrInvalidConfig)
	}
	if extractor == nil {
		extractor = intent.NewRuleExtractor()
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Engine{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		cfg:       cfg,
		revision:  cfg.ModelRevision(),
		logger:    log.With().Str("component", "semcache").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// ModelRevision returns the revision string active for this engine.
func (e *Engine) ModelRevision() string {
	return e.revision
}

// FindMatch searches for the best cached entry at or above the similarity
// threshold within the tenant partition. It applies no freshness judgment:
// expired or revision-mismatched entries are still returned so callers can
// decide between abandonment and refresh. Store failures propagate; they are
// never reported as "no match".
func (e *Engine) FindMatch(ctx context.Context, vector []float32, tenantID string) (*storage.Match, error) {
	if err := e.checkDimension(vector); err != nil {
		return nil, err
	}

	match, err := e.store.FindBestMatch(ctx, vector, e.resolveTenant(tenantID), e.cfg.SimilarityThreshold)
	if err != nil {
		return nil, opErr("lookup", err)
	}
	return match, nil
}

// Retrieve is the synchronous protocol: a fresh, revision-matched entry is a
// hit; anything else is a miss that runs the retrieval function and stores a
// brand-new entry. A stale match is abandoned, never reused.
func (e *Engine) Retrieve(ctx context.Context, queryText, tenantID string, retrieve RetrievalFunc) (*Result, error) {
	normalized, it, vector, err := e.prepare(ctx, queryText)
	if err != nil {
		return nil, err
	}

	tenant := e.resolveTenant(tenantID)
	match, err := e.FindMatch(ctx, vector, tenant)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if match != nil && IsValid(match.Result, e.revision, now) {
		// Hit stats must be recorded before returning; the statistics
		// contract depends on it.
		if err := e.store.Touch(ctx, match.Query.Key, now); err != nil {
			return nil, opErr("touch", err)
		}
		monitor.CacheHits.Inc()
		monitor.MatchSimilarity.Observe(match.Similarity)

		return &Result{
			Items:      truncate(match.Result.Items, e.cfg.TopKReturned),
			Source:     SourceCache,
			Similarity: match.Similarity,
			QueryKey:   match.Query.Key,
		}, nil
	}

	monitor.CacheMisses.Inc()

	items, err := retrieve(ctx, normalized, vector)
	if err != nil {
		return nil, err
	}

	key, err := e.storeFresh(ctx, normalized, vector, it, tenant, items, now)
	if err != nil {
		return nil, err
	}

	return &Result{
		Items:    truncate(items, e.cfg.TopKReturned),
		Source:   SourceFresh,
		QueryKey: key,
	}, nil
}

// RetrieveWithBackgroundRefresh is the non-blocking staleness protocol: an
// expired match is refreshed in place synchronously; an unexpired match is
// returned immediately, scheduling an asynchronous refresh when the model
// revision mismatches or expiry is near. Refreshes recompute the TTL from the
// original matched query's intent, not the incoming paraphrase's, so TTL
// policy stays stable across phrasing drift.
func (e *Engine) RetrieveWithBackgroundRefresh(ctx context.Context, queryText, tenantID string, retrieve RetrievalFunc) (*Result, error) {
	normalized, it, vector, err := e.prepare(ctx, queryText)
	if err != nil {
		return nil, err
	}

	tenant := e.resolveTenant(tenantID)
	match, err := e.FindMatch(ctx, vector, tenant)
	if err != nil {
		return nil, err
	}

	now := time.Now()

	if match == nil {
		monitor.CacheMisses.Inc()

		items, err := retrieve(ctx, normalized, vector)
		if err != nil {
			return nil, err
		}

		key, err := e.storeFresh(ctx, normalized, vector, it, tenant, items, now)
		if err != nil {
			return nil, err
		}

		return &Result{
			Items:    truncate(items, e.cfg.TopKReturned),
			Source:   SourceFresh,
			QueryKey: key,
		}, nil
	}

	if !match.Result.TTLAt.After(now) {
		// Expired: refresh the existing entry in place rather than minting a
		// duplicate near-identical key.
		items, err := retrieve(ctx, normalized, vector)
		if err != nil {
			return nil, err
		}

		refreshed := e.buildResult(match.Query.Key, items, match.Query.Intent, now)
		refreshed.FreshenedAt = now
		if err := e.store.UpdateResult(ctx, match.Query.Key, refreshed); err != nil {
			monitor.Refreshes.WithLabelValues("inline", "error").Inc()
			return nil, opErr("refresh", err)
		}
		if err := e.store.Touch(ctx, match.Query.Key, now); err != nil {
			return nil, opErr("touch", err)
		}
		monitor.Refreshes.WithLabelValues("inline", "success").Inc()

		return &Result{
			Items:      truncate(items, e.cfg.TopKReturned),
			Source:     SourceFresh,
			Similarity: match.Similarity,
			QueryKey:   match.Query.Key,
		}, nil
	}

	// Unexpired: serve the cached payload immediately.
	if err := e.store.Touch(ctx, match.Query.Key, now); err != nil {
		return nil, opErr("touch", err)
	}
	monitor.CacheHits.Inc()
	monitor.MatchSimilarity.Observe(match.Similarity)

	if match.Result.ModelRevision != e.revision || match.Result.TTLAt.Sub(now) < e.cfg.NearExpiry {
		e.scheduleRefresh(match.Query, retrieve)
	}

	return &Result{
		Items:      truncate(match.Result.Items, e.cfg.TopKReturned),
		Source:     SourceCache,
		Similarity: match.Similarity,
		QueryKey:   match.Query.Key,
	}, nil
}

// Stats aggregates over all cached queries. See Stats docs for the hit-rate
// definition.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.statsFor(ctx, "")
}

// TenantStats is the tenant-filtered variant of Stats.
func (e *Engine) TenantStats(ctx context.Context, tenantID string) (Stats, error) {
	return e.statsFor(ctx, tenantID)
}

// InvalidateByModelRevision removes all cached results produced by the given
// revision. Owning queries are left orphaned; lookups exclude them until
// eviction sweeps them out.
func (e *Engine) InvalidateByModelRevision(ctx context.Context, revision string) (int, error) {
	count, err := e.store.DeleteResultsByRevision(ctx, revision)
	if err != nil {
		return 0, opErr("invalidate", err)
	}
	monitor.Evictions.WithLabelValues("revision").Add(float64(count))
	e.logger.Info().Str("revision", revision).Int("count", count).Msg("invalidated results by model revision")
	return count, nil
}

// EvictOlderThan removes queries that have not been hit within maxAge,
// cascading to their results.
func (e *Engine) EvictOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	count, err := e.store.EvictQueriesOlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, opErr("evict", err)
	}
	monitor.Evictions.WithLabelValues("age").Add(float64(count))
	return count, nil
}

// Clear unconditionally removes all entries. Intended for test and reset
// flows.
func (e *Engine) Clear(ctx context.Context) error {
	if err := e.store.Clear(ctx); err != nil {
		return opErr("clear", err)
	}
	return nil
}

// Health checks the backing store.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Health(ctx)
}

// Close stops background refreshes and waits for in-flight ones to finish.
// The backing store is not closed; the engine does not own it.
func (e *Engine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		close(e.done)
	}
	e.wg.Wait()
	return nil
}

// prepare normalizes and embeds the query text and extracts its intent.
func (e *Engine) prepare(ctx context.Context, queryText string) (string, storage.Intent, []float32, error) {
	if e.closed.Load() {
		return "", storage.Intent{}, nil, ErrEngineClosed
	}
	if strings.TrimSpace(queryText) == "" {
		return "", storage.Intent{}, nil, ErrInvalidQuery
	}

	normalized, it := e.extractor.Extract(queryText)
	if normalized == "" {
		return "", storage.Intent{}, nil, ErrInvalidQuery
	}

	vector, err := e.embedder.Embed(ctx, normalized)
	if err != nil {
		return "", storage.Intent{}, nil, opErr("embed", err)
	}
	if err := e.checkDimension(vector); err != nil {
		return "", storage.Intent{}, nil, err
	}

	return normalized, it, vector, nil
}

// storeFresh writes a brand-new query/result pair. A write failure surfaces
// as an error so the caller does not assume the cache is now warm.
func (e *Engine) storeFresh(ctx context.Context, normalized string, vector []float32, it storage.Intent, tenant string, items []storage.ResultItem, now time.Time) (string, error) {
	key, err := storage.NewKey()
	if err != nil {
		return "", opErr("store", err)
	}

	query := &storage.CachedQuery{
		Key:            key,
		NormalizedText: normalized,
		Vector:         vector,
		Intent:         it,
		TenantID:       tenant,
		CreatedAt:      now,
		LastHitAt:      now,
		HitCount:       1,
	}

	if err := e.store.Insert(ctx, query, e.buildResult(key, items, it, now)); err != nil {
		return "", opErr("store", err)
	}
	return key, nil
}

func (e *Engine) buildResult(ownerKey string, items []storage.ResultItem, it storage.Intent, now time.Time) *storage.CachedResult {
	return &storage.CachedResult{
		OwnerKey:      ownerKey,
		Items:         truncate(items, e.cfg.TopKCached),
		ModelRevision: e.revision,
		TTLAt:         ComputeTTL(it, e.cfg.DefaultTTL, e.cfg.DynamicTTL, now),
	}
}

// scheduleRefresh dispatches a fire-and-forget refresh of an existing entry.
// It never blocks the caller's return path; failures are logged and counted,
// never surfaced, and never retried; a later query simply re-triggers
// eligibility. The leg runs under the engine lifecycle, not the request
// context, bounded by RefreshTimeout and aborted on Close.
func (e *Engine) scheduleRefresh(query *storage.CachedQuery, retrieve RetrievalFunc) {
	if e.closed.Load() {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
		defer cancel()
		go func() {
			select {
			case <-e.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		start := time.Now()
		items, err := retrieve(ctx, query.NormalizedText, query.Vector)
		if err != nil {
			monitor.Refreshes.WithLabelValues("background", "error").Inc()
			e.logger.Warn().Err(err).Str("key", query.Key).Msg("background refresh retrieval failed")
			return
		}
		monitor.RefreshLatency.Observe(time.Since(start).Seconds())

		now := time.Now()
		refreshed := e.buildResult(query.Key, items, query.Intent, now)
		refreshed.FreshenedAt = now
		if err := e.store.UpdateResult(ctx, query.Key, refreshed); err != nil {
			monitor.Refreshes.WithLabelValues("background", "error").Inc()
			e.logger.Warn().Err(err).Str("key", query.Key).Msg("background refresh write failed")
			return
		}

		monitor.Refreshes.WithLabelValues("background", "success").Inc()
		e.logger.Debug().Str("key", query.Key).Msg("background refresh completed")
	}()
}

func (e *Engine) resolveTenant(tenantID string) string {
	if tenantID == "" {
		return e.cfg.DefaultTenant
	}
	return tenantID
}

func (e *Engine) checkDimension(vector []float32) error {
	if e.cfg.Dimension > 0 && len(vector) != e.cfg.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidDimension, len(vector), e.cfg.Dimension)
	}
	return nil
}

// truncate returns a copy of items capped at limit. limit <= 0 means no cap.
func truncate(items []storage.ResultItem, limit int) []storage.ResultItem {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return append([]storage.ResultItem(nil), items...)
}
