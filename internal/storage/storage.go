package storage

import (
	"context"
	"time"
)

// ItemKind distinguishes graph nodes from edges in cached retrieval results.
type ItemKind string

const (
	ItemKindNode ItemKind = "node"
	ItemKindEdge ItemKind = "edge"
)

// ResultItem is one scored element of a cached retrieval result.
type ResultItem struct {
	ID    string   `json:"id"`
	Kind  ItemKind `json:"kind"`
	Score float64  `json:"score"`
}

// Intent is the structured signal extracted from a query at store time.
// It drives TTL policy and is reused verbatim when an entry is refreshed.
type Intent struct {
	Entities []string `json:"entities,omitempty"`
	Facets   []string `json:"facets,omitempty"`
	Timebox  string   `json:"timebox,omitempty"`
}

// CachedQuery is one semantically-keyed cache slot. The vector is the match
// key; NormalizedText exists for diagnostics only.
type CachedQuery struct {
	Key            string
	NormalizedText string
	Vector         []float32
	Intent         Intent
	TenantID       string
	CreatedAt      time.Time
	LastHitAt      time.Time
	HitCount       int64
}

// CachedResult is the materialized payload for one CachedQuery. It references
// its owner by key and is lifecycled independently: revision invalidation may
// delete the result while the query lingers as an orphan.
type CachedResult struct {
	OwnerKey      string
	Items         []ResultItem
	ModelRevision string
	TTLAt         time.Time
	FreshenedAt   time.Time // zero until the entry is refreshed in place
}

// Match is a successful similarity lookup: the best entry at or above the
// threshold, with its result and the achieved cosine similarity.
type Match struct {
	Query      *CachedQuery
	Result     *CachedResult
	Similarity float64
}

// Counters holds raw aggregates over stored queries.
type Counters struct {
	Queries int64
	Hits    int64
}

// Store is the backing-store contract for the semantic cache. All entry state
// lives here; the store is the single serialization point.
//
// Implementations must never report a lookup failure as "no match": a nil
// Match with a nil error means the population genuinely had no entry at or
// above the threshold. FindBestMatch does not filter by TTL or revision;
// freshness is judged by the caller.
type Store interface {
	// FindBestMatch returns the highest-similarity entry whose similarity to
	// vector is >= threshold, restricted to the given tenant partition
	// (tenantID "" is the untenanted partition) and to entries that still
	// have a result. Returns nil when no entry qualifies.
	FindBestMatch(ctx context.Context, vector []float32, tenantID string, threshold float64) (*Match, error)

	// Insert persists a new query/result pair.
	Insert(ctx context.Context, query *CachedQuery, result *CachedResult) error

	// UpdateResult replaces the result owned by ownerKey in place using the
	// store's native update semantics (last write wins).
	UpdateResult(ctx context.Context, ownerKey string, result *CachedResult) error

	// Touch records a hit: bumps the query's hit count by one and sets its
	// last-hit timestamp. The increment must be atomic at the store.
	Touch(ctx context.Context, ownerKey string, at time.Time) error

	// DeleteResultsByRevision removes all results produced by the given model
	// revision, leaving their owning queries orphaned. Returns the number of
	// results removed.
	DeleteResultsByRevision(ctx context.Context, revision string) (int, error)

	// EvictQueriesOlderThan removes queries whose last hit predates cutoff,
	// cascading to their results. Returns the number of queries removed.
	EvictQueriesOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Counters aggregates query count and summed hit counts. An empty
	// tenantID aggregates over all entries.
	Counters(ctx context.Context, tenantID string) (Counters, error)

	// Clear removes all queries and results.
	Clear(ctx context.Context) error

	// Health checks the store connection.
	Health(ctx context.Context) error

	// Close cleanly shuts down the store connection.
	Close() error
}
