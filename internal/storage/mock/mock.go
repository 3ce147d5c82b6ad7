// Package mock provides an in-memory Store implementation for testing. It
// mirrors the contract exactly, including orphan exclusion and tenant
// partitioning, and supports latency and error injection.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/objones25/mnemosyne/internal/similarity"
	"github.com/objones25/mnemosyne/internal/storage"
)

// MockStore implements storage.Store backed by maps.
type MockStore struct {
	mu      sync.RWMutex
	queries map[string]*storage.CachedQuery
	results map[string]*storage.CachedResult
	errors  map[string]error // per-operation injected errors
	latency time.Duration
	closed  bool
}

var _ storage.Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		queries: make(map[string]*storage.CachedQuery),
		results: make(map[string]*storage.CachedResult),
		errors:  make(map[string]error),
	}
}

// SetLatency adds artificial latency to every operation.
func (m *MockStore) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetError injects an error for a named operation ("find", "insert",
// "update", "touch", ...). A nil error clears the injection.
func (m *MockStore) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, operation)
		return
	}
	m.errors[operation] = err
}

func (m *MockStore) simulate(operation string) error {
	m.mu.RLock()
	latency := m.latency
	err := m.errors[operation]
	m.mu.RUnlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	return err
}

func (m *MockStore) FindBestMatch(ctx context.Context, vector []float32, tenantID string, threshold float64) (*storage.Match, error) {
	if err := m.simulate("find"); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *storage.Match
	for key, q := range m.queries {
		if q.TenantID != tenantID {
			continue
		}
		result, ok := m.results[key]
		if !ok {
			// Orphaned query, never a hit source.
			continue
		}

		sim, err := similarity.Cosine(vector, q.Vector)
		if err != nil {
			return nil, err
		}
		if sim < threshold {
			continue
		}
		if best == nil || sim > best.Similarity {
			best = &storage.Match{
				Query:      copyQuery(q),
				Result:     copyResult(result),
				Similarity: sim,
			}
		}
	}

	return best, nil
}

func (m *MockStore) Insert(ctx context.Context, query *storage.CachedQuery, result *storage.CachedResult) error {
	if err := m.simulate("insert"); err != nil {
		return err
	}
	if query == nil {
		return storage.ErrNilQuery
	}
	if result == nil {
		return storage.ErrNilResult
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries[query.Key] = copyQuery(query)
	m.results[query.Key] = copyResult(result)
	return nil
}

func (m *MockStore) UpdateResult(ctx context.Context, ownerKey string, result *storage.CachedResult) error {
	if err := m.simulate("update"); err != nil {
		return err
	}
	if ownerKey == "" {
		return storage.ErrEmptyKey
	}
	if result == nil {
		return storage.ErrNilResult
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queries[ownerKey]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, ownerKey)
	}

	updated := copyResult(result)
	updated.OwnerKey = ownerKey
	m.results[ownerKey] = updated
	return nil
}

func (m *MockStore) Touch(ctx context.Context, ownerKey string, at time.Time) error {
	if err := m.simulate("touch"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queries[ownerKey]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, ownerKey)
	}

	q.HitCount++
	q.LastHitAt = at
	return nil
}

func (m *MockStore) DeleteResultsByRevision(ctx context.Context, revision string) (int, error) {
	if err := m.simulate("delete_by_revision"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, r := range m.results {
		if r.ModelRevision == revision {
			delete(m.results, key)
			count++
		}
	}
	return count, nil
}

func (m *MockStore) EvictQueriesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := m.simulate("evict"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key, q := range m.queries {
		if q.LastHitAt.Before(cutoff) {
			delete(m.queries, key)
			delete(m.results, key)
			count++
		}
	}
	return count, nil
}

func (m *MockStore) Counters(ctx context.Context, tenantID string) (storage.Counters, error) {
	if err := m.simulate("counters"); err != nil {
		return storage.Counters{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var c storage.Counters
	for _, q := range m.queries {
		if tenantID != "" && q.TenantID != tenantID {
			continue
		}
		c.Queries++
		c.Hits += q.HitCount
	}
	return c, nil
}

func (m *MockStore) Clear(ctx context.Context) error {
	if err := m.simulate("clear"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries = make(map[string]*storage.CachedQuery)
	m.results = make(map[string]*storage.CachedResult)
	return nil
}

func (m *MockStore) Health(ctx context.Context) error {
	return m.simulate("health")
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// QueryByKey returns a copy of a stored query, for test assertions.
func (m *MockStore) QueryByKey(key string) (*storage.CachedQuery, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queries[key]
	if !ok {
		return nil, false
	}
	return copyQuery(q), true
}

// ResultByKey returns a copy of a stored result, for test assertions.
func (m *MockStore) ResultByKey(key string) (*storage.CachedResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[key]
	if !ok {
		return nil, false
	}
	return copyResult(r), true
}

func copyQuery(q *storage.CachedQuery) *storage.CachedQuery {
	out := *q
	out.Vector = append([]float32(nil), q.Vector...)
	out.Intent.Entities = append([]string(nil), q.Intent.Entities...)
	out.Intent.Facets = append([]string(nil), q.Intent.Facets...)
	return &out
}

func copyResult(r *storage.CachedResult) *storage.CachedResult {
	out := *r
	out.Items = append([]storage.ResultItem(nil), r.Items...)
	return &out
}
