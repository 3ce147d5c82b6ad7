package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/mnemosyne/internal/storage"
	"github.com/objones25/mnemosyne/internal/storage/monitor"
	redisstore "github.com/objones25/mnemosyne/internal/storage/redis"
)

func newTestStore(t *testing.T) *redisstore.Store {
	t.Helper()

	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	store, err := redisstore.NewStore(redisstore.Config{
		Host: s.Host(),
		Port: s.Port(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func entry(key, tenant string, vector []float32, revision string, ttlAt time.Time) (*storage.CachedQuery, *storage.CachedResult) {
	now := time.Now()
	query := &storage.CachedQuery{
		Key:            key,
		NormalizedText: "text for " + key,
		Vector:         vector,
		Intent:         storage.Intent{Entities: []string{"thing"}, Facets: []string{"pricing"}},
		TenantID:       tenant,
		CreatedAt:      now,
		LastHitAt:      now,
		HitCount:       1,
	}
	result := &storage.CachedResult{
		OwnerKey:      key,
		Items:         []storage.ResultItem{{ID: "n1", Kind: storage.ItemKindNode, Score: 0.9}},
		ModelRevision: revision,
		TTLAt:         ttlAt,
	}
	return query, result
}

func TestFindBestMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ttl := time.Now().Add(time.Hour)

	t.Run("empty population", func(t *testing.T) {
		match, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "", 0.8)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	q1, r1 := entry("key-close", "", []float32{1, 0, 0}, "rev-a", ttl)
	q2, r2 := entry("key-far", "", []float32{0, 1, 0}, "rev-a", ttl)
	require.NoError(t, store.Insert(ctx, q1, r1))
	require.NoError(t, store.Insert(ctx, q2, r2))

	t.Run("returns the maximal match above threshold", func(t *testing.T) {
		match, err := store.FindBestMatch(ctx, []float32{0.9, 0.1, 0}, "", 0.8)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "key-close", match.Query.Key)
		assert.Greater(t, match.Similarity, 0.8)
		assert.Equal(t, "rev-a", match.Result.ModelRevision)

		// Round-trips intact.
		assert.Equal(t, q1.NormalizedText, match.Query.NormalizedText)
		assert.Equal(t, q1.Intent, match.Query.Intent)
		assert.Equal(t, r1.Items, match.Result.Items)
		assert.True(t, r1.TTLAt.Sub(match.Result.TTLAt).Abs() < time.Millisecond)
	})

	t.Run("nothing above threshold", func(t *testing.T) {
		match, err := store.FindBestMatch(ctx, []float32{0.7, 0.7, 0.14}, "", 0.99)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("dimension mismatch fails", func(t *testing.T) {
		_, err := store.FindBestMatch(ctx, []float32{1, 0}, "", 0.8)
		assert.Error(t, err)
	})

	t.Run("expired entries are still candidates", func(t *testing.T) {
		// Freshness is the engine's call, not the store's.
		q3, r3 := entry("key-expired", "", []float32{0, 0, 1}, "rev-a", time.Now().Add(-time.Hour))
		require.NoError(t, store.Insert(ctx, q3, r3))

		match, err := store.FindBestMatch(ctx, []float32{0, 0, 1}, "", 0.9)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "key-expired", match.Query.Key)
	})
}

func TestTenantPartitioning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ttl := time.Now().Add(time.Hour)

	qa, ra := entry("key-a", "tenant-a", []float32{1, 0, 0}, "rev-a", ttl)
	qu, ru := entry("key-u", "", []float32{1, 0, 0}, "rev-a", ttl)
	require.NoError(t, store.Insert(ctx, qa, ra))
	require.NoError(t, store.Insert(ctx, qu, ru))

	matchA, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "tenant-a", 0.9)
	require.NoError(t, err)
	require.NotNil(t, matchA)
	assert.Equal(t, "key-a", matchA.Query.Key)

	matchB, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "tenant-b", 0.9)
	require.NoError(t, err)
	assert.Nil(t, matchB, "tenants never see each other's entries")

	matchU, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "", 0.9)
	require.NoError(t, err)
	require.NotNil(t, matchU)
	assert.Equal(t, "key-u", matchU.Query.Key, "untenanted partition is isolated too")
}

func TestTouch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q, r := entry("key-touch", "", []float32{1, 0, 0}, "rev-a", time.Now().Add(time.Hour))
	require.NoError(t, store.Insert(ctx, q, r))

	at := time.Now().Add(time.Second)
	require.NoError(t, store.Touch(ctx, "key-touch", at))
	require.NoError(t, store.Touch(ctx, "key-touch", at))

	match, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "", 0.9)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, int64(3), match.Query.HitCount)
	assert.True(t, at.Sub(match.Query.LastHitAt).Abs() < time.Millisecond)

	err = store.Touch(ctx, "no-such-key", at)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateResult(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q, r := entry("key-upd", "", []float32{1, 0, 0}, "rev-a", time.Now().Add(-time.Minute))
	require.NoError(t, store.Insert(ctx, q, r))

	freshened := time.Now()
	updated := &storage.CachedResult{
		Items: []storage.ResultItem{
			{ID: "n2", Kind: storage.ItemKindNode, Score: 0.8},
			{ID: "e1", Kind: storage.ItemKindEdge, Score: 0.7},
		},
		ModelRevision: "rev-b",
		TTLAt:         freshened.Add(time.Hour),
		FreshenedAt:   freshened,
	}
	require.NoError(t, store.UpdateResult(ctx, "key-upd", updated))

	match, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "", 0.9)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "key-upd", match.Result.OwnerKey, "owner key survives in-place refresh")
	assert.Equal(t, updated.Items, match.Result.Items)
	assert.Equal(t, "rev-b", match.Result.ModelRevision)
	assert.False(t, match.Result.FreshenedAt.IsZero())

	err = store.UpdateResult(ctx, "no-such-key", updated)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteResultsByRevision(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ttl := time.Now().Add(time.Hour)

	q1, r1 := entry("key-old-1", "", []float32{1, 0, 0}, "rev-old", ttl)
	q2, r2 := entry("key-old-2", "", []float32{0, 1, 0}, "rev-old", ttl)
	q3, r3 := entry("key-new", "", []float32{0, 0, 1}, "rev-new", ttl)
	require.NoError(t, store.Insert(ctx, q1, r1))
	require.NoError(t, store.Insert(ctx, q2, r2))
	require.NoError(t, store.Insert(ctx, q3, r3))

	count, err := store.DeleteResultsByRevision(ctx, "rev-old")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Orphaned queries are excluded from matching.
	match, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "", 0.9)
	require.NoError(t, err)
	assert.Nil(t, match)

	// But they still count in the aggregates.
	counters, err := store.Counters(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counters.Queries)

	// The other revision is untouched.
	match, err = store.FindBestMatch(ctx, []float32{0, 0, 1}, "", 0.9)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "key-new", match.Query.Key)
}

func TestEvictQueriesOlderThan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ttl := time.Now().Add(time.Hour)

	qOld, rOld := entry("key-ancient", "tenant-a", []float32{1, 0, 0}, "rev-a", ttl)
	qOld.LastHitAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Insert(ctx, qOld, rOld))

	qNew, rNew := entry("key-recent", "tenant-a", []float32{0, 1, 0}, "rev-a", ttl)
	require.NoError(t, store.Insert(ctx, qNew, rNew))

	count, err := store.EvictQueriesOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	counters, err := store.Counters(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.Queries)

	match, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "tenant-a", 0.9)
	require.NoError(t, err)
	assert.Nil(t, match, "evicted entries are gone from lookup")
}

func TestCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ttl := time.Now().Add(time.Hour)

	qa, ra := entry("key-a", "tenant-a", []float32{1, 0, 0}, "rev-a", ttl)
	qb, rb := entry("key-b", "tenant-b", []float32{0, 1, 0}, "rev-a", ttl)
	require.NoError(t, store.Insert(ctx, qa, ra))
	require.NoError(t, store.Insert(ctx, qb, rb))
	require.NoError(t, store.Touch(ctx, "key-a", time.Now()))

	all, err := store.Counters(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, storage.Counters{Queries: 2, Hits: 3}, all)

	scoped, err := store.Counters(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, storage.Counters{Queries: 1, Hits: 2}, scoped)
}

func TestClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ttl := time.Now().Add(time.Hour)

	q1, r1 := entry("key-1", "", []float32{1, 0, 0}, "rev-a", ttl)
	q2, r2 := entry("key-2", "tenant-a", []float32{0, 1, 0}, "rev-a", ttl)
	require.NoError(t, store.Insert(ctx, q1, r1))
	require.NoError(t, store.Insert(ctx, q2, r2))

	require.NoError(t, store.Clear(ctx))

	counters, err := store.Counters(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, storage.Counters{}, counters)

	match, err := store.FindBestMatch(ctx, []float32{1, 0, 0}, "", 0.5)
	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestHealth(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Health(context.Background()))
}

func TestOperationMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insertOps := monitor.StoreOperations.WithLabelValues("redis", "insert")
	touchOps := monitor.StoreOperations.WithLabelValues("redis", "touch")
	insertsBefore := promtestutil.ToFloat64(insertOps)
	touchesBefore := promtestutil.ToFloat64(touchOps)

	query, result := entry("metered", "", []float32{1, 0, 0}, "rev-a", time.Now().Add(time.Hour))
	require.NoError(t, store.Insert(ctx, query, result))
	require.NoError(t, store.Touch(ctx, "metered", time.Now()))
	require.NoError(t, store.Touch(ctx, "metered", time.Now()))

	assert.Equal(t, insertsBefore+1, promtestutil.ToFloat64(insertOps))
	assert.Equal(t, touchesBefore+2, promtestutil.ToFloat64(touchOps))
}
