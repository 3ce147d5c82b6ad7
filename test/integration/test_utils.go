package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/objones25/mnemosyne/internal/cache"
	"github.com/objones25/mnemosyne/internal/storage"
	redisstore "github.com/objones25/mnemosyne/internal/storage/redis"
)

// TestTimeout is the default timeout for integration tests
const TestTimeout = 30 * time.Second

// GetTestContext returns a context with timeout for integration tests
func GetTestContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), TestTimeout)
}

// WaitForCondition waits for a condition to become true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for condition: %s", message)
}

// NewTestStore starts an in-process Redis and connects a store to it.
func NewTestStore(t *testing.T) *redisstore.Store {
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

// mapEmbedder resolves normalized query text against a fixed vector table, so
// tests control similarity geometry exactly.
type mapEmbedder struct {
	vectors map[string][]float32
}

func (m *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := m.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector registered for %q", text)
	}
	return v, nil
}

func (m *mapEmbedder) ModelID() string { return "minilm-l6" }

// NewTestEngine wires a Redis-backed engine with the given vector table.
func NewTestEngine(t *testing.T, store *redisstore.Store, vectors map[string][]float32) *cache.Engine {
	t.Helper()

	engine, err := cache.NewEngine(store, &mapEmbedder{vectors: vectors}, nil, cache.Config{
		SimilarityThreshold: 0.85,
		ModelID:             "minilm-l6",
		Dimension:           3,
		DefaultTTL:          time.Hour,
		DynamicTTL:          time.Minute,
		NearExpiry:          30 * time.Second,
		TopKCached:          4,
		TopKReturned:        4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return engine
}

func testItems(ids ...string) []storage.ResultItem {
	items := make([]storage.ResultItem, 0, len(ids))
	for i, id := range ids {
		items = append(items, storage.ResultItem{
			ID:    id,
			Kind:  storage.ItemKindNode,
			Score: 1.0 - float64(i)*0.1,
		})
	}
	return items
}
