package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

const defaultMemoSize = 4096

// Memoized wraps a Provider with an in-process LRU so that repeated
// embeddings of the same normalized text skip the provider call. Entries are
// keyed by model and content hash, so a wrapped provider can be swapped for
// one with a different model without poisoning.
type Memoized struct {
	provider Provider
	cache    *lru.Cache
}

// NewMemoized creates a memoizing wrapper around p. size <= 0 selects the
// default capacity.
func NewMemoized(p Provider, size int) (*Memoized, error) {
	if p == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if size <= 0 {
		size = defaultMemoSize
	}

	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &Memoized{
		provider: p,
		cache:    cache,
	}, nil
}

// Embed implements Provider.
func (m *Memoized) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	key := Key(m.provider.ModelID(), text)
	if cached, ok := m.cache.Get(key); ok {
		return cached.([]float32), nil
	}

	vector, err := m.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	m.cache.Add(key, vector)
	return vector, nil
}

// ModelID implements Provider.
func (m *Memoized) ModelID() string {
	return m.provider.ModelID()
}
