package embedding_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/mnemosyne/internal/embedding"
)

type countingProvider struct {
	model string
	calls int
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.calls++
	vec := make([]float32, 4)
	for i, r := range text {
		vec[i%4] += float32(r)
	}
	return vec, nil
}

func (p *countingProvider) ModelID() string { return p.model }

func TestMemoized(t *testing.T) {
	ctx := context.Background()

	t.Run("repeated text hits memo", func(t *testing.T) {
		p := &countingProvider{model: "test-model"}
		m, err := embedding.NewMemoized(p, 16)
		require.NoError(t, err)

		v1, err := m.Embed(ctx, "hello world")
		require.NoError(t, err)
		v2, err := m.Embed(ctx, "hello world")
		require.NoError(t, err)

		assert.Equal(t, v1, v2)
		assert.Equal(t, 1, p.calls)
	})

	t.Run("distinct text misses", func(t *testing.T) {
		p := &countingProvider{model: "test-model"}
		m, err := embedding.NewMemoized(p, 16)
		require.NoError(t, err)

		_, err = m.Embed(ctx, "first")
		require.NoError(t, err)
		_, err = m.Embed(ctx, "second")
		require.NoError(t, err)

		assert.Equal(t, 2, p.calls)
	})

	t.Run("empty text rejected", func(t *testing.T) {
		p := &countingProvider{model: "test-model"}
		m, err := embedding.NewMemoized(p, 16)
		require.NoError(t, err)

		_, err = m.Embed(ctx, "")
		assert.ErrorIs(t, err, embedding.ErrEmptyText)
		assert.Equal(t, 0, p.calls)
	})

	t.Run("nil provider rejected", func(t *testing.T) {
		_, err := embedding.NewMemoized(nil, 16)
		assert.Error(t, err)
	})
}

func TestKey(t *testing.T) {
	k1 := embedding.Key("MiniLM-L6", "hello")
	k2 := embedding.Key("minilm-l6", "hello")
	k3 := embedding.Key("minilm-l6", "world")

	// Model name casing does not change the key; content does.
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k2, k3)
}
