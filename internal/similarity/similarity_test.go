package similarity_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/mnemosyne/internal/similarity"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name    string
		a       []float32
		b       []float32
		want    float64
		wantErr error
	}{
		{
			name: "identical vectors",
			a:    []float32{1, 0, 0, 0},
			b:    []float32{1, 0, 0, 0},
			want: 1.0,
		},
		{
			name: "identical direction different magnitude",
			a:    []float32{1, 2, 3},
			b:    []float32{2, 4, 6},
			want: 1.0,
		},
		{
			name: "orthogonal vectors",
			a:    []float32{1, 0, 0, 0},
			b:    []float32{0, 1, 0, 0},
			want: 0.0,
		},
		{
			name: "opposite vectors",
			a:    []float32{1, 0},
			b:    []float32{-1, 0},
			want: -1.0,
		},
		{
			name: "zero vector scores zero",
			a:    []float32{0, 0, 0},
			b:    []float32{1, 2, 3},
			want: 0.0,
		},
		{
			name:    "mismatched dimensions",
			a:       []float32{1, 0},
			b:       []float32{1, 0, 0},
			wantErr: similarity.ErrDimensionMismatch,
		},
		{
			name:    "empty vectors",
			a:       []float32{},
			b:       []float32{},
			wantErr: similarity.ErrEmptyVector,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := similarity.Cosine(tt.a, tt.b)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestCosineSelfSimilarity(t *testing.T) {
	// Any non-zero vector compared with itself must score 1 within floating
	// tolerance.
	vectors := [][]float32{
		{0.1, 0.2, 0.3, 0.4},
		{-1, 2, -3, 4},
		{1e-3, 1e-3, 1e-3},
	}

	for _, v := range vectors {
		got, err := similarity.Cosine(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got, 1e-6)
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := similarity.Normalize(v)

	var norm float64
	for _, x := range n {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	// Input untouched.
	assert.Equal(t, []float32{3, 4}, v)

	// Zero vector passes through.
	assert.Equal(t, []float32{0, 0}, similarity.Normalize([]float32{0, 0}))
}
