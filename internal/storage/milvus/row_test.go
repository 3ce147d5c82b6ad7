package milvus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/mnemosyne/internal/storage"
)

func TestQueryRowRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	query := &storage.CachedQuery{
		Key:            "cq_abc",
		NormalizedText: "price of iphone 15",
		Vector:         []float32{0.1, 0.2, 0.3},
		Intent: storage.Intent{
			Entities: []string{"iphone", "15"},
			Facets:   []string{"pricing"},
			Timebox:  "latest",
		},
		TenantID:  "acme",
		CreatedAt: now,
		LastHitAt: now.Add(time.Minute),
		HitCount:  7,
	}

	r, err := newQueryRow(query)
	require.NoError(t, err)

	decoded, err := queryRowFromColumns(r.columns(3), 0)
	require.NoError(t, err)
	assert.Equal(t, query, decoded.toQuery())
}

func TestResultRowRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	result := &storage.CachedResult{
		OwnerKey: "cq_abc",
		Items: []storage.ResultItem{
			{ID: "n1", Kind: storage.ItemKindNode, Score: 0.9},
			{ID: "e1", Kind: storage.ItemKindEdge, Score: 0.5},
		},
		ModelRevision: "minilm-l6+ce-reranker",
		TTLAt:         now.Add(time.Hour),
		FreshenedAt:   now,
	}

	r, err := newResultRow("cq_abc", result)
	require.NoError(t, err)

	decoded, err := resultRowFromColumns(r.columns(), 0)
	require.NoError(t, err)
	assert.Equal(t, result, decoded.toResult())
}

func TestResultRowZeroFreshenedAt(t *testing.T) {
	result := &storage.CachedResult{
		OwnerKey:      "cq_abc",
		Items:         []storage.ResultItem{{ID: "n1", Kind: storage.ItemKindNode, Score: 1}},
		ModelRevision: "minilm-l6",
		TTLAt:         time.Now().Truncate(time.Millisecond).Add(time.Hour),
	}

	r, err := newResultRow("cq_abc", result)
	require.NoError(t, err)
	assert.Zero(t, r.freshenedAt)

	decoded, err := resultRowFromColumns(r.columns(), 0)
	require.NoError(t, err)

	// A never-refreshed entry must decode back to a zero time, not the epoch.
	assert.True(t, decoded.toResult().FreshenedAt.IsZero())
}

func TestResultRowEmptyItems(t *testing.T) {
	result := &storage.CachedResult{
		OwnerKey:      "cq_abc",
		ModelRevision: "minilm-l6",
		TTLAt:         time.Now().Truncate(time.Millisecond),
	}

	r, err := newResultRow("cq_abc", result)
	require.NoError(t, err)

	decoded, err := resultRowFromColumns(r.columns(), 0)
	require.NoError(t, err)
	assert.Empty(t, decoded.toResult().Items)
}

func TestQueryRowEmptyIntent(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	query := &storage.CachedQuery{
		Key:            "cq_plain",
		NormalizedText: "hello world",
		Vector:         []float32{1, 0},
		TenantID:       "",
		CreatedAt:      now,
		LastHitAt:      now,
		HitCount:       1,
	}

	r, err := newQueryRow(query)
	require.NoError(t, err)

	decoded, err := queryRowFromColumns(r.columns(2), 0)
	require.NoError(t, err)
	assert.Equal(t, query, decoded.toQuery())
}

func TestRowMissingOwnerKey(t *testing.T) {
	_, err := queryRowFromColumns(nil, 0)
	assert.Error(t, err)

	_, err = resultRowFromColumns(nil, 0)
	assert.Error(t, err)
}

func TestEscapeExpr(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "acme", "acme"},
		{"embedded quote", `ac"me`, `ac\"me`},
		{"backslash", `ac\me`, `ac\\me`},
		{"quote after backslash", `ac\"me`, `ac\\\"me`},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeExpr(tt.input))
		})
	}
}

func TestInExpr(t *testing.T) {
	assert.Equal(t, `owner_key in ["a", "b"]`, inExpr("owner_key", []string{"a", "b"}))
	assert.Equal(t, `owner_key in ["a\"b"]`, inExpr("owner_key", []string{`a"b`}))
	assert.Equal(t, `owner_key in []`, inExpr("owner_key", nil))
}
