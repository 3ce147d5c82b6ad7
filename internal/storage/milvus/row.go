package milvus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/objones25/mnemosyne/internal/storage"
)

// queryFields lists the query collection's output fields in the order
// queryRow.columns emits them.
var queryFields = []string{
	"owner_key",
	"vector",
	"tenant_id",
	"normalized_text",
	"intent",
	"created_at",
	"last_hit_at",
	"hit_count",
}

// resultFields lists the result collection's output fields. The placeholder
// vector exists only because Milvus requires one per collection; it is never
// read back.
var resultFields = []string{
	"owner_key",
	"items",
	"model_revision",
	"ttl_at",
	"freshened_at",
}

// queryRow is the collection representation of a cached query.
type queryRow struct {
	ownerKey       string
	vector         []float32
	tenantID       string
	normalizedText string
	intent         string
	createdAt      int64
	lastHitAt      int64
	hitCount       int64
}

// resultRow is the collection representation of a cached result, keyed by the
// owning query.
type resultRow struct {
	ownerKey      string
	items         string
	modelRevision string
	ttlAt         int64
	freshenedAt   int64
}

func newQueryRow(query *storage.CachedQuery) (*queryRow, error) {
	intentJSON, err := json.Marshal(query.Intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent: %w", err)
	}

	return &queryRow{
		ownerKey:       query.Key,
		vector:         query.Vector,
		tenantID:       query.TenantID,
		normalizedText: query.NormalizedText,
		intent:         string(intentJSON),
		createdAt:      query.CreatedAt.UnixMilli(),
		lastHitAt:      query.LastHitAt.UnixMilli(),
		hitCount:       query.HitCount,
	}, nil
}

func newResultRow(ownerKey string, result *storage.CachedResult) (*resultRow, error) {
	itemsJSON, err := json.Marshal(result.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result items: %w", err)
	}

	r := &resultRow{
		ownerKey:      ownerKey,
		items:         string(itemsJSON),
		modelRevision: result.ModelRevision,
		ttlAt:         result.TTLAt.UnixMilli(),
	}
	if !result.FreshenedAt.IsZero() {
		r.freshenedAt = result.FreshenedAt.UnixMilli()
	}
	return r, nil
}

func (r *queryRow) columns(dim int) []entity.Column {
	return []entity.Column{
		entity.NewColumnVarChar("owner_key", []string{r.ownerKey}),
		entity.NewColumnFloatVector("vector", dim, [][]float32{r.vector}),
		entity.NewColumnVarChar("tenant_id", []string{r.tenantID}),
		entity.NewColumnVarChar("normalized_text", []string{r.normalizedText}),
		entity.NewColumnVarChar("intent", []string{r.intent}),
		entity.NewColumnInt64("created_at", []int64{r.createdAt}),
		entity.NewColumnInt64("last_hit_at", []int64{r.lastHitAt}),
		entity.NewColumnInt64("hit_count", []int64{r.hitCount}),
	}
}

func (r *resultRow) columns() []entity.Column {
	return []entity.Column{
		entity.NewColumnVarChar("owner_key", []string{r.ownerKey}),
		entity.NewColumnFloatVector("vector", placeholderDim, [][]float32{placeholderVector()}),
		entity.NewColumnVarChar("items", []string{r.items}),
		entity.NewColumnVarChar("model_revision", []string{r.modelRevision}),
		entity.NewColumnInt64("ttl_at", []int64{r.ttlAt}),
		entity.NewColumnInt64("freshened_at", []int64{r.freshenedAt}),
	}
}

func (r *queryRow) toQuery() *storage.CachedQuery {
	var intent storage.Intent
	if r.intent != "" {
		// Intent was written by us; a decode failure would mean collection
		// corruption, in which case an empty intent is the safe fallback.
		_ = json.Unmarshal([]byte(r.intent), &intent)
	}

	return &storage.CachedQuery{
		Key:            r.ownerKey,
		NormalizedText: r.normalizedText,
		Vector:         r.vector,
		Intent:         intent,
		TenantID:       r.tenantID,
		CreatedAt:      time.UnixMilli(r.createdAt),
		LastHitAt:      time.UnixMilli(r.lastHitAt),
		HitCount:       r.hitCount,
	}
}

func (r *resultRow) toResult() *storage.CachedResult {
	var items []storage.ResultItem
	if r.items != "" {
		_ = json.Unmarshal([]byte(r.items), &items)
	}

	result := &storage.CachedResult{
		OwnerKey:      r.ownerKey,
		Items:         items,
		ModelRevision: r.modelRevision,
		TTLAt:         time.UnixMilli(r.ttlAt),
	}
	if r.freshenedAt != 0 {
		result.FreshenedAt = time.UnixMilli(r.freshenedAt)
	}
	return result
}

// queryRowFromColumns extracts query row i from a column-oriented result set.
func queryRowFromColumns(cols []entity.Column, i int) (*queryRow, error) {
	r := &queryRow{}
	for _, col := range cols {
		var err error
		switch col.Name() {
		case "owner_key":
			r.ownerKey, err = columnString(col, i)
		case "vector":
			r.vector, err = columnVector(col, i)
		case "tenant_id":
			r.tenantID, err = columnString(col, i)
		case "normalized_text":
			r.normalizedText, err = columnString(col, i)
		case "intent":
			r.intent, err = columnString(col, i)
		case "created_at":
			r.createdAt, err = columnInt64(col, i)
		case "last_hit_at":
			r.lastHitAt, err = columnInt64(col, i)
		case "hit_count":
			r.hitCount, err = columnInt64(col, i)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read column %s: %w", col.Name(), err)
		}
	}
	if r.ownerKey == "" {
		return nil, fmt.Errorf("query row %d missing owner_key", i)
	}
	return r, nil
}

// resultRowFromColumns extracts result row i from a column-oriented result set.
func resultRowFromColumns(cols []entity.Column, i int) (*resultRow, error) {
	r := &resultRow{}
	for _, col := range cols {
		var err error
		switch col.Name() {
		case "owner_key":
			r.ownerKey, err = columnString(col, i)
		case "items":
			r.items, err = columnString(col, i)
		case "model_revision":
			r.modelRevision, err = columnString(col, i)
		case "ttl_at":
			r.ttlAt, err = columnInt64(col, i)
		case "freshened_at":
			r.freshenedAt, err = columnInt64(col, i)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read column %s: %w", col.Name(), err)
		}
	}
	if r.ownerKey == "" {
		return nil, fmt.Errorf("result row %d missing owner_key", i)
	}
	return r, nil
}

func columnString(col entity.Column, i int) (string, error) {
	c, ok := col.(*entity.ColumnVarChar)
	if !ok {
		return "", fmt.Errorf("unexpected column type %T", col)
	}
	return c.Data()[i], nil
}

func columnInt64(col entity.Column, i int) (int64, error) {
	c, ok := col.(*entity.ColumnInt64)
	if !ok {
		return 0, fmt.Errorf("unexpected column type %T", col)
	}
	return c.Data()[i], nil
}

func columnVector(col entity.Column, i int) ([]float32, error) {
	c, ok := col.(*entity.ColumnFloatVector)
	if !ok {
		return nil, fmt.Errorf("unexpected column type %T", col)
	}
	return c.Data()[i], nil
}
