// Package milvus implements the cache's backing store on Milvus, with the
// similarity search index-accelerated at the server. Queries and results live
// in separate collections keyed by the owner key, mirroring their independent
// lifecycles: touching a query never rewrites result fields, and refreshing a
// result never rewrites query fields, so neither operation can revert the
// other's concurrent write. A query whose result row was deleted is an orphan
// and is skipped during matching.
package milvus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/objones25/mnemosyne/internal/storage"
	"github.com/objones25/mnemosyne/internal/storage/monitor"
)

// Config holds the configuration for the Milvus store.
type Config struct {
	Host           string
	Port           int
	CollectionName string
	Dimension      int
	MaxRetries     int
	Timeout        time.Duration
}

const (
	defaultCollection = "semantic_cache"
	defaultDimension  = 384
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	retryBackoff      = 200 * time.Millisecond
	searchNProbe      = 10

	// matchCandidates bounds how many nearest queries a lookup inspects while
	// skipping orphans.
	matchCandidates = 16

	// Milvus requires a vector field per collection; the result collection
	// carries a minimal placeholder that is never searched or read back.
	placeholderDim = 2
)

func placeholderVector() []float32 {
	return []float32{0, 0}
}

// Store implements storage.Store on a pair of Milvus collections.
type Store struct {
	conn       client.Client
	queries    string
	results    string
	dimension  int
	maxRetries int
	timeout    time.Duration
	logger     zerolog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to Milvus and provisions the cache collections and their
// indexes when missing.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("port must be positive")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = defaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = defaultDimension
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := client.NewGrpcClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Milvus at %s: %w", addr, err)
	}

	s := &Store{
		conn:       conn,
		queries:    cfg.CollectionName + "_queries",
		results:    cfg.CollectionName + "_results",
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		logger:     log.With().Str("component", "milvus-store").Logger(),
	}

	if err := s.ensureCollections(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureCollections(ctx context.Context) error {
	querySchema := &entity.Schema{
		CollectionName: s.queries,
		Description:    "Semantic cache queries",
		Fields: []*entity.Field{
			{
				Name:       "owner_key",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "vector",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.dimension)},
			},
			{
				Name:       "tenant_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       "normalized_text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "4096"},
			},
			{
				Name:       "intent",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "8192"},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "last_hit_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "hit_count",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	resultSchema := &entity.Schema{
		CollectionName: s.results,
		Description:    "Semantic cache results",
		Fields: []*entity.Field{
			{
				Name:       "owner_key",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "vector",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", placeholderDim)},
			},
			{
				Name:       "items",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:       "model_revision",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:     "ttl_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "freshened_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := s.ensureCollection(ctx, querySchema, s.dimension); err != nil {
		return err
	}
	return s.ensureCollection(ctx, resultSchema, placeholderDim)
}

func (s *Store) ensureCollection(ctx context.Context, schema *entity.Schema, dim int) error {
	exists, err := s.conn.HasCollection(ctx, schema.CollectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		if err := s.conn.CreateCollection(ctx, schema, 2); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", schema.CollectionName, err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
		if err != nil {
			return fmt.Errorf("failed to create index definition: %w", err)
		}
		if err := s.conn.CreateIndex(ctx, schema.CollectionName, "vector", idx, false); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", schema.CollectionName, err)
		}

		s.logger.Info().Str("collection", schema.CollectionName).Int("dimension", dim).Msg("created cache collection")
	}

	if err := s.conn.LoadCollection(ctx, schema.CollectionName, false); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", schema.CollectionName, err)
	}
	return nil
}

func (s *Store) FindBestMatch(ctx context.Context, vector []float32, tenantID string, threshold float64) (*storage.Match, error) {
	monitor.StoreOperations.WithLabelValues("milvus", "find").Inc()
	start := time.Now()
	defer func() {
		monitor.LookupLatency.WithLabelValues("milvus").Observe(time.Since(start).Seconds())
	}()

	if len(vector) != s.dimension {
		return nil, fmt.Errorf("invalid vector dimension: got %d, want %d", len(vector), s.dimension)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(searchNProbe)
	if err != nil {
		return nil, fmt.Errorf("failed to create search parameters: %w", err)
	}

	expr := fmt.Sprintf(`tenant_id == "%s"`, escapeExpr(tenantID))

	var results []client.SearchResult
	err = s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.conn.Search(
			ctx,
			s.queries,
			nil,
			expr,
			queryFields,
			[]entity.Vector{entity.FloatVector(vector)},
			"vector",
			entity.COSINE,
			matchCandidates,
			sp,
		)
		if err != nil {
			return fmt.Errorf("search operation failed: %w", err)
		}
		results = res
		return nil
	})
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "find").Inc()
		return nil, err
	}

	if len(results) == 0 || results[0].ResultCount == 0 {
		return nil, nil
	}

	top := results[0]
	candidates := make([]*queryRow, 0, top.ResultCount)
	scores := make([]float64, 0, top.ResultCount)
	for i := 0; i < top.ResultCount; i++ {
		sim := float64(top.Scores[i])
		if sim < threshold {
			// Hits arrive best-first; everything past this point is below
			// threshold too.
			break
		}
		r, err := queryRowFromColumns(top.Fields, i)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, r)
		scores = append(scores, sim)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.ownerKey
	}
	resultsByKey, err := s.fetchResultRows(ctx, keys)
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "find").Inc()
		return nil, err
	}

	// The best-scoring candidate that still owns a result wins; the rest are
	// orphans awaiting eviction.
	for i, c := range candidates {
		rr, ok := resultsByKey[c.ownerKey]
		if !ok {
			continue
		}
		return &storage.Match{
			Query:      c.toQuery(),
			Result:     rr.toResult(),
			Similarity: scores[i],
		}, nil
	}
	return nil, nil
}

func (s *Store) Insert(ctx context.Context, query *storage.CachedQuery, result *storage.CachedResult) error {
	monitor.StoreOperations.WithLabelValues("milvus", "insert").Inc()

	if query == nil {
		return storage.ErrNilQuery
	}
	if result == nil {
		return storage.ErrNilResult
	}
	if query.Key == "" {
		return storage.ErrEmptyKey
	}
	if len(query.Vector) != s.dimension {
		return fmt.Errorf("invalid vector dimension: got %d, want %d", len(query.Vector), s.dimension)
	}

	qr, err := newQueryRow(query)
	if err != nil {
		return err
	}
	rr, err := newResultRow(query.Key, result)
	if err != nil {
		return err
	}

	// Result first: if the second write fails we are left with a dangling
	// result row that matching never reaches, not an orphan query that would
	// occupy a candidate slot during lookups.
	err = s.withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.conn.Insert(ctx, s.results, "", rr.columns()...); err != nil {
			return fmt.Errorf("insert operation failed: %w", err)
		}
		return nil
	})
	if err == nil {
		err = s.withRetry(ctx, func(ctx context.Context) error {
			if _, err := s.conn.Insert(ctx, s.queries, "", qr.columns(s.dimension)...); err != nil {
				return fmt.Errorf("insert operation failed: %w", err)
			}
			return nil
		})
	}
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "insert").Inc()
	}
	return err
}

func (s *Store) UpdateResult(ctx context.Context, ownerKey string, result *storage.CachedResult) error {
	monitor.StoreOperations.WithLabelValues("milvus", "update").Inc()

	if ownerKey == "" {
		return storage.ErrEmptyKey
	}
	if result == nil {
		return storage.ErrNilResult
	}

	rr, err := newResultRow(ownerKey, result)
	if err != nil {
		return err
	}

	// Upsert touches only the result collection, so a concurrent Touch on the
	// owning query cannot be reverted and cannot revert this write.
	err = s.withRetry(ctx, func(ctx context.Context) error {
		exists, err := s.ownerExists(ctx, ownerKey)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, ownerKey)
		}

		if _, err := s.conn.Upsert(ctx, s.results, "", rr.columns()...); err != nil {
			return fmt.Errorf("upsert operation failed: %w", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		monitor.StoreErrors.WithLabelValues("milvus", "update").Inc()
	}
	return err
}

func (s *Store) Touch(ctx context.Context, ownerKey string, at time.Time) error {
	monitor.StoreOperations.WithLabelValues("milvus", "touch").Inc()

	if ownerKey == "" {
		return storage.ErrEmptyKey
	}

	// Read-increment-upsert within the query collection only. Two concurrent
	// touches may collapse into one increment, but the counter never moves
	// backwards and result fields are never involved.
	err := s.withRetry(ctx, func(ctx context.Context) error {
		qr, err := s.fetchQueryRow(ctx, ownerKey)
		if err != nil {
			return err
		}

		qr.hitCount++
		qr.lastHitAt = at.UnixMilli()

		if _, err := s.conn.Upsert(ctx, s.queries, "", qr.columns(s.dimension)...); err != nil {
			return fmt.Errorf("upsert operation failed: %w", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		monitor.StoreErrors.WithLabelValues("milvus", "touch").Inc()
	}
	return err
}

func (s *Store) DeleteResultsByRevision(ctx context.Context, revision string) (int, error) {
	monitor.StoreOperations.WithLabelValues("milvus", "delete_by_revision").Inc()

	expr := fmt.Sprintf(`model_revision == "%s"`, escapeExpr(revision))

	keys, err := s.queryKeys(ctx, s.results, expr)
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "delete_by_revision").Inc()
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	// Deleting only the result rows orphans the owning queries, which keeps
	// their hit history countable until eviction reclaims them.
	err = s.withRetry(ctx, func(ctx context.Context) error {
		if err := s.conn.Delete(ctx, s.results, "", expr); err != nil {
			return fmt.Errorf("delete operation failed: %w", err)
		}
		return nil
	})
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "delete_by_revision").Inc()
		return 0, err
	}

	s.logger.Info().Str("revision", revision).Int("count", len(keys)).Msg("deleted results by model revision")
	return len(keys), nil
}

func (s *Store) EvictQueriesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	monitor.StoreOperations.WithLabelValues("milvus", "evict").Inc()

	expr := fmt.Sprintf("last_hit_at < %d", cutoff.UnixMilli())

	keys, err := s.queryKeys(ctx, s.queries, expr)
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "evict").Inc()
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	err = s.withRetry(ctx, func(ctx context.Context) error {
		if err := s.conn.Delete(ctx, s.queries, "", expr); err != nil {
			return fmt.Errorf("delete operation failed: %w", err)
		}
		if err := s.conn.Delete(ctx, s.results, "", inExpr("owner_key", keys)); err != nil {
			return fmt.Errorf("delete operation failed: %w", err)
		}
		return nil
	})
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "evict").Inc()
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) Counters(ctx context.Context, tenantID string) (storage.Counters, error) {
	monitor.StoreOperations.WithLabelValues("milvus", "counters").Inc()

	expr := `owner_key != ""`
	if tenantID != "" {
		expr = fmt.Sprintf(`tenant_id == "%s"`, escapeExpr(tenantID))
	}

	var counters storage.Counters
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.conn.Query(ctx, s.queries, nil, expr, []string{"hit_count"})
		if err != nil {
			return fmt.Errorf("query operation failed: %w", err)
		}

		counters = storage.Counters{}
		for _, col := range res {
			hits, ok := col.(*entity.ColumnInt64)
			if !ok || col.Name() != "hit_count" {
				continue
			}
			for _, h := range hits.Data() {
				counters.Queries++
				counters.Hits += h
			}
		}
		return nil
	})
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "counters").Inc()
		return storage.Counters{}, err
	}
	return counters, nil
}

func (s *Store) Clear(ctx context.Context) error {
	monitor.StoreOperations.WithLabelValues("milvus", "clear").Inc()

	err := s.withRetry(ctx, func(ctx context.Context) error {
		if err := s.conn.Delete(ctx, s.queries, "", `owner_key != ""`); err != nil {
			return fmt.Errorf("delete operation failed: %w", err)
		}
		if err := s.conn.Delete(ctx, s.results, "", `owner_key != ""`); err != nil {
			return fmt.Errorf("delete operation failed: %w", err)
		}
		return nil
	})
	if err != nil {
		monitor.StoreErrors.WithLabelValues("milvus", "clear").Inc()
	}
	return err
}

func (s *Store) Health(ctx context.Context) error {
	_, err := s.conn.HasCollection(ctx, s.queries)
	return err
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// fetchQueryRow loads a single query row by primary key.
func (s *Store) fetchQueryRow(ctx context.Context, ownerKey string) (*queryRow, error) {
	expr := fmt.Sprintf(`owner_key == "%s"`, escapeExpr(ownerKey))
	res, err := s.conn.Query(ctx, s.queries, nil, expr, queryFields)
	if err != nil {
		return nil, fmt.Errorf("query operation failed: %w", err)
	}
	if rowCount(res) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, ownerKey)
	}
	return queryRowFromColumns(res, 0)
}

// fetchResultRows batch-loads result rows for a candidate key set.
func (s *Store) fetchResultRows(ctx context.Context, keys []string) (map[string]*resultRow, error) {
	var rows map[string]*resultRow
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.conn.Query(ctx, s.results, nil, inExpr("owner_key", keys), resultFields)
		if err != nil {
			return fmt.Errorf("query operation failed: %w", err)
		}

		n := rowCount(res)
		rows = make(map[string]*resultRow, n)
		for i := 0; i < n; i++ {
			r, err := resultRowFromColumns(res, i)
			if err != nil {
				return err
			}
			rows[r.ownerKey] = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) ownerExists(ctx context.Context, ownerKey string) (bool, error) {
	expr := fmt.Sprintf(`owner_key == "%s"`, escapeExpr(ownerKey))
	res, err := s.conn.Query(ctx, s.queries, nil, expr, []string{"owner_key"})
	if err != nil {
		return false, fmt.Errorf("query operation failed: %w", err)
	}
	return rowCount(res) > 0, nil
}

func (s *Store) queryKeys(ctx context.Context, collection, expr string) ([]string, error) {
	var keys []string
	err := s.withRetry(ctx, func(ctx context.Context) error {
		res, err := s.conn.Query(ctx, collection, nil, expr, []string{"owner_key"})
		if err != nil {
			return fmt.Errorf("query operation failed: %w", err)
		}

		keys = keys[:0]
		for _, col := range res {
			c, ok := col.(*entity.ColumnVarChar)
			if !ok || col.Name() != "owner_key" {
				continue
			}
			keys = append(keys, c.Data()...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func rowCount(cols []entity.Column) int {
	for _, col := range cols {
		if col.Name() == "owner_key" {
			return col.Len()
		}
	}
	return 0
}

// withRetry runs op with bounded retries and a per-attempt timeout. Context
// cancellation stops further attempts immediately.
func (s *Store) withRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("store operation failed, retrying")
	}
	return fmt.Errorf("operation failed after %d attempts: %w", s.maxRetries, lastErr)
}

// escapeExpr sanitizes string literals interpolated into Milvus boolean
// expressions.
func escapeExpr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

// inExpr builds a membership predicate over string values.
func inExpr(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + escapeExpr(v) + `"`
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}
