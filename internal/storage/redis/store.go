// Package redis implements the cache's backing store on Redis. Entries live
// in hashes so hit counters update atomically at the server; similarity
// matching is a linear scan with engine-side cosine, which keeps the store
// correct without any vector index.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/objones25/mnemosyne/internal/similarity"
	"github.com/objones25/mnemosyne/internal/storage"
	"github.com/objones25/mnemosyne/internal/storage/monitor"
)

const (
	queryKeyPrefix  = "cq:"
	resultKeyPrefix = "cr:"
	allIndexKey     = "idx:all"
	tenantIndexFmt  = "idx:tenant:%s"
	tenantsKey      = "idx:tenants"

	defaultPoolSize     = 10
	defaultMinIdleConns = 5
	defaultMaxRetries   = 3
	scanChunkSize       = 128
)

// Config holds Redis connection settings.
type Config struct {
	Host         string
	Port         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// Store implements storage.Store on Redis.
type Store struct {
	client *goredis.Client
	logger zerolog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("port cannot be empty")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MinIdleConns <= 0 {
		cfg.MinIdleConns = defaultMinIdleConns
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Host + ":" + cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client: client,
		logger: log.With().Str("component", "redis-store").Logger(),
	}, nil
}

func (s *Store) FindBestMatch(ctx context.Context, vector []float32, tenantID string, threshold float64) (*storage.Match, error) {
	monitor.StoreOperations.WithLabelValues("redis", "find").Inc()
	start := time.Now()
	defer func() {
		monitor.LookupLatency.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	keys, err := s.client.SMembers(ctx, tenantIndexKey(tenantID)).Result()
	if err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "find").Inc()
		return nil, fmt.Errorf("failed to list tenant entries: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var (
		mu   sync.Mutex
		best *storage.Match
	)

	g, gctx := errgroup.WithContext(ctx)
	for chunkStart := 0; chunkStart < len(keys); chunkStart += scanChunkSize {
		chunk := keys[chunkStart:min(chunkStart+scanChunkSize, len(keys))]
		g.Go(func() error {
			candidate, err := s.bestInChunk(gctx, chunk, vector, threshold)
			if err != nil {
				return err
			}
			if candidate == nil {
				return nil
			}

			mu.Lock()
			if best == nil || candidate.Similarity > best.Similarity {
				best = candidate
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "find").Inc()
		return nil, err
	}
	return best, nil
}

// bestInChunk fetches a chunk of entries in one pipeline round trip and
// returns the best qualifying match within it.
func (s *Store) bestInChunk(ctx context.Context, keys []string, vector []float32, threshold float64) (*storage.Match, error) {
	pipe := s.client.Pipeline()
	queryCmds := make([]*goredis.StringStringMapCmd, len(keys))
	resultCmds := make([]*goredis.StringStringMapCmd, len(keys))
	for i, key := range keys {
		queryCmds[i] = pipe.HGetAll(ctx, queryKeyPrefix+key)
		resultCmds[i] = pipe.HGetAll(ctx, resultKeyPrefix+key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch entries: %w", err)
	}

	var best *storage.Match
	for i := range keys {
		queryHash := queryCmds[i].Val()
		resultHash := resultCmds[i].Val()
		if len(queryHash) == 0 || len(resultHash) == 0 {
			// Missing query (stale index member) or orphaned entry.
			continue
		}

		query, err := queryFromHash(queryHash)
		if err != nil {
			return nil, err
		}

		sim, err := similarity.Cosine(vector, query.Vector)
		if err != nil {
			return nil, err
		}
		if sim < threshold {
			continue
		}
		if best != nil && sim <= best.Similarity {
			continue
		}

		result, err := resultFromHash(resultHash)
		if err != nil {
			return nil, err
		}
		best = &storage.Match{Query: query, Result: result, Similarity: sim}
	}

	return best, nil
}

func (s *Store) Insert(ctx context.Context, query *storage.CachedQuery, result *storage.CachedResult) error {
	monitor.StoreOperations.WithLabelValues("redis", "insert").Inc()

	if query == nil {
		return storage.ErrNilQuery
	}
	if result == nil {
		return storage.ErrNilResult
	}
	if query.Key == "" {
		return storage.ErrEmptyKey
	}

	queryFields, err := queryToFields(query)
	if err != nil {
		return err
	}
	resultFields, err := resultToFields(result)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, queryKeyPrefix+query.Key, queryFields)
	pipe.HSet(ctx, resultKeyPrefix+query.Key, resultFields)
	pipe.SAdd(ctx, tenantIndexKey(query.TenantID), query.Key)
	pipe.SAdd(ctx, allIndexKey, query.Key)
	pipe.SAdd(ctx, tenantsKey, query.TenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "insert").Inc()
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func (s *Store) UpdateResult(ctx context.Context, ownerKey string, result *storage.CachedResult) error {
	monitor.StoreOperations.WithLabelValues("redis", "update").Inc()

	if ownerKey == "" {
		return storage.ErrEmptyKey
	}
	if result == nil {
		return storage.ErrNilResult
	}

	exists, err := s.client.Exists(ctx, queryKeyPrefix+ownerKey).Result()
	if err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "update").Inc()
		return fmt.Errorf("failed to check entry: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, ownerKey)
	}

	updated := *result
	updated.OwnerKey = ownerKey
	fields, err := resultToFields(&updated)
	if err != nil {
		return err
	}

	// HSET replaces all result fields server-side in one command, so a
	// concurrent refresh cannot observe a half-written result.
	if err := s.client.HSet(ctx, resultKeyPrefix+ownerKey, fields).Err(); err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "update").Inc()
		return fmt.Errorf("failed to update result: %w", err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, ownerKey string, at time.Time) error {
	monitor.StoreOperations.WithLabelValues("redis", "touch").Inc()

	if ownerKey == "" {
		return storage.ErrEmptyKey
	}

	exists, err := s.client.Exists(ctx, queryKeyPrefix+ownerKey).Result()
	if err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "touch").Inc()
		return fmt.Errorf("failed to check entry: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, ownerKey)
	}

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, queryKeyPrefix+ownerKey, "hit_count", 1)
	pipe.HSet(ctx, queryKeyPrefix+ownerKey, "last_hit_at", at.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		monitor.StoreErrors.WithLabelValues("redis", "touch").Inc()
		return fmt.Errorf("failed to touch entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteResultsByRevision(ctx context.Context, revision string) (int, error) {
	monitor.StoreOperations.WithLabelValues("redis", "delete_by_revision").Inc()

	keys, err := s.client.SMembers(ctx, allIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list entries: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	revCmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		revCmds[i] = pipe.HGet(ctx, resultKeyPrefix+key, "model_revision")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return 0, fmt.Errorf("failed to read revisions: %w", err)
	}

	var doomed []string
	for i, cmd := range revCmds {
		if cmd.Err() == nil && cmd.Val() == revision {
			doomed = append(doomed, keys[i])
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	// Delete result hashes only; owning queries stay behind as orphans.
	delPipe := s.client.Pipeline()
	for _, key := range doomed {
		delPipe.Del(ctx, resultKeyPrefix+key)
	}
	if _, err := delPipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}

	s.logger.Info().Str("revision", revision).Int("count", len(doomed)).Msg("deleted results by model revision")
	return len(doomed), nil
}

func (s *Store) EvictQueriesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	monitor.StoreOperations.WithLabelValues("redis", "evict").Inc()

	keys, err := s.client.SMembers(ctx, allIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list entries: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	metaCmds := make([]*goredis.SliceCmd, len(keys))
	for i, key := range keys {
		metaCmds[i] = pipe.HMGet(ctx, queryKeyPrefix+key, "last_hit_at", "tenant")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return 0, fmt.Errorf("failed to read entry metadata: %w", err)
	}

	cutoffMs := cutoff.UnixMilli()
	delPipe := s.client.Pipeline()
	count := 0
	for i, cmd := range metaCmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[0] == nil {
			continue
		}
		lastHit, err := strconv.ParseInt(vals[0].(string), 10, 64)
		if err != nil {
			continue
		}
		if lastHit >= cutoffMs {
			continue
		}

		tenant := ""
		if vals[1] != nil {
			tenant = vals[1].(string)
		}

		key := keys[i]
		delPipe.Del(ctx, queryKeyPrefix+key)
		delPipe.Del(ctx, resultKeyPrefix+key)
		delPipe.SRem(ctx, tenantIndexKey(tenant), key)
		delPipe.SRem(ctx, allIndexKey, key)
		count++
	}
	if count == 0 {
		return 0, nil
	}
	if _, err := delPipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to evict entries: %w", err)
	}
	return count, nil
}

func (s *Store) Counters(ctx context.Context, tenantID string) (storage.Counters, error) {
	monitor.StoreOperations.WithLabelValues("redis", "counters").Inc()

	indexKey := allIndexKey
	if tenantID != "" {
		indexKey = tenantIndexKey(tenantID)
	}

	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return storage.Counters{}, fmt.Errorf("failed to list entries: %w", err)
	}
	if len(keys) == 0 {
		return storage.Counters{}, nil
	}

	pipe := s.client.Pipeline()
	hitCmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		hitCmds[i] = pipe.HGet(ctx, queryKeyPrefix+key, "hit_count")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return storage.Counters{}, fmt.Errorf("failed to read hit counts: %w", err)
	}

	var c storage.Counters
	for _, cmd := range hitCmds {
		if cmd.Err() != nil {
			continue
		}
		hits, err := strconv.ParseInt(cmd.Val(), 10, 64)
		if err != nil {
			continue
		}
		c.Queries++
		c.Hits += hits
	}
	return c, nil
}

func (s *Store) Clear(ctx context.Context) error {
	monitor.StoreOperations.WithLabelValues("redis", "clear").Inc()

	keys, err := s.client.SMembers(ctx, allIndexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}
	tenants, err := s.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Del(ctx, queryKeyPrefix+key)
		pipe.Del(ctx, resultKeyPrefix+key)
	}
	for _, tenant := range tenants {
		pipe.Del(ctx, tenantIndexKey(tenant))
	}
	pipe.Del(ctx, allIndexKey)
	pipe.Del(ctx, tenantsKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func tenantIndexKey(tenantID string) string {
	return fmt.Sprintf(tenantIndexFmt, tenantID)
}
