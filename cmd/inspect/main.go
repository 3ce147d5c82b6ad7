package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/objones25/mnemosyne/internal/storage/redis"
)

// inspect connects to a running cache store and reports its health and
// counters. Optional maintenance actions are driven by environment variables
// so the tool stays safe to run with no arguments:
//
//	REDIS_HOST / REDIS_PORT / REDIS_PASSWORD / REDIS_DB  connection
//	CACHE_TENANT          scope counters to one tenant
//	EVICT_OLDER_THAN      evict entries idle longer than this duration
//	INVALIDATE_REVISION   drop all results produced by this model revision
func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	cfg := redis.Config{
		Host:     envOr("REDIS_HOST", "localhost"),
		Port:     envOr("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envIntOr("REDIS_DB", 0),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := redis.NewStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("host", cfg.Host).Str("port", cfg.Port).Msg("failed to connect to cache store")
	}
	defer store.Close()

	fmt.Println("\nCache Store:")
	fmt.Println("------------")
	fmt.Printf("Backend: redis (%s:%s, db %d)\n", cfg.Host, cfg.Port, cfg.DB)
	if err := store.Health(ctx); err != nil {
		fmt.Printf("Health: unhealthy (%v)\n", err)
	} else {
		fmt.Println("Health: ok")
	}

	tenant := os.Getenv("CACHE_TENANT")
	counters, err := store.Counters(ctx, tenant)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read counters")
	}

	scope := "all tenants"
	if tenant != "" {
		scope = fmt.Sprintf("tenant %q", tenant)
	}
	fmt.Printf("\nCounters (%s):\n", scope)
	fmt.Println("--------------------")
	fmt.Printf("Cached queries: %d\n", counters.Queries)
	fmt.Printf("Total hits:     %d\n", counters.Hits)
	if counters.Hits > 0 {
		rate := float64(counters.Hits-counters.Queries) / float64(counters.Hits)
		fmt.Printf("Hit rate:       %.2f%%\n", rate*100)
	}

	if v := os.Getenv("EVICT_OLDER_THAN"); v != "" {
		age, err := time.ParseDuration(v)
		if err != nil {
			log.Fatal().Err(err).Str("value", v).Msg("invalid EVICT_OLDER_THAN duration")
		}
		cutoff := time.Now().Add(-age)
		n, err := store.EvictQueriesOlderThan(ctx, cutoff)
		if err != nil {
			log.Fatal().Err(err).Msg("eviction failed")
		}
		fmt.Printf("\nEvicted %d entries idle since %s\n", n, cutoff.Format(time.RFC3339))
	}

	if rev := os.Getenv("INVALIDATE_REVISION"); rev != "" {
		n, err := store.DeleteResultsByRevision(ctx, rev)
		if err != nil {
			log.Fatal().Err(err).Str("revision", rev).Msg("invalidation failed")
		}
		fmt.Printf("\nInvalidated %d results for model revision %q\n", n, rev)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
