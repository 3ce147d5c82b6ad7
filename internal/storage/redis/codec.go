package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/objones25/mnemosyne/internal/storage"
)

// Hash field layout. Timestamps are epoch milliseconds; vectors, intents and
// item lists are JSON. hit_count is a plain integer so HINCRBY works on it.

func queryToFields(q *storage.CachedQuery) (map[string]interface{}, error) {
	vector, err := json.Marshal(q.Vector)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vector: %w", err)
	}
	it, err := json.Marshal(q.Intent)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal intent: %w", err)
	}

	return map[string]interface{}{
		"key":         q.Key,
		"text":        q.NormalizedText,
		"vector":      vector,
		"intent":      it,
		"tenant":      q.TenantID,
		"created_at":  q.CreatedAt.UnixMilli(),
		"last_hit_at": q.LastHitAt.UnixMilli(),
		"hit_count":   q.HitCount,
	}, nil
}

func queryFromHash(hash map[string]string) (*storage.CachedQuery, error) {
	q := &storage.CachedQuery{
		Key:            hash["key"],
		NormalizedText: hash["text"],
		TenantID:       hash["tenant"],
	}

	if err := json.Unmarshal([]byte(hash["vector"]), &q.Vector); err != nil {
		return nil, fmt.Errorf("failed to unmarshal vector: %w", err)
	}
	if raw, ok := hash["intent"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
		}
	}

	var err error
	if q.CreatedAt, err = parseMillis(hash["created_at"]); err != nil {
		return nil, err
	}
	if q.LastHitAt, err = parseMillis(hash["last_hit_at"]); err != nil {
		return nil, err
	}
	if q.HitCount, err = strconv.ParseInt(hash["hit_count"], 10, 64); err != nil {
		return nil, fmt.Errorf("failed to parse hit count: %w", err)
	}

	return q, nil
}

func resultToFields(r *storage.CachedResult) (map[string]interface{}, error) {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal items: %w", err)
	}

	freshened := int64(0)
	if !r.FreshenedAt.IsZero() {
		freshened = r.FreshenedAt.UnixMilli()
	}

	return map[string]interface{}{
		"owner":          r.OwnerKey,
		"items":          items,
		"model_revision": r.ModelRevision,
		"ttl_at":         r.TTLAt.UnixMilli(),
		"freshened_at":   freshened,
	}, nil
}

func resultFromHash(hash map[string]string) (*storage.CachedResult, error) {
	r := &storage.CachedResult{
		OwnerKey:      hash["owner"],
		ModelRevision: hash["model_revision"],
	}

	if err := json.Unmarshal([]byte(hash["items"]), &r.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items: %w", err)
	}

	var err error
	if r.TTLAt, err = parseMillis(hash["ttl_at"]); err != nil {
		return nil, err
	}

	if raw := hash["freshened_at"]; raw != "" && raw != "0" {
		if r.FreshenedAt, err = parseMillis(raw); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}
