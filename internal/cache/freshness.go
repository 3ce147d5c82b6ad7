package cache

import (
	"time"

	"github.com/objones25/mnemosyne/internal/storage"
)

// volatileFacets are intent tags indicating content that goes stale quickly.
// Any of them clamps the TTL to the dynamic preset.
var volatileFacets = map[string]struct{}{
	"pricing":      {},
	"reviews":      {},
	"availability": {},
	"recency":      {},
	"news":         {},
	"stock":        {},
}

// ComputeTTL returns the absolute expiry for an entry with the given intent.
// Rules, applied independently with the most conservative winning:
//   - a detected timebox overrides the base TTL with the dynamic preset
//   - any volatile facet clamps the TTL to min(current, dynamic)
func ComputeTTL(it storage.Intent, base, dynamic time.Duration, now time.Time) time.Time {
	ttl := base

	if it.Timebox != "" {
		ttl = dynamic
	}

	for _, facet := range it.Facets {
		if _, volatile := volatileFacets[facet]; volatile {
			if dynamic < ttl {
				ttl = dynamic
			}
			break
		}
	}

	return now.Add(ttl)
}

// IsValid reports whether a cached result may be served as a hit: its model
// revision must equal the engine's current revision and its TTL must be
// strictly in the future. A revision mismatch invalidates even an unexpired
// entry.
func IsValid(result *storage.CachedResult, revision string, now time.Time) bool {
	if result == nil {
		return false
	}
	return result.ModelRevision == revision && result.TTLAt.After(now)
}
