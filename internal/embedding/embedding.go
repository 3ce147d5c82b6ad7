// Package embedding defines the contract for embedding providers and an
// in-process memoization layer. Model inference itself lives behind the
// Provider interface and is supplied by the caller.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyText is returned when an empty string is submitted for
	// embedding.
	ErrEmptyText = errors.New("text cannot be empty")
)

// Provider generates embedding vectors for text. Implementations must be
// deterministic: repeated calls on identical text must yield vectors whose
// cosine similarity with themselves is 1 within floating tolerance.
type Provider interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// ModelID identifies the embedding model; it participates in the cache's
	// model revision fingerprint.
	ModelID() string
}

// Key builds a stable cache key for a (model, content) pair.
func Key(model, content string) string {
	hasher := sha256.New()
	hasher.Write([]byte(content))
	return fmt.Sprintf("emb:%s:%s", strings.ToLower(model), hex.EncodeToString(hasher.Sum(nil)))
}
