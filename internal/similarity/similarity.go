// Package similarity provides the vector comparison used to decide whether
// two queries share a semantic key.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyVector is returned when either input vector has no components.
	ErrEmptyVector = errors.New("input vectors must not be empty")

	// ErrDimensionMismatch is returned when the two vectors differ in length.
	// Mismatched vectors are never silently coerced or padded.
	ErrDimensionMismatch = errors.New("input vectors must have the same dimension")
)

// Cosine computes the cosine similarity between two vectors. The result is in
// [-1, 1]; identical directions score 1. Zero-magnitude vectors score 0
// against everything.
func Cosine(a, b []float32) (float64, error) {
	if err := validate(a, b); err != nil {
		return 0, err
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Normalize returns a unit-length copy of vec. Zero vectors are returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}

func validate(a, b []float32) error {
	if len(a) == 0 || len(b) == 0 {
		return ErrEmptyVector
	}
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	return nil
}
