package storage

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	assert.Regexp(t, `^cq_[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12}$`, key)
}

func TestNewKeyUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		key, err := NewKey()
		require.NoError(t, err)
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

// Keys sort by creation time, which keeps range scans over them roughly
// chronological.
func TestNewKeyTimeOrdered(t *testing.T) {
	keys := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		key, err := NewKey()
		require.NoError(t, err)
		keys = append(keys, key)
	}
	assert.True(t, sort.StringsAreSorted(keys))
}
