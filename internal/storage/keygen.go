package storage

import (
	"fmt"

	"github.com/google/uuid"
)

const keyPrefix = "cq"

// NewKey generates an opaque entry key. Keys are UUIDv7, so they sort
// roughly by creation time and are collision-resistant across processes.
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return fmt.Sprintf("%s_%s", keyPrefix, id.String()), nil
}
