// Package util holds small helpers shared across packages.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns "<prefix>_<32 hex>" built from a version 7 UUID, so IDs
// minted later sort after earlier ones. An empty prefix yields bare hex.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
