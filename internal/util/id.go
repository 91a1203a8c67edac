package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a globally unique client-side id. The backend stores
// client-chosen primary keys as given, so ids never need reconciling.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
