// Package idgen generates random identifiers for locally created records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random v4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars (e.g. "spj_", "omni_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
