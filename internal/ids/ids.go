package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh opaque identifier.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewPrefixed returns an identifier of the form "<prefix>_<id>".
func NewPrefixed(prefix string) string {
	return prefix + "_" + New()
}
