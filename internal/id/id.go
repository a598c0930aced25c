package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random job identifier safe for use in object keys.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
