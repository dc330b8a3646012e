package util

import (
	"strings"

	"github.com/google/uuid"
)

const shortIDLength = 8

// ShortID returns a compact random identifier suitable for tunnel ids
// and public URL path segments.
func ShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:shortIDLength]
}
