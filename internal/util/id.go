package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ShortID returns a short random identifier suitable for naming builders,
// utility shells, and annotation viewers. It takes the trailing entropy
// characters of a ULID, so IDs generated in the same millisecond still differ.
func ShortID() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-6:])
}
