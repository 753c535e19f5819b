// Package groups holds the group registry: normalized group ids,
// their metadata, and last-activity bookkeeping. The registry owns
// group metadata in memory; the store is its durable mirror.
package groups

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGroupID is returned when a raw id normalizes to nothing
// usable as a routing key or folder name.
var ErrInvalidGroupID = errors.New("invalid group id")

// NormalizeGroupID canonicalizes a raw group identifier. The result is
// used as both the routing key and the on-disk folder name: lowercase,
// any character outside [a-z0-9_-] replaced with '-', runs of '-'
// collapsed, leading and trailing '-' trimmed. Empty, "." and ".."
// results are rejected.
func NormalizeGroupID(raw string) (string, error) {
	lower := strings.ToLower(raw)

	var b strings.Builder
	b.Grow(len(lower))
	prevDash := false
	for _, r := range lower {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}

	id := strings.Trim(b.String(), "-")
	if id == "" || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidGroupID, raw)
	}
	return id, nil
}
