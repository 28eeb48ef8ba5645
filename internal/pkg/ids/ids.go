// Package ids generates the opaque time-sortable 128-bit identifiers used
// for every persisted entity. UUIDv7 embeds a millisecond timestamp in the
// high bits, so lexicographic order matches creation order.
package ids

import "github.com/google/uuid"

// New returns a fresh time-sortable identifier. Falls back to a random
// UUIDv4 in the unlikely event the system clock is unusable.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
