// Package ids generates the identifiers the dispatch engine hands out:
// event IDs and subscription tokens.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// CreateULID returns a unique ID in canonical 26-character form. IDs minted
// by the same process sort by creation time, so tokens and event IDs can be
// compared chronologically.
func CreateULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
