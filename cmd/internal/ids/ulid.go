// Package ids provides ULID primitives used for local message ids, correlation ids and
// server-assigned message ids.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Monotonic entropy keeps ids generated within the same millisecond ordered.
var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// NewULID returns a new ULID string (26 chars) stamped with now.
// ULIDs are lexicographically sortable, which keeps logs and optimistic entries ordered.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// New returns a ULID for the current time.
// It panics only if the system entropy source fails.
func New() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Time extracts the timestamp embedded in a ULID string.
func Time(id string) (time.Time, bool) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(u.Time()), true
}
