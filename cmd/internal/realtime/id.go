package realtime

import (
	"time"

	"huddle/cmd/identity/ids"
)

// NewConnectionID returns a ULID used as the connection id.
// Connection ids are never reused: a reconnect always gets a fresh one.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID returns a ULID used as envelope id.
func newEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
