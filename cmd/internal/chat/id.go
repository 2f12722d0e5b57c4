package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// newULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps ids useful for tracing
// and log ordering.
func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns a ULID used as websocket session id.
func NewSessionID(now time.Time) (string, error) {
	return newULID(now)
}

// NewMessageID returns a ULID used as message id.
// The id doubles as the blob-store key for attachments.
func NewMessageID(now time.Time) (string, error) {
	return newULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) (string, error) {
	return newULID(now)
}
