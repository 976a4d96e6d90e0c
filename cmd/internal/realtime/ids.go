package realtime

import (
	"time"

	"chatroomz/cmd/internal/ids"
)

// NewConnectionID returns a ULID used as the transport connection id.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}

// NewServerMsgID returns a ULID used as server_msg_id.
func NewServerMsgID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
