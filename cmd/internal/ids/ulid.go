// Package ids provides the identifier primitives shared by the realtime server and its tools.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs sort lexicographically by creation time, which keeps connection ids and
// envelope ids readable in logs.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (envelope ids).
// It falls back to the zero-entropy ULID for the timestamp instead of panicking.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		if now.IsZero() {
			now = time.Now().UTC()
		}
		var fallback ulid.ULID
		_ = fallback.SetTime(ulid.Timestamp(now))
		return fallback.String()
	}
	return id
}

// IsULID reports whether s parses as a ULID.
func IsULID(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != ulid.EncodedSize {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}
