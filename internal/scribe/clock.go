package scribe

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// ISOTimestamp is the layout of every persisted timestamp: UTC with
// millisecond precision and a literal Z suffix.
const ISOTimestamp = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the persisted ISO form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(ISOTimestamp)
}

// ParseTimestamp parses a persisted timestamp. Any RFC 3339 value is accepted
// so documents written by other clients still sort correctly.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(ISOTimestamp, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
