package testutil

import (
	"fmt"
	"sync"
	"time"

	"scribe/internal/scribe"
)

// FixedTimestamp is FixedClock's time as persisted in lastModified and
// version timestamps.
const FixedTimestamp = "2024-01-15T10:30:00.000Z"

// StubClock is a scribe.Clock under test control. A clock with a non-zero
// step moves forward by step after every reading. Safe for concurrent use.
type StubClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

var _ scribe.Clock = (*StubClock)(nil)

// NewStubClock creates a StubClock stopped at t.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// NewTickingClock creates a StubClock that starts at t and advances by step
// on every call to Now.
func NewTickingClock(t time.Time, step time.Duration) *StubClock {
	return &StubClock{now: t, step: step}
}

// FixedClock returns a StubClock stopped at 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Stamp formats the clock's next reading without consuming it.
func (c *StubClock) Stamp() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return scribe.FormatTimestamp(c.now)
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	prefix  string
	counter int
}

var _ scribe.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator {
	return NewPrefixedIDGenerator("id")
}

// NewPrefixedIDGenerator returns IDs of the form "<prefix>-1", "<prefix>-2".
// Distinct prefixes keep ids from different generators apart in one store.
func NewPrefixedIDGenerator(prefix string) *StubIDGenerator {
	return &StubIDGenerator{prefix: prefix}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("%s-%d", g.prefix, g.counter)
}
