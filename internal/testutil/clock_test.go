package testutil

import (
	"testing"
	"time"
)

func TestStubClock(t *testing.T) {
	t.Run("fixed clock stays put", func(t *testing.T) {
		c := FixedClock()
		first, second := c.Now(), c.Now()
		if !first.Equal(second) {
			t.Errorf("Now() moved from %v to %v", first, second)
		}
		if c.Stamp() != FixedTimestamp {
			t.Errorf("Stamp() = %q, want %q", c.Stamp(), FixedTimestamp)
		}
	})

	t.Run("ticking clock advances per reading", func(t *testing.T) {
		start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		c := NewTickingClock(start, 250*time.Millisecond)
		if got := c.Stamp(); got != "2024-03-01T09:00:00.000Z" {
			t.Errorf("Stamp() = %q", got)
		}
		if got := c.Now(); !got.Equal(start) {
			t.Errorf("first Now() = %v, want %v", got, start)
		}
		if got := c.Now(); !got.Equal(start.Add(250 * time.Millisecond)) {
			t.Errorf("second Now() = %v", got)
		}
		c.Advance(time.Minute)
		if got := c.Stamp(); got != "2024-03-01T09:01:00.500Z" {
			t.Errorf("Stamp() after Advance = %q", got)
		}
	})
}

func TestStubIDGenerator(t *testing.T) {
	ids := NewStubIDGenerator()
	if a, b := ids.New(), ids.New(); a != "id-1" || b != "id-2" {
		t.Errorf("New() = %q, %q; want id-1, id-2", a, b)
	}
	versions := NewPrefixedIDGenerator("v")
	if got := versions.New(); got != "v-1" {
		t.Errorf("New() = %q, want v-1", got)
	}
}
