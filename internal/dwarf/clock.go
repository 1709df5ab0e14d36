package dwarf

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so timestamps and polling waits are deterministic in
// tests.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }
