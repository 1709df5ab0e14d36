package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock returns a fixed time. After fires immediately and moves the
// clock forward by the requested duration, so polling loops run without
// real sleeps. Safe for concurrent use.
type StubClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2024-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *StubClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)

	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps returns the durations passed to After, in call order.
func (c *StubClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%d", g.counter)
}
