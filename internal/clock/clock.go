// Package clock provides the simulated time source used for every
// timestamp the registry writes.
//
// Validity intervals and execution timestamps must be reproducible from a
// fixed sequence of calls, so nothing in the registry reads the wall clock.
// Time only moves when SetTime or Advance is called.
package clock

import (
	"sync"
	"time"
)

// Clock is a settable, monotonic-by-convention simulated clock.
//
// Thread-safety: all methods are safe for concurrent use. The grouping
// engine's single-writer design means only one goroutine usually advances it.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// New creates a clock positioned at start. Times are normalised to UTC.
func New(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetTime moves the clock to an absolute time.
func (c *Clock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
