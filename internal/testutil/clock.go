package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first instant a FixedClock reports when built with a
// zero base.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// FixedClock is a deterministic clock for tests. Every call to Now returns
// the previous instant advanced by a fixed step, starting at base.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FixedClock struct {
	mu    sync.Mutex
	base  time.Time
	step  time.Duration
	ticks int64
}

// NewFixedClock creates a clock starting at base. A zero base means
// DefaultEpoch.
func NewFixedClock(base time.Time, step time.Duration) *FixedClock {
	if base.IsZero() {
		base = DefaultEpoch
	}
	return &FixedClock{base: base.UTC(), step: step}
}

// Now returns the next instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.base.Add(time.Duration(c.ticks) * c.step)
	c.ticks++
	return t
}

// Ticks returns how many times Now was called.
func (c *FixedClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock to base.
//
// Used for test reuse. After Reset(), the next call to Now() returns base.
func (c *FixedClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}
