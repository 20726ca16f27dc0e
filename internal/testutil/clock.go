// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing timestamps so tests that record
// event times produce a stable, distinguishable ordering.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock returns a clock starting at start that advances by step on each
// Now call.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current timestamp and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Current returns the next timestamp Now would hand out, without advancing.
func (c *Clock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
