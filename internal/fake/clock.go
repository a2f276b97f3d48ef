// Package fake holds deterministic test doubles shared across packages.
package fake

import (
	"sync"
	"time"

	"palpable"
)

var _ palpable.Clock = (*Clock)(nil)

// Clock is a manual palpable.Clock; time moves only through Advance. Its Now
// method value also serves options that take a func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
