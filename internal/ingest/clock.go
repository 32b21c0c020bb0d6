// Package ingest is the entry point for placements: it validates them, appends them to
// the durable event log and fires the live notification.
package ingest

import (
	"sync"
	"time"
)

// Clock hands out Unix millisecond timestamps that never go backwards, even if the
// wall clock does.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewClock returns a Clock reading the system time.
func NewClock() *Clock {
	return NewClockFunc(time.Now)
}

// NewClockFunc returns a Clock reading now.
func NewClockFunc(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current time in Unix milliseconds, clamped to the last value returned.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.now().UnixMilli()
	if ms < c.last {
		ms = c.last
	}
	c.last = ms
	return ms
}
