// Package statstest provides helpers for tests that drive the stats store.
package statstest

import (
	"sync"
	"time"
)

// Clock is a manually advanced clock for stats.WithClock.
type Clock struct {
	mutex sync.Mutex
	t     time.Time
}

func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.t = c.t.Add(d)
}
