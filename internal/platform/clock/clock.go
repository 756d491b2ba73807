// Package clock provides a settable clock for tests that advance time.
package clock

import (
	"sync"
	"time"
)

type Fake struct {
	mu sync.Mutex
	t  time.Time
}

func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}
	return &Fake{t: start.UTC()}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *Fake) Set(t time.Time) {
	c.mu.Lock()
	c.t = t.UTC()
	c.mu.Unlock()
}
