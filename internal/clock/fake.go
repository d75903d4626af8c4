package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a virtual clock. Callbacks scheduled on it run only from Advance,
// on the caller's goroutine, in deadline order.
//
// Thread-safety: all methods are safe for concurrent use; callbacks run
// without the internal lock held so they may schedule or cancel timers.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int64
	pending []*fakeTimer
}

type fakeTimer struct {
	c        *Fake
	at       time.Time
	seq      int64
	fn       func()
	canceled bool
	fired    bool
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) Schedule(fn func(), delay time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(delay), seq: c.seq, fn: fn}
	c.pending = append(c.pending, t)
	return t
}

// Pending returns how many callbacks are waiting to fire.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Advance moves the clock forward by d, firing every callback that falls due
// on the way. The clock reads each callback's deadline while it runs.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		sort.Slice(c.pending, func(i, j int) bool {
			if c.pending[i].at.Equal(c.pending[j].at) {
				return c.pending[i].seq < c.pending[j].seq
			}
			return c.pending[i].at.Before(c.pending[j].at)
		})
		if len(c.pending) == 0 || c.pending[0].at.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()

		next.fn()
	}
}

func (t *fakeTimer) Cancel() bool {
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired || t.canceled {
		return false
	}
	t.canceled = true
	for i, p := range c.pending {
		if p == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return true
}
