// Package clock abstracts wall time and delayed callbacks so scheduling code
// runs against real timers in production and a virtual clock in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

// Handle cancels a scheduled callback. Cancel reports whether the callback
// was stopped before it ran.
type Handle interface {
	Cancel() bool
}

// DelayedExecutor runs fn once after delay.
type DelayedExecutor interface {
	Schedule(fn func(), delay time.Duration) Handle
}

// Timer is the capability pair the local scheduler needs.
type Timer interface {
	Clock
	DelayedExecutor
}

type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Schedule(fn func(), delay time.Duration) Handle {
	if delay < 0 {
		delay = 0
	}
	return realHandle{time.AfterFunc(delay, fn)}
}

type realHandle struct{ t *time.Timer }

func (h realHandle) Cancel() bool { return h.t.Stop() }
