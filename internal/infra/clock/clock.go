// Package clock abstracts wall-clock time and timers so that every
// timer-guarded wait in the pipeline (queue timeouts, retry delays, sweep
// intervals) can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// timer from firing.
	Stop() bool
}

// Clock supplies the current time and timer construction.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn after d elapses. fn runs on its own goroutine.
	AfterFunc(d time.Duration, fn func()) Timer
}

// System is the real implementation backed by package time.
type System struct{}

// New returns the system clock.
func New() System { return System{} }

func (System) Now() time.Time { return time.Now() }

func (System) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
