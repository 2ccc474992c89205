// Package clock abstracts time so that token expiry, refresh scheduling and
// heartbeats can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(start) and move time forward
// with Advance; AfterFunc callbacks whose deadline is reached fire
// synchronously inside Advance, in deadline order.
package clock

import "time"

// Clock is the subset of the time package used by the session manager.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that can
	// cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer, false if it already fired or was already stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}
