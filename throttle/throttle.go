// Package throttle counts failed login attempts in a sliding window.
//
// The throttle is advisory and local to one session manager: it stops the
// client from hammering the identity provider, it does not replace the
// provider's own lockout.
package throttle

import (
	"sync"
	"time"
)

const (
	DefaultWindow = 15 * time.Minute
	DefaultLimit  = 5
)

// Attempt is one login attempt.
type Attempt struct {
	At      time.Time
	Success bool
}

// Throttle blocks logins once Limit failed attempts fall inside Window.
type Throttle struct {
	mu       sync.Mutex
	now      func() time.Time
	window   time.Duration
	limit    int
	attempts []Attempt
}

type Option func(*Throttle)

func WithWindow(window time.Duration) Option {
	return func(t *Throttle) {
		if window > 0 {
			t.window = window
		}
	}
}

func WithLimit(limit int) Option {
	return func(t *Throttle) {
		if limit > 0 {
			t.limit = limit
		}
	}
}

// New creates a Throttle reading the time from now.
func New(now func() time.Time, options ...Option) *Throttle {
	if now == nil {
		now = time.Now
	}
	t := &Throttle{
		now:    now,
		window: DefaultWindow,
		limit:  DefaultLimit,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// RecordAttempt appends an attempt made now.
func (t *Throttle) RecordAttempt(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)
	t.attempts = append(t.attempts, Attempt{At: now, Success: success})
}

// IsThrottled reports whether the failed attempts inside the window have
// reached the limit.
func (t *Throttle) IsThrottled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(t.now())
	return t.failuresLocked() >= t.limit
}

// Failures returns the failed attempts currently inside the window.
func (t *Throttle) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(t.now())
	return t.failuresLocked()
}

// RetryAfter returns how long until enough failures leave the window for
// a login to be allowed again. Zero when not throttled.
func (t *Throttle) RetryAfter() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	failures := make([]time.Time, 0, len(t.attempts))
	for _, a := range t.attempts {
		if !a.Success {
			failures = append(failures, a.At)
		}
	}
	excess := len(failures) - t.limit
	if excess < 0 {
		return 0
	}
	// The attempt that has to expire for the count to drop below the limit.
	return failures[excess].Add(t.window).Sub(now)
}

// Reset forgets every attempt. Called after a successful login.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts = nil
}

// Attempts returns the attempts inside the window, oldest first.
func (t *Throttle) Attempts() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(t.now())
	return append([]Attempt(nil), t.attempts...)
}

func (t *Throttle) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	keep := t.attempts[:0]
	for _, a := range t.attempts {
		if a.At.After(cutoff) {
			keep = append(keep, a)
		}
	}
	t.attempts = keep
}

func (t *Throttle) failuresLocked() int {
	n := 0
	for _, a := range t.attempts {
		if !a.Success {
			n++
		}
	}
	return n
}
