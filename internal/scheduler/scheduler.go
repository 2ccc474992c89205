// Package scheduler arms and cancels named timers on top of a clock.Clock.
//
// Every timer is keyed; arming a key that is already armed replaces the old
// timer, so a key never has more than one pending timer. Keys are usually
// prefixed with a session ID so that a logout can cancel everything that
// belongs to the session in one call.
package scheduler

import (
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type entry struct {
	id       uint64
	interval time.Duration
	timer    *clock.Timer
}

// Scheduler owns a set of keyed timers.
type Scheduler struct {
	clock   clock.Clock
	logger  zerolog.Logger
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for timer diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler driven by c.
func New(c clock.Clock, options ...Option) *Scheduler {
	s := &Scheduler{
		clock:   c,
		logger:  log.Logger,
		entries: make(map[string]*entry),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// Once arms key to call fn after delay. A non-positive delay calls fn on a
// new goroutine straight away.
func (s *Scheduler) Once(key string, delay time.Duration, fn func()) {
	s.arm(key, delay, 0, fn)
}

// Every arms key to call fn every interval until cancelled. The first call
// happens one interval from now.
func (s *Scheduler) Every(key string, interval time.Duration, fn func()) {
	if interval <= 0 {
		panic("scheduler: non-positive interval for Every")
	}
	s.arm(key, interval, interval, fn)
}

func (s *Scheduler) arm(key string, delay, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(key)
	if delay <= 0 {
		s.logger.Debug().Str("key", key).Msg("firing immediately")
		go fn()
		return
	}

	s.seq++
	e := &entry{id: s.seq, interval: interval}
	s.entries[key] = e
	e.timer = s.clock.AfterFunc(delay, s.fire(key, e, fn))
	s.logger.Debug().Str("key", key).Dur("delay", delay).Dur("interval", interval).Msg("timer armed")
}

func (s *Scheduler) fire(key string, e *entry, fn func()) func() {
	return func() {
		s.mu.Lock()
		if s.entries[key] != e {
			s.mu.Unlock()
			return
		}
		if e.interval == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()

		fn()

		if e.interval == 0 {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		// fn may have cancelled or replaced the key.
		if s.entries[key] == e {
			e.timer = s.clock.AfterFunc(e.interval, s.fire(key, e, fn))
		}
	}
}

// Cancel stops the timer armed under key. It reports whether one was armed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

// CancelPrefix stops every timer whose key starts with prefix and returns
// how many were stopped.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) && s.cancelLocked(key) {
			n++
		}
	}
	return n
}

// CancelAll stops every armed timer.
func (s *Scheduler) CancelAll() int {
	return s.CancelPrefix("")
}

func (s *Scheduler) cancelLocked(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	s.logger.Debug().Str("key", key).Msg("timer cancelled")
	return true
}

// Armed reports whether key currently has a pending timer.
func (s *Scheduler) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Keys returns the currently armed keys.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}
