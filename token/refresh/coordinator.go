// Package refresh coordinates access token refreshes for one session manager.
//
// At most one refresh is in flight at a time; callers that ask for a refresh
// while one is running wait for it and share its outcome. Each flight is
// numbered with a generation so that the caller applying results can drop
// stale ones.
package refresh

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/clock"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/scheduler"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	flightKey      = "refresh"
	timerKeyPrefix = "refresh:"

	DefaultAttempts = 3
	DefaultBackoff  = time.Second
	DefaultBuffer   = 5 * time.Minute
)

// Func exchanges a refresh token for a new token response.
type Func func(ctx context.Context, refreshToken string) (*token.Response, error)

// Result is the outcome of a successful flight.
type Result struct {
	Generation uint64
	Tokens     *token.Set
	Response   *token.Response
	Attempts   int
}

// Failure is returned when every attempt of a flight failed, or when a
// permanent error ended the flight early.
type Failure struct {
	Generation uint64
	Attempts   int
	Permanent  bool
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("refresh failed after %d attempt(s): %v", f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Stats counts coordinator activity.
type Stats struct {
	Flights      int64
	GatewayCalls int64
	Shared       int64
}

// Coordinator runs refresh flights and owns the proactive refresh timer.
type Coordinator struct {
	refresh  Func
	clock    clock.Clock
	sched    *scheduler.Scheduler
	logger   zerolog.Logger
	attempts int
	backoff  time.Duration
	buffer   time.Duration

	group      singleflight.Group
	generation atomic.Uint64
	inFlight   atomic.Int32
	waiting    atomic.Int32
	flights    atomic.Int64
	calls      atomic.Int64
	shared     atomic.Int64
}

type Option func(*Coordinator)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithAttempts sets how many times a flight calls the gateway before giving
// up, including the first call.
func WithAttempts(attempts int) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
	}
}

// WithBackoff sets the wait after the first failed attempt. The wait doubles
// after every further failure. Zero disables waiting.
func WithBackoff(backoff time.Duration) Option {
	return func(c *Coordinator) {
		if backoff >= 0 {
			c.backoff = backoff
		}
	}
}

// WithBuffer sets how long before expiry the proactive refresh fires.
func WithBuffer(buffer time.Duration) Option {
	return func(c *Coordinator) {
		if buffer >= 0 {
			c.buffer = buffer
		}
	}
}

// New creates a Coordinator that calls refresh for each attempt and arms its
// timers on sched.
func New(refresh Func, c clock.Clock, sched *scheduler.Scheduler, options ...Option) *Coordinator {
	coord := &Coordinator{
		refresh:  refresh,
		clock:    c,
		sched:    sched,
		logger:   log.Logger,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		buffer:   DefaultBuffer,
	}
	for _, opt := range options {
		opt(coord)
	}
	coord.logger = coord.logger.With().Str("component", "refresh").Logger()
	return coord
}

// Refresh exchanges current.RefreshToken for a new token set. If a flight is
// already running the caller joins it and receives the same Result or error.
//
// The flight is detached from ctx: when ctx ends the caller stops waiting
// and gets ctx.Err(), while the flight carries on for the other callers.
func (c *Coordinator) Refresh(ctx context.Context, current *token.Set) (*Result, error) {
	c.waiting.Add(1)
	defer c.waiting.Add(-1)

	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.fly(flightCtx, current)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	}
}

func (c *Coordinator) fly(ctx context.Context, current *token.Set) (*Result, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.flights.Add(1)
	generation := c.generation.Add(1)

	if current == nil || current.RefreshToken == "" {
		return nil, &Failure{Generation: generation, Permanent: true, Err: autherrors.ErrInvalidRefreshToken}
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			c.wait(c.backoff << (attempt - 2))
		}

		c.calls.Add(1)
		resp, err := c.refresh(ctx, current.RefreshToken)
		if err == nil {
			var set *token.Set
			set, err = token.NewSet(resp, c.clock.Now())
			if err == nil {
				if set.RefreshToken == "" {
					set.RefreshToken = current.RefreshToken
				}
				c.logger.Debug().Uint64("generation", generation).Int("attempt", attempt).Msg("refresh succeeded")
				return &Result{Generation: generation, Tokens: set, Response: resp, Attempts: attempt}, nil
			}
		}

		lastErr = err
		if autherrors.IsPermanent(err) {
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("refresh rejected permanently")
			return nil, &Failure{Generation: generation, Attempts: attempt, Permanent: true, Err: err}
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Int("of", c.attempts).Msg("refresh attempt failed")
	}
	return nil, &Failure{Generation: generation, Attempts: c.attempts, Err: lastErr}
}

func (c *Coordinator) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.clock.After(d)
}

// Schedule arms the proactive refresh for sessionID so that fire runs one
// buffer ahead of set's expiry. The buffer is clamped to half the token
// lifetime. A delay that has already passed fires on a new goroutine at
// once. Scheduling a session again replaces its previous timer.
func (c *Coordinator) Schedule(sessionID string, set *token.Set, fire func()) time.Duration {
	delay := c.Delay(set)
	c.sched.Once(timerKeyPrefix+sessionID, delay, fire)
	return delay
}

// Delay returns how long from now the proactive refresh of set is due.
func (c *Coordinator) Delay(set *token.Set) time.Duration {
	return token.NewClock(c.clock.Now).RefreshDelay(set, c.Buffer(set))
}

// Buffer returns the refresh buffer that applies to set.
func (c *Coordinator) Buffer(set *token.Set) time.Duration {
	return token.EffectiveBuffer(set, c.buffer)
}

// Cancel removes the proactive refresh timer of sessionID.
func (c *Coordinator) Cancel(sessionID string) bool {
	return c.sched.Cancel(timerKeyPrefix + sessionID)
}

// Scheduled reports whether sessionID has a proactive refresh armed.
func (c *Coordinator) Scheduled(sessionID string) bool {
	return c.sched.Armed(timerKeyPrefix + sessionID)
}

// InFlight reports whether a refresh flight is running.
func (c *Coordinator) InFlight() bool {
	return c.inFlight.Load() > 0
}

// Waiting returns how many callers are waiting on a flight.
func (c *Coordinator) Waiting() int {
	return int(c.waiting.Load())
}

// Generation returns the number of the most recently started flight.
func (c *Coordinator) Generation() uint64 {
	return c.generation.Load()
}

func (c *Coordinator) Calls() Stats {
	return Stats{
		Flights:      c.flights.Load(),
		GatewayCalls: c.calls.Load(),
		Shared:       c.shared.Load(),
	}
}
