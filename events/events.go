// Package events records security-relevant events of the session lifecycle
// and applies the reactions attached to them.
package events

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Type identifies a security event.
type Type string

const (
	LoginSuccess        Type = "LOGIN_SUCCESS"
	LoginFailure        Type = "LOGIN_FAILURE"
	Logout              Type = "LOGOUT"
	TokenRefresh        Type = "TOKEN_REFRESH"
	TokenRefreshFailure Type = "TOKEN_REFRESH_FAILURE"
	SessionExpired      Type = "SESSION_EXPIRED"
	ConcurrentSession   Type = "CONCURRENT_SESSION"
	SecurityViolation   Type = "SECURITY_VIOLATION"
	RemoteLogout        Type = "REMOTE_LOGOUT"
	MFAChallenge        Type = "MFA_CHALLENGE"
	SessionRestored     Type = "SESSION_RESTORED"
	IntegrityFailure    Type = "INTEGRITY_FAILURE"
)

// Reaction is what the bus does after recording an event.
type Reaction int

const (
	// Informational events are only recorded and logged.
	Informational Reaction = iota
	// ForceLogout events end the current session.
	ForceLogout
)

func (r Reaction) String() string {
	if r == ForceLogout {
		return "force_logout"
	}
	return "informational"
}

// Classify returns the reaction attached to t.
func Classify(t Type) Reaction {
	switch t {
	case ConcurrentSession, SessionExpired, SecurityViolation, RemoteLogout:
		return ForceLogout
	default:
		return Informational
	}
}

// Event is one entry of the security log.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Details   map[string]any
}

// ForceLogoutHandler is called after an event whose reaction is ForceLogout
// has been recorded.
type ForceLogoutHandler func(Event)

type subscription struct {
	handler ForceLogoutHandler
}

// Bus is an append-only, in-memory security event log.
type Bus struct {
	mu       sync.Mutex
	now      func() time.Time
	logger   zerolog.Logger
	events   []Event
	handlers []*subscription
}

type Option func(*Bus)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New creates a Bus stamping events with now.
func New(now func() time.Time, options ...Option) *Bus {
	if now == nil {
		now = time.Now
	}
	b := &Bus{
		now:    now,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "security_events").Logger()
	return b
}

// Record appends an event and then runs its reaction. Handlers run on the
// calling goroutine after the event is visible in Events, without any bus
// lock held.
func (b *Bus) Record(t Type, details map[string]any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: b.now(),
		Details:   maps.Clone(details),
	}
	reaction := Classify(t)

	b.mu.Lock()
	b.events = append(b.events, event)
	handlers := slices.Clone(b.handlers)
	b.mu.Unlock()

	logEvent := b.logger.Info()
	if reaction == ForceLogout || t == LoginFailure || t == TokenRefreshFailure || t == IntegrityFailure {
		logEvent = b.logger.Warn()
	}
	logEvent.Str("event", string(t)).Str("event_id", event.ID).Stringer("reaction", reaction).Fields(details).Msg("security event")

	if reaction == ForceLogout {
		for _, s := range handlers {
			s.handler(event)
		}
	}
	return event
}

// OnForceLogout registers handler for ForceLogout reactions and returns a
// function that removes it.
func (b *Bus) OnForceLogout(handler ForceLogoutHandler) func() {
	s := &subscription{handler: handler}

	b.mu.Lock()
	b.handlers = append(b.handlers, s)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers = slices.DeleteFunc(b.handlers, func(other *subscription) bool {
			return other == s
		})
	}
}

// Events returns a copy of the log, oldest first.
func (b *Bus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.events)
}

// EventsOfType returns the recorded events of type t, oldest first.
func (b *Bus) EventsOfType(t Type) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []Event
	for _, e := range b.events {
		if e.Type == t {
			matched = append(matched, e)
		}
	}
	return matched
}

// Count returns how many events of type t were recorded.
func (b *Bus) Count(t Type) int {
	return len(b.EventsOfType(t))
}
