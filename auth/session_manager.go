// Package auth manages the lifecycle of a client-side authenticated session:
// login with optional second factor, token refresh, heartbeat, restore from
// storage, cross-instance coordination and logout.
package auth

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/scheduler"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/throttle"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	heartbeatKeyPrefix = "heartbeat:"

	defaultHeartbeatInterval = time.Minute
	defaultSessionTimeout    = 24 * time.Hour
)

// Credentials are the user's sign-in details.
type Credentials = gateway.Credentials

// Config is the configuration read by the session manager.
type Config interface {
	config.SessionConfig
	config.SecurityConfig
}

type subscriber struct {
	fn func(StatusChange)
}

// SessionManager owns the session state. All methods are safe for
// concurrent use.
type SessionManager struct {
	gateway  gateway.Gateway
	store    store.SecureStore
	clock    clock.Clock
	logger   zerolog.Logger
	sched    *scheduler.Scheduler
	refresh  *refresh.Coordinator
	throttle *throttle.Throttle
	bus      *events.Bus

	device            sessions.Device
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	refreshBackoff    *time.Duration

	mu          sync.Mutex
	status      Status
	tokens      *token.Set
	session     *sessions.Session
	challenge   *gateway.Challenge
	flight      *flight
	applied     uint64
	lastErr     error
	subscribers []*subscriber
	queue       []StatusChange
	dispatching bool
	closed      bool

	watchOnce      sync.Once
	stopWatch      context.CancelFunc
	watchDone      chan struct{}
	unsubscribeBus func()
}

// SessionManagerOption modifies a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithClock sets the clock driving expiry checks and timers (primarily for
// testing).
func WithClock(c clock.Clock) SessionManagerOption {
	return func(m *SessionManager) {
		m.clock = c
	}
}

func WithLogger(logger zerolog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// WithEventBus records security events on bus instead of a private one.
func WithEventBus(bus *events.Bus) SessionManagerOption {
	return func(m *SessionManager) {
		m.bus = bus
	}
}

// WithRefreshBackoff overrides the configured wait after a failed refresh
// attempt. Zero retries straight away.
func WithRefreshBackoff(backoff time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.refreshBackoff = &backoff
	}
}

// NewSessionManager creates an unauthenticated SessionManager. Call
// InitializeFromStorage to pick up a persisted session.
func NewSessionManager(gw gateway.Gateway, st store.SecureStore, cfg Config, options ...SessionManagerOption) (*SessionManager, error) {
	if gw == nil {
		return nil, errors.New("[NewSessionManager] gateway is required")
	}
	if st == nil {
		return nil, errors.New("[NewSessionManager] store is required")
	}
	if cfg == nil {
		return nil, errors.New("[NewSessionManager] config is required")
	}

	m := &SessionManager{
		gateway: gw,
		store:   st,
		clock:   clock.Real(),
		logger:  log.Logger,
		device: sessions.Device{
			UserAgent: cfg.GetUserAgent(),
			DeviceID:  cfg.GetDeviceID(),
		},
		heartbeatInterval: cfg.GetHeartbeatInterval(),
		sessionTimeout:    cfg.GetSessionTimeout(),
		status:            Unauthenticated,
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "session_manager").Logger()
	if m.heartbeatInterval <= 0 {
		m.logger.Warn().Dur("configured", m.heartbeatInterval).Dur("using", defaultHeartbeatInterval).Msg("invalid heartbeat interval")
		m.heartbeatInterval = defaultHeartbeatInterval
	}
	if m.sessionTimeout <= 0 {
		m.logger.Warn().Dur("configured", m.sessionTimeout).Dur("using", defaultSessionTimeout).Msg("invalid session timeout")
		m.sessionTimeout = defaultSessionTimeout
	}

	backoff := cfg.GetRefreshBackoff()
	if m.refreshBackoff != nil {
		backoff = *m.refreshBackoff
	}
	if m.bus == nil {
		m.bus = events.New(m.clock.Now, events.WithLogger(m.logger))
	}
	m.sched = scheduler.New(m.clock, scheduler.WithLogger(m.logger))
	m.refresh = refresh.New(gw.Refresh, m.clock, m.sched,
		refresh.WithLogger(m.logger),
		refresh.WithAttempts(cfg.GetRefreshAttempts()),
		refresh.WithBackoff(backoff),
		refresh.WithBuffer(cfg.GetRefreshBuffer()),
	)
	m.throttle = throttle.New(m.clock.Now,
		throttle.WithWindow(cfg.GetLoginWindow()),
		throttle.WithLimit(cfg.GetLoginAttemptLimit()),
	)
	m.unsubscribeBus = m.bus.OnForceLogout(m.forceLogout)
	return m, nil
}

// Login signs the user in with credentials. When the identity provider asks
// for a second factor the manager moves to MFA_REQUIRED and Login returns
// nil; finish with VerifyChallenge. Like InitializeFromStorage, the first
// call starts listening for changes made by other instances.
func (m *SessionManager) Login(ctx context.Context, credentials Credentials) error {
	m.watch()

	m.mu.Lock()
	if err := m.loginAllowedLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if throttled := m.throttledLocked(); throttled != nil {
		m.mu.Unlock()
		m.bus.Record(events.LoginFailure, map[string]any{"reason": "throttled", "attempts": throttled.Attempts})
		return throttled
	}
	if m.challenge != nil {
		m.logger.Debug().Str("challenge_id", m.challenge.ID).Msg("abandoning pending challenge")
		m.challenge = nil
	}
	m.setStatusLocked(Pending, ReasonLogin, nil)
	m.mu.Unlock()
	m.dispatch()

	result, err := m.gateway.Login(ctx, credentials)
	if err != nil {
		return m.loginFailed(Pending, classify("login", err))
	}
	if result.RequiresMFA {
		return m.challengeIssued(result)
	}
	return m.establish(Pending, "", result)
}

// VerifyChallenge completes a login that is waiting for a second factor.
// A rejected code keeps the manager in MFA_REQUIRED.
func (m *SessionManager) VerifyChallenge(ctx context.Context, code string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.status != MFARequired || m.challenge == nil {
		m.mu.Unlock()
		return ErrNoPendingChallenge
	}
	if throttled := m.throttledLocked(); throttled != nil {
		m.mu.Unlock()
		m.bus.Record(events.LoginFailure, map[string]any{"reason": "throttled", "attempts": throttled.Attempts})
		return throttled
	}
	challengeID := m.challenge.ID
	m.mu.Unlock()

	result, err := m.gateway.VerifyChallenge(ctx, challengeID, code)
	if err != nil {
		return m.loginFailed(MFARequired, classify("verify challenge", err))
	}
	if result.RequiresMFA {
		return m.loginFailed(MFARequired, &TransportError{Op: "verify challenge", Err: errors.New("identity provider asked for another challenge")})
	}
	return m.establish(MFARequired, challengeID, result)
}

// Logout ends the session. Local state, timers and persisted records are
// cleared before the identity provider is told; a failure to reach it is
// logged and recorded, never returned.
func (m *SessionManager) Logout(ctx context.Context) {
	m.mu.Lock()
	from := m.status
	termination := m.resetLocked()
	m.clearRecordsLocked("", true)
	m.setStatusLocked(Unauthenticated, ReasonLogout, nil)
	m.mu.Unlock()
	m.dispatch()

	if from == Unauthenticated && termination == nil {
		return
	}
	details := map[string]any{"reason": string(ReasonLogout)}
	if termination != nil {
		details["session_id"] = termination.SessionID
		if err := m.gateway.TerminateSession(ctx, *termination); err != nil {
			m.logger.Warn().Err(err).Str("session_id", termination.SessionID).Msg("terminating remote session failed")
			details["terminate_error"] = err.Error()
		}
	}
	m.bus.Record(events.Logout, details)
}

// Close stops the cross-instance listener and every timer. The session is
// left in storage so that it can be restored later.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.sched.CancelAll()
	stop, done := m.stopWatch, m.watchDone
	m.mu.Unlock()

	m.unsubscribeBus()
	if stop != nil {
		stop()
		<-done
	}
	return nil
}

func (m *SessionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (m *SessionManager) CurrentUser() *users.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Signed() || m.session == nil {
		return nil
	}
	return m.session.User.Clone()
}

// HasRole reports whether the signed-in user was granted role.
func (m *SessionManager) HasRole(role users.RoleType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Signed() && m.session.HasRole(role)
}

func (m *SessionManager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.ID
}

// Session returns a copy of the current session record, or nil.
func (m *SessionManager) Session() *sessions.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

// Tokens returns a copy of the current token set, or nil.
func (m *SessionManager) Tokens() *token.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens.Clone()
}

// PendingChallenge returns the second-factor challenge being waited on.
func (m *SessionManager) PendingChallenge() *gateway.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == nil {
		return nil
	}
	c := *m.challenge
	return &c
}

// LastError returns the error behind the most recent failure.
func (m *SessionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Events returns the security event log, oldest first.
func (m *SessionManager) Events() []events.Event {
	return m.bus.Events()
}

// OnStatusChange registers fn for every status change and returns a
// function that removes it. Callbacks run in transition order without any
// manager lock held, so they may call back into the manager.
func (m *SessionManager) OnStatusChange(fn func(StatusChange)) func() {
	s := &subscriber{fn: fn}

	m.mu.Lock()
	m.subscribers = append(m.subscribers, s)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subscribers = slices.DeleteFunc(m.subscribers, func(other *subscriber) bool {
			return other == s
		})
	}
}

func (m *SessionManager) loginAllowedLocked() error {
	switch {
	case m.closed:
		return ErrClosed
	case m.status == Authenticated:
		return ErrAlreadyAuthenticated
	case m.status == Pending || m.status == Refreshing:
		return ErrLoginInProgress
	}
	return nil
}

// throttledLocked returns a ThrottledError when sign-in attempts are
// currently blocked. The blocked attempt counts as a failure.
func (m *SessionManager) throttledLocked() *ThrottledError {
	if !m.throttle.IsThrottled() {
		return nil
	}
	err := &ThrottledError{Attempts: m.throttle.Failures(), RetryAfter: m.throttle.RetryAfter()}
	m.throttle.RecordAttempt(false)
	m.lastErr = err
	return err
}

func (m *SessionManager) challengeIssued(result *gateway.LoginResult) error {
	if result.Challenge == nil {
		return m.loginFailed(Pending, &TransportError{Op: "login", Err: errors.New("identity provider asked for a second factor without a challenge")})
	}

	m.mu.Lock()
	if m.status != Pending {
		m.mu.Unlock()
		return ErrLoginAborted
	}
	c := *result.Challenge
	m.challenge = &c
	m.setStatusLocked(MFARequired, ReasonChallenge, nil)
	m.mu.Unlock()
	m.dispatch()

	m.bus.Record(events.MFAChallenge, map[string]any{"challenge_id": c.ID, "method": string(c.Method)})
	return nil
}

// loginFailed records a failed attempt. A failed login returns to
// UNAUTHENTICATED; a failed challenge stays in MFA_REQUIRED.
func (m *SessionManager) loginFailed(expected Status, err error) error {
	m.mu.Lock()
	if m.status != expected {
		m.mu.Unlock()
		return ErrLoginAborted
	}
	m.throttle.RecordAttempt(false)
	m.lastErr = err
	if expected == Pending {
		m.setStatusLocked(Unauthenticated, ReasonLoginFailed, err)
	}
	m.mu.Unlock()
	m.dispatch()

	m.bus.Record(events.LoginFailure, map[string]any{"reason": failureReason(err)})
	return err
}

// establish turns a successful gateway result into an authenticated
// session. expected is the status the manager must still be in; for a
// challenge the challenge must also still be the one that was answered.
func (m *SessionManager) establish(expected Status, challengeID string, result *gateway.LoginResult) error {
	m.mu.Lock()
	if m.status != expected || (expected == MFARequired && (m.challenge == nil || m.challenge.ID != challengeID)) {
		m.mu.Unlock()
		return ErrLoginAborted
	}

	now := m.clock.Now()
	tokens, profile, err := m.buildLocked(result, now)
	if err != nil {
		m.mu.Unlock()
		return m.loginFailed(expected, &TransportError{Op: "login", Err: err})
	}

	session := sessions.New(*profile, m.device, now)
	if expiresAt := result.Tokens.RefreshExpiresAt(tokens.IssuedAt); !expiresAt.IsZero() {
		session.RefreshExpiresAt = expiresAt
	}
	if err := m.saveLocked(session, tokens); err != nil {
		err = errors.Wrap(err, "[SessionManager.Login] persisting session")
		m.failLocked(err)
		m.mu.Unlock()
		m.dispatch()
		m.bus.Record(events.LoginFailure, map[string]any{"reason": "storage"})
		return err
	}

	m.tokens, m.session, m.challenge = tokens, session, nil
	m.applied = m.refresh.Generation()
	m.throttle.Reset()
	m.lastErr = nil
	m.setStatusLocked(Authenticated, ReasonLogin, nil)
	m.armLocked()
	m.mu.Unlock()
	m.dispatch()

	m.logger.Info().Str("session_id", session.ID).Str("user_id", session.UserID).Msg("signed in")
	m.bus.Record(events.LoginSuccess, map[string]any{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"mfa":        expected == MFARequired,
	})
	return nil
}

func (m *SessionManager) buildLocked(result *gateway.LoginResult, now time.Time) (*token.Set, *users.Profile, error) {
	if result == nil || result.Tokens == nil {
		return nil, nil, errors.New("identity provider returned no tokens")
	}
	tokens, err := token.NewSet(result.Tokens, now)
	if err != nil {
		return nil, nil, err
	}
	if token.IsExpired(tokens, now) {
		return nil, nil, errors.Wrapf(autherrors.ErrTokenExpired, "identity provider returned tokens expiring at %s", tokens.ExpiresAt.Format(time.RFC3339))
	}

	profile := result.User.Clone()
	if profile == nil {
		claims, err := token.PeekClaims(tokens.AccessToken)
		if err != nil {
			return nil, nil, errors.Wrap(err, "identity provider returned no user")
		}
		profile = gateway.ProfileFromClaims(claims)
	}
	if err := profile.Validate(); err != nil {
		return nil, nil, err
	}
	return tokens, profile, nil
}

// forceLogout ends the session in reaction to a security event.
func (m *SessionManager) forceLogout(event events.Event) {
	reason := forcedReason(event.Type)

	m.mu.Lock()
	if m.status == Unauthenticated && m.session == nil {
		m.mu.Unlock()
		return
	}
	sessionID := ""
	if m.session != nil {
		sessionID = m.session.ID
	}
	if target, ok := event.Details["session_id"].(string); ok && target != sessionID {
		m.mu.Unlock()
		return
	}

	termination := m.resetLocked()
	if reason != ReasonConcurrentSession && reason != ReasonRemoteLogout {
		m.clearRecordsLocked(sessionID, false)
	}
	err := forcedError(reason)
	m.lastErr = err
	m.setStatusLocked(Unauthenticated, reason, err)
	m.mu.Unlock()
	m.dispatch()

	m.logger.Warn().Str("session_id", sessionID).Str("reason", string(reason)).Msg("session ended")
	if termination != nil && reason != ReasonRemoteLogout {
		if err := m.gateway.TerminateSession(context.Background(), *termination); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("terminating remote session failed")
		}
	}
	m.bus.Record(events.Logout, map[string]any{"session_id": sessionID, "reason": string(reason), "trigger": string(event.Type)})
}

// setStatusLocked moves to status to and queues the change for subscribers.
// A move the transition table does not allow is reported as an error.
func (m *SessionManager) setStatusLocked(to Status, reason Reason, err error) {
	from := m.status
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		m.failLocked(errors.Errorf("illegal transition %s -> %s (%s)", from, to, reason))
		return
	}
	m.status = to
	m.queue = append(m.queue, StatusChange{From: from, To: to, Reason: reason, Err: err})
}

// failLocked reports err through ERROR, then drops the session and settles
// in UNAUTHENTICATED.
func (m *SessionManager) failLocked(err error) {
	m.logger.Error().Err(err).Stringer("status", m.status).Msg("session manager failure")

	sessionID := ""
	if m.session != nil {
		sessionID = m.session.ID
	}
	m.lastErr = err
	m.queue = append(m.queue, StatusChange{From: m.status, To: Error, Reason: ReasonError, Err: err})
	m.status = Error
	m.resetLocked()
	m.clearRecordsLocked(sessionID, false)
	m.queue = append(m.queue, StatusChange{From: Error, To: Unauthenticated, Reason: ReasonError, Err: err})
	m.status = Unauthenticated
}

// resetLocked cancels every timer and forgets the session. It returns what
// the identity provider needs to end the session remotely, or nil.
func (m *SessionManager) resetLocked() *gateway.Termination {
	m.sched.CancelAll()

	var termination *gateway.Termination
	if m.session != nil || m.tokens != nil {
		termination = &gateway.Termination{}
		if m.session != nil {
			termination.SessionID = m.session.ID
		}
		if m.tokens != nil {
			termination.AccessToken = m.tokens.AccessToken
			termination.RefreshToken = m.tokens.RefreshToken
		}
	}
	m.tokens, m.session, m.challenge, m.flight = nil, nil, nil, nil
	return termination
}

// dispatch delivers queued status changes. Only one goroutine delivers at a
// time; changes queued meanwhile are delivered by it, in order.
func (m *SessionManager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 {
		change := m.queue[0]
		m.queue = m.queue[1:]
		subscribers := slices.Clone(m.subscribers)
		m.mu.Unlock()

		for _, s := range subscribers {
			m.notify(s, change)
		}
		m.mu.Lock()
	}
	m.dispatching = false
	m.mu.Unlock()
}

func (m *SessionManager) notify(s *subscriber, change StatusChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Stringer("to", change.To).Msg("status change callback panicked")
		}
	}()
	s.fn(change)
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, autherrors.ErrInvalidCredentials),
		errors.Is(err, autherrors.ErrInvalidChallenge),
		errors.Is(err, autherrors.ErrChallengeExpired),
		errors.Is(err, autherrors.ErrUserBlocked):
		return &AuthenticationError{Err: err}
	default:
		return &TransportError{Op: op, Err: err}
	}
}

func failureReason(err error) string {
	var authErr *AuthenticationError
	var throttled *ThrottledError
	switch {
	case errors.As(err, &throttled):
		return "throttled"
	case errors.As(err, &authErr):
		return "rejected"
	default:
		return "transport"
	}
}

func forcedReason(t events.Type) Reason {
	switch t {
	case events.ConcurrentSession:
		return ReasonConcurrentSession
	case events.SessionExpired:
		return ReasonSessionExpired
	case events.RemoteLogout:
		return ReasonRemoteLogout
	default:
		return ReasonSecurityViolation
	}
}

func forcedError(reason Reason) error {
	switch reason {
	case ReasonSessionExpired:
		return autherrors.ErrSessionExpired
	case ReasonConcurrentSession, ReasonRemoteLogout:
		return autherrors.ErrSessionChanged
	default:
		return errors.Errorf("session ended: %s", reason)
	}
}
