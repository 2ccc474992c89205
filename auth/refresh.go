package auth

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/pkg/errors"
)

// flight is one refresh as seen by the manager. Every caller asking for a
// refresh while it runs waits on done and gets err.
type flight struct {
	start   uint64
	done    chan struct{}
	err     error
	waiters atomic.Int32
}

// Refresh exchanges the refresh token for a new token set, joining a
// refresh that is already running. When every attempt fails the session is
// ended and a RefreshExhaustedError is returned.
//
// If ctx ends first Refresh returns its error; the refresh itself carries on
// and its outcome is still applied.
func (m *SessionManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if !m.status.Signed() {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	f := m.beginRefreshLocked()
	f.waiters.Add(1)
	defer f.waiters.Add(-1)
	m.mu.Unlock()
	m.dispatch()

	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "[SessionManager.Refresh] waiting for refresh")
	case <-f.done:
		return f.err
	}
}

// HandleUnauthorized reacts to the server rejecting the access token by
// refreshing it. Proactive and reactive refreshes share one flight.
func (m *SessionManager) HandleUnauthorized(ctx context.Context) error {
	m.logger.Debug().Msg("access token rejected, refreshing")
	return m.Refresh(ctx)
}

// AccessToken returns an access token that is safe to send, refreshing it
// first when it is about to expire.
func (m *SessionManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if !m.status.Signed() {
		m.mu.Unlock()
		return "", ErrNotAuthenticated
	}
	if !token.IsExpiringSoon(m.tokens, m.refresh.Buffer(m.tokens), m.clock.Now()) {
		accessToken := m.tokens.AccessToken
		m.mu.Unlock()
		return accessToken, nil
	}
	m.mu.Unlock()

	refreshErr := m.Refresh(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Signed() {
		if refreshErr != nil {
			return "", refreshErr
		}
		return "", ErrNotAuthenticated
	}
	// A token that is inside the buffer but not yet expired is still usable.
	if refreshErr != nil && token.IsExpired(m.tokens, m.clock.Now()) {
		return "", refreshErr
	}
	return m.tokens.AccessToken, nil
}

// beginRefresh starts a refresh from a timer. A timer that fires after the
// tokens were already replaced does nothing.
func (m *SessionManager) beginRefresh(sessionID string) {
	m.mu.Lock()
	if m.status != Authenticated || m.session == nil || m.session.ID != sessionID ||
		!token.IsExpiringSoon(m.tokens, m.refresh.Buffer(m.tokens), m.clock.Now()) {
		m.mu.Unlock()
		return
	}
	m.beginRefreshLocked()
	m.mu.Unlock()
	m.dispatch()
}

// beginRefreshLocked moves to REFRESHING and starts a flight unless one is
// already running, and returns the running flight.
func (m *SessionManager) beginRefreshLocked() *flight {
	if m.flight != nil {
		return m.flight
	}
	f := &flight{start: m.refresh.Generation(), done: make(chan struct{})}
	m.flight = f
	m.setStatusLocked(Refreshing, ReasonRefresh, nil)
	go m.fly(f, m.session.ID, m.tokens)
	return f
}

func (m *SessionManager) fly(f *flight, sessionID string, current *token.Set) {
	defer close(f.done)
	for {
		res, err := m.refresh.Refresh(context.Background(), current)
		// A result from a flight that started before f belongs to an
		// earlier session.
		if generationOf(res, err) > f.start {
			f.err = m.applyRefresh(f, sessionID, current, res, err)
			return
		}
	}
}

func generationOf(res *refresh.Result, err error) uint64 {
	var failure *refresh.Failure
	switch {
	case res != nil:
		return res.Generation
	case errors.As(err, &failure):
		return failure.Generation
	default:
		return math.MaxUint64
	}
}

// applyRefresh settles a flight. Results for another session and results
// older than the last applied one are dropped.
func (m *SessionManager) applyRefresh(f *flight, sessionID string, current *token.Set, res *refresh.Result, err error) error {
	m.mu.Lock()
	if m.flight == f {
		m.flight = nil
	}
	if m.session == nil || m.session.ID != sessionID {
		m.mu.Unlock()
		return errors.Wrap(autherrors.ErrSessionChanged, "[SessionManager.Refresh] result discarded")
	}

	if err == nil && token.IsExpired(res.Tokens, m.clock.Now()) {
		err = &refresh.Failure{
			Generation: res.Generation,
			Attempts:   res.Attempts,
			Err:        errors.Wrapf(autherrors.ErrTokenExpired, "refreshed tokens expire at %s", res.Tokens.ExpiresAt.Format(time.RFC3339)),
		}
		res = nil
	}
	if err == nil {
		return m.refreshed(sessionID, res)
	}

	var failure *refresh.Failure
	errors.As(err, &failure)
	if failure != nil && failure.Generation <= m.applied {
		m.setStatusLocked(Authenticated, ReasonRefresh, nil)
		m.mu.Unlock()
		m.dispatch()
		return nil
	}
	// Another instance refreshed the shared session while this flight was
	// running; its tokens have been adopted.
	if m.tokens != current && !token.IsExpired(m.tokens, m.clock.Now()) {
		m.setStatusLocked(Authenticated, ReasonRefresh, nil)
		m.armRefreshLocked()
		m.mu.Unlock()
		m.dispatch()
		return nil
	}

	exhausted := &RefreshExhaustedError{Err: err}
	permanent := false
	if failure != nil {
		exhausted.Attempts = failure.Attempts
		permanent = failure.Permanent
	}
	m.resetLocked()
	m.clearRecordsLocked(sessionID, false)
	m.lastErr = exhausted
	m.setStatusLocked(Unauthenticated, ReasonRefreshExhausted, exhausted)
	m.mu.Unlock()
	m.dispatch()

	m.logger.Warn().Err(err).Str("session_id", sessionID).Int("attempts", exhausted.Attempts).Msg("token refresh exhausted, signing out")
	m.bus.Record(events.TokenRefreshFailure, map[string]any{
		"session_id": sessionID,
		"attempts":   exhausted.Attempts,
		"permanent":  permanent,
		"error":      err.Error(),
	})
	return exhausted
}

// refreshed applies a successful flight. Called with m.mu held; returns
// with it released.
func (m *SessionManager) refreshed(sessionID string, res *refresh.Result) error {
	if res.Generation <= m.applied {
		m.setStatusLocked(Authenticated, ReasonRefresh, nil)
		m.mu.Unlock()
		m.dispatch()
		return nil
	}

	m.applied = res.Generation
	m.tokens = res.Tokens
	var session *sessions.Session
	if expiresAt := res.Response.RefreshExpiresAt(res.Tokens.IssuedAt); !expiresAt.IsZero() {
		m.session.RefreshExpiresAt = expiresAt
		session = m.session
	}
	if err := m.saveLocked(session, m.tokens); err != nil {
		err = errors.Wrap(err, "[SessionManager.Refresh] persisting tokens")
		m.failLocked(err)
		m.mu.Unlock()
		m.dispatch()
		return err
	}
	m.setStatusLocked(Authenticated, ReasonRefresh, nil)
	m.armRefreshLocked()
	m.mu.Unlock()
	m.dispatch()

	m.bus.Record(events.TokenRefresh, map[string]any{
		"session_id": sessionID,
		"generation": res.Generation,
		"attempts":   res.Attempts,
	})
	return nil
}
