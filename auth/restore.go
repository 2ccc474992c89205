package auth

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/pkg/errors"
)

// InitializeFromStorage restores the persisted session when both records
// are present, consistent and still valid, and otherwise clears them. It
// never fails: records that cannot be trusted are dropped and reported as
// an INTEGRITY_FAILURE event. Calling it again re-arms the timers of a
// restored session without duplicating them.
//
// The first call also starts listening for changes made by other instances
// sharing the store, when the store supports it.
func (m *SessionManager) InitializeFromStorage(ctx context.Context) Status {
	m.watch()

	m.mu.Lock()
	if m.closed || ctx.Err() != nil {
		defer m.mu.Unlock()
		return m.status
	}
	switch {
	case m.status.Signed():
		m.armLocked()
		defer m.mu.Unlock()
		return m.status
	case m.status != Unauthenticated:
		defer m.mu.Unlock()
		return m.status
	}

	session, sessionErr := m.loadSessionLocked()
	tokens, tokensErr := m.loadTokensLocked()
	if errors.Is(sessionErr, store.ErrNotFound) && errors.Is(tokensErr, store.ErrNotFound) {
		m.mu.Unlock()
		return Unauthenticated
	}

	now := m.clock.Now()
	if err := m.checkRestoredLocked(session, sessionErr, tokens, tokensErr, now); err != nil {
		m.clearRecordsLocked("", true)
		var integrity *IntegrityError
		rejected := errors.As(err, &integrity)
		if rejected {
			m.lastErr = err
		}
		m.mu.Unlock()

		if rejected {
			m.bus.Record(events.IntegrityFailure, map[string]any{"record": integrity.Record, "reason": integrity.Reason})
		} else {
			m.logger.Info().Err(err).Msg("stored session not restored")
		}
		return Unauthenticated
	}

	m.session, m.tokens = session, tokens
	m.applied = m.refresh.Generation()
	m.setStatusLocked(Authenticated, ReasonRestore, nil)
	m.armLocked()
	m.mu.Unlock()
	m.dispatch()

	m.logger.Info().Str("session_id", session.ID).Str("user_id", session.UserID).Msg("session restored")
	m.bus.Record(events.SessionRestored, map[string]any{"session_id": session.ID, "user_id": session.UserID})
	return Authenticated
}

// checkRestoredLocked decides whether a stored pair may be restored. Records
// that look tampered with yield an IntegrityError; records that are merely
// incomplete or expired yield a plain error.
func (m *SessionManager) checkRestoredLocked(session *sessions.Session, sessionErr error, tokens *token.Set, tokensErr error, now time.Time) error {
	for _, err := range []error{sessionErr, tokensErr} {
		var integrity *IntegrityError
		if errors.As(err, &integrity) {
			return err
		}
	}
	if sessionErr != nil {
		return errors.Wrap(sessionErr, "session record missing")
	}
	if tokensErr != nil {
		return errors.Wrap(tokensErr, "token record missing")
	}

	if err := tokens.Validate(); err != nil {
		return &IntegrityError{Record: store.KeyAuthToken, Reason: "inconsistent", Err: err}
	}
	if err := session.Validate(now, m.sessionTimeout); err != nil {
		if errors.Is(err, sessions.ErrInvalidSession) {
			return &IntegrityError{Record: store.KeyUserSession, Reason: "invalid", Err: err}
		}
		return err
	}
	if claims, err := token.PeekClaims(tokens.AccessToken); err == nil && claims.Subject != "" && claims.Subject != session.UserID {
		return &IntegrityError{Record: store.KeyAuthToken, Reason: "subject mismatch"}
	}
	if token.IsExpired(tokens, now) {
		return errors.Wrapf(autherrors.ErrTokenExpired, "access token expired at %s", tokens.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}
