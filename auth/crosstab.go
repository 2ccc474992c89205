package auth

import (
	"context"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/internal/codec"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/pkg/errors"
)

// watch starts the listener for changes made by other instances sharing
// the store. It runs at most once per manager.
func (m *SessionManager) watch() {
	m.watchOnce.Do(func() {
		watcher, ok := m.store.(store.Watcher)
		if !ok {
			m.logger.Debug().Msg("store cannot report changes, not watching other instances")
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		changes, err := watcher.Watch(ctx)
		if err != nil {
			cancel()
			if !errors.Is(err, store.ErrUnsupported) {
				m.logger.Warn().Err(err).Msg("watching store failed")
			}
			return
		}

		done := make(chan struct{})
		m.stopWatch, m.watchDone = cancel, done
		go func() {
			defer close(done)
			for change := range changes {
				m.handleChange(change)
			}
		}()
	})
}

func (m *SessionManager) handleChange(change store.ChangeEvent) {
	switch change.Key {
	case store.KeyUserSession:
		m.sessionChanged(change)
	case store.KeyAuthToken:
		m.tokensChanged(change)
	}
}

// sessionChanged reacts to another instance writing or removing the
// session record. Change events can arrive late, so the decision is made on
// the record as it is stored now rather than on the value carried by the
// event.
func (m *SessionManager) sessionChanged(change store.ChangeEvent) {
	m.mu.Lock()
	if !m.status.Signed() || m.session == nil {
		m.mu.Unlock()
		return
	}
	ours, userID := m.session.ID, m.session.UserID
	stored, err := m.loadSessionLocked()
	m.mu.Unlock()

	switch {
	case errors.Is(err, store.ErrNotFound):
		m.bus.Record(events.RemoteLogout, map[string]any{"session_id": ours})
	case err != nil:
		m.logger.Warn().Err(err).Bool("removed", change.Removed).Msg("ignoring unreadable session written by another instance")
	case stored.ID != ours:
		m.bus.Record(events.ConcurrentSession, map[string]any{"session_id": ours, "other_session_id": stored.ID})
	case stored.UserID != userID:
		m.bus.Record(events.SecurityViolation, map[string]any{"session_id": ours, "reason": "session user changed"})
	}
}

// tokensChanged adopts tokens refreshed by another instance of the same
// session, as long as they are newer than the ones held.
func (m *SessionManager) tokensChanged(change store.ChangeEvent) {
	if change.Removed {
		return
	}
	var tokens token.Set
	if err := codec.Unmarshal(change.Value, &tokens); err != nil || tokens.Validate() != nil {
		m.logger.Warn().Err(err).Msg("ignoring unusable tokens written by another instance")
		return
	}

	m.mu.Lock()
	if !m.status.Signed() || m.session == nil {
		m.mu.Unlock()
		return
	}
	if token.IsExpired(&tokens, m.clock.Now()) || (m.tokens != nil && !tokens.IssuedAt.After(m.tokens.IssuedAt)) {
		m.mu.Unlock()
		return
	}
	stored, err := m.loadSessionLocked()
	if err != nil || stored.ID != m.session.ID {
		m.mu.Unlock()
		return
	}
	m.tokens = &tokens
	m.armRefreshLocked()
	sessionID := m.session.ID
	m.mu.Unlock()

	m.logger.Info().Str("session_id", sessionID).Time("expires_at", tokens.ExpiresAt).Msg("adopted tokens refreshed by another instance")
}
