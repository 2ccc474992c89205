package auth

import (
	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/token"
)

// armLocked starts the heartbeat and the proactive refresh of the current
// session. Arming again replaces the existing timers.
func (m *SessionManager) armLocked() {
	if m.closed {
		return
	}
	sessionID := m.session.ID
	m.sched.Every(heartbeatKeyPrefix+sessionID, m.heartbeatInterval, func() {
		m.heartbeat(sessionID)
	})
	m.armRefreshLocked()
}

func (m *SessionManager) armRefreshLocked() {
	if m.closed {
		return
	}
	sessionID := m.session.ID
	delay := m.refresh.Schedule(sessionID, m.tokens, func() {
		m.beginRefresh(sessionID)
	})
	m.logger.Debug().Str("session_id", sessionID).Dur("in", delay).Msg("refresh scheduled")
}

// heartbeat runs once per interval while signed in. It ends a session that
// has been idle too long, records activity, and starts a refresh when the
// access token is about to expire.
func (m *SessionManager) heartbeat(sessionID string) {
	m.mu.Lock()
	if !m.status.Signed() || m.session == nil || m.session.ID != sessionID {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	if m.session.TimedOut(now, m.sessionTimeout) {
		idle := m.session.IdleFor(now)
		m.sched.Cancel(heartbeatKeyPrefix + sessionID)
		m.mu.Unlock()
		m.bus.Record(events.SessionExpired, map[string]any{"session_id": sessionID, "idle": idle.String()})
		return
	}

	m.session.Touch(now)
	if err := m.saveLocked(m.session, nil); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("persisting session activity failed")
	}
	if m.status == Authenticated && token.IsExpiringSoon(m.tokens, m.refresh.Buffer(m.tokens), now) {
		m.beginRefreshLocked()
	}
	m.mu.Unlock()
	m.dispatch()
}
