package auth

import (
	"github.com/jrsteele09/go-auth-session/internal/codec"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/pkg/errors"
)

// saveLocked persists the non-nil records. The session is written before
// the tokens so that other instances never see new tokens next to a
// session they do not belong to.
func (m *SessionManager) saveLocked(session *sessions.Session, tokens *token.Set) error {
	if session != nil {
		if err := m.put(store.KeyUserSession, session); err != nil {
			return err
		}
	}
	if tokens != nil {
		if err := m.put(store.KeyAuthToken, tokens); err != nil {
			return err
		}
	}
	return nil
}

func (m *SessionManager) put(key string, record any) error {
	data, err := codec.Marshal(record)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", key)
	}
	if err := m.store.Set(key, data); err != nil {
		return errors.Wrapf(err, "writing %s", key)
	}
	return nil
}

func (m *SessionManager) loadSessionLocked() (*sessions.Session, error) {
	var session sessions.Session
	if err := m.get(store.KeyUserSession, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (m *SessionManager) loadTokensLocked() (*token.Set, error) {
	var tokens token.Set
	if err := m.get(store.KeyAuthToken, &tokens); err != nil {
		return nil, err
	}
	return &tokens, nil
}

// get reads and decodes key. Anything but a missing record is reported as an
// IntegrityError.
func (m *SessionManager) get(key string, record any) error {
	data, err := m.store.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err != nil {
		return &IntegrityError{Record: key, Reason: "unreadable", Err: err}
	}
	if err := codec.Unmarshal(data, record); err != nil {
		return &IntegrityError{Record: key, Reason: "undecodable", Err: err}
	}
	return nil
}

// clearRecordsLocked removes both persisted records. Unless force is set the
// records are left alone when they belong to a session other than
// sessionID.
func (m *SessionManager) clearRecordsLocked(sessionID string, force bool) {
	if !force {
		if stored, err := m.loadSessionLocked(); err == nil && stored.ID != sessionID {
			m.logger.Debug().Str("session_id", sessionID).Str("stored_session_id", stored.ID).Msg("stored records belong to another session, keeping them")
			return
		}
	}
	for _, key := range []string{store.KeyAuthToken, store.KeyUserSession} {
		if err := m.store.Remove(key); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn().Err(err).Str("key", key).Msg("removing stored record failed")
		}
	}
}
