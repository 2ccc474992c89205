// Package sessions holds the client-side record of an authenticated session.
package sessions

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
)

// MaxClockSkew is how far in the future LastActivityAt may be before the
// record is considered tampered with.
const MaxClockSkew = time.Minute

var ErrInvalidSession = errors.New("invalid session")

// Device describes where the session was started.
type Device struct {
	UserAgent string `json:"userAgent" cbor:"user_agent"`
	IPAddress string `json:"ipAddress,omitempty" cbor:"ip_address,omitempty"`
	DeviceID  string `json:"deviceId" cbor:"device_id"`
}

// Session is the client's view of an authenticated session. It is created
// on login, touched by the heartbeat and persisted next to the token set.
type Session struct {
	ID            string           `json:"id" cbor:"id"`
	UserID        string           `json:"userId" cbor:"user_id"`
	Authenticated bool             `json:"authenticated" cbor:"authenticated"`
	Roles         []users.RoleType `json:"roles" cbor:"roles"`
	Device        Device           `json:"device" cbor:"device"`
	User          users.Profile    `json:"user" cbor:"user"`
	CreatedAt     time.Time        `json:"createdAt" cbor:"created_at"`

	// LastActivityAt is refreshed by every heartbeat.
	LastActivityAt time.Time `json:"lastActivityAt" cbor:"last_activity_at"`

	// RefreshExpiresAt is when the refresh token stops working. Zero when
	// the identity provider did not report it.
	RefreshExpiresAt time.Time `json:"refreshExpiresAt,omitempty" cbor:"refresh_expires_at,omitempty"`
}

// New creates an authenticated session with a fresh ID for profile.
func New(profile users.Profile, device Device, now time.Time) *Session {
	now = now.Round(0)
	return &Session{
		ID:             uuid.NewString(),
		UserID:         profile.ID,
		Authenticated:  true,
		Roles:          utils.CloneSlice(profile.Roles),
		Device:         device,
		User:           *profile.Clone(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Touch records activity at now.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now.Round(0)
}

// IdleFor is how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivityAt)
}

// TimedOut reports whether the session has been idle for longer than timeout.
func (s *Session) TimedOut(now time.Time, timeout time.Duration) bool {
	return s.IdleFor(now) > timeout
}

// Validate checks that a session record can be trusted at now.
func (s *Session) Validate(now time.Time, timeout time.Duration) error {
	switch {
	case s == nil:
		return fmt.Errorf("session is missing: %w", ErrInvalidSession)
	case s.ID == "":
		return fmt.Errorf("session has no id: %w", ErrInvalidSession)
	case s.UserID == "":
		return fmt.Errorf("session %s has no user: %w", s.ID, ErrInvalidSession)
	case !s.Authenticated:
		return fmt.Errorf("session %s is not authenticated: %w", s.ID, ErrInvalidSession)
	case s.User.ID != s.UserID:
		return fmt.Errorf("session %s user %q does not match profile %q: %w", s.ID, s.UserID, s.User.ID, ErrInvalidSession)
	case s.LastActivityAt.After(now.Add(MaxClockSkew)):
		return fmt.Errorf("session %s last activity is in the future: %w", s.ID, ErrInvalidSession)
	case s.TimedOut(now, timeout):
		return fmt.Errorf("session %s idle for %s: %w", s.ID, s.IdleFor(now).Truncate(time.Second), autherrors.ErrSessionExpired)
	case !s.RefreshExpiresAt.IsZero() && !now.Before(s.RefreshExpiresAt):
		return fmt.Errorf("session %s refresh token expired: %w", s.ID, autherrors.ErrRefreshTokenExpired)
	}
	return nil
}

// HasRole reports whether the session's user holds role.
func (s *Session) HasRole(role users.RoleType) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Roles, role)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Roles = utils.CloneSlice(s.Roles)
	c.User = *s.User.Clone()
	return &c
}
