package config

import (
	"time"

	"github.com/google/uuid"
)

type SessionConfig interface {
	GetRefreshBuffer() time.Duration
	GetHeartbeatInterval() time.Duration
	GetSessionTimeout() time.Duration
	GetRefreshAttempts() int
	GetRefreshBackoff() time.Duration
	GetDeviceID() string
	GetUserAgent() string
}

type Session struct {
	file *fileValues
}

var _ SessionConfig = Session{}

// GetRefreshBuffer is how long before access token expiry a proactive
// refresh is started.
func (s Session) GetRefreshBuffer() time.Duration {
	return GetEnvDuration("SESSION_REFRESH_BUFFER", orDuration(s.file.Session.RefreshBuffer, 5*time.Minute))
}

func (s Session) GetHeartbeatInterval() time.Duration {
	return GetEnvDuration("SESSION_HEARTBEAT_INTERVAL", orDuration(s.file.Session.HeartbeatInterval, time.Minute))
}

// GetSessionTimeout is the longest a session may go without activity.
func (s Session) GetSessionTimeout() time.Duration {
	return GetEnvDuration("SESSION_TIMEOUT", orDuration(s.file.Session.Timeout, 24*time.Hour))
}

func (s Session) GetRefreshAttempts() int {
	return GetEnvInt("SESSION_REFRESH_ATTEMPTS", orInt(s.file.Session.RefreshAttempts, 3))
}

// GetRefreshBackoff is the wait after the first failed refresh attempt; it
// doubles after each further failure.
func (s Session) GetRefreshBackoff() time.Duration {
	return GetEnvDuration("SESSION_REFRESH_BACKOFF", orDuration(s.file.Session.RefreshBackoff, time.Second))
}

// GetDeviceID identifies this installation in the session device
// descriptor. A random ID is used when none is configured.
func (s Session) GetDeviceID() string {
	return GetEnv("SESSION_DEVICE_ID", orString(s.file.Session.DeviceID, uuid.NewString()))
}

func (s Session) GetUserAgent() string {
	return GetEnv("SESSION_USER_AGENT", orString(s.file.Session.UserAgent, "go-auth-session"))
}
