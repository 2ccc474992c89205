package config

import "time"

type SecurityConfig interface {
	GetLoginWindow() time.Duration
	GetLoginAttemptLimit() int
}

type Security struct {
	file *fileValues
}

var _ SecurityConfig = Security{}

// GetLoginWindow is the sliding window in which failed logins are counted.
func (s Security) GetLoginWindow() time.Duration {
	return GetEnvDuration("LOGIN_THROTTLE_WINDOW", orDuration(s.file.Security.LoginWindow, 15*time.Minute))
}

// GetLoginAttemptLimit is the number of failed logins inside the window
// after which further attempts are blocked.
func (s Security) GetLoginAttemptLimit() int {
	return GetEnvInt("LOGIN_THROTTLE_LIMIT", orInt(s.file.Security.LoginAttemptLimit, 5))
}
