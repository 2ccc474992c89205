package auth

import (
	"fmt"
	"slices"
)

// Status is the lifecycle state of the session manager.
type Status int

const (
	Unauthenticated Status = iota
	Pending
	Authenticated
	MFARequired
	Refreshing
	Error
)

func (s Status) String() string {
	switch s {
	case Unauthenticated:
		return "UNAUTHENTICATED"
	case Pending:
		return "PENDING"
	case Authenticated:
		return "AUTHENTICATED"
	case MFARequired:
		return "MFA_REQUIRED"
	case Refreshing:
		return "REFRESHING"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Signed reports whether s holds a usable session.
func (s Status) Signed() bool {
	return s == Authenticated || s == Refreshing
}

// Reason explains a status change.
type Reason string

const (
	ReasonLogin             Reason = "login"
	ReasonLoginFailed       Reason = "login_failed"
	ReasonChallenge         Reason = "mfa_challenge"
	ReasonLogout            Reason = "logout"
	ReasonRefresh           Reason = "refresh"
	ReasonRefreshExhausted  Reason = "refresh_exhausted"
	ReasonSessionExpired    Reason = "session_expired"
	ReasonConcurrentSession Reason = "concurrent_session"
	ReasonSecurityViolation Reason = "security_violation"
	ReasonRemoteLogout      Reason = "remote_logout"
	ReasonRestore           Reason = "restore"
	ReasonError             Reason = "error"
)

// StatusChange is delivered to OnStatusChange callbacks.
type StatusChange struct {
	From   Status
	To     Status
	Reason Reason
	Err    error
}

// SessionExpired reports whether the change ended a session because it ran
// out, so a redirect to the login page should say so.
func (c StatusChange) SessionExpired() bool {
	if c.To != Unauthenticated {
		return false
	}
	return c.Reason == ReasonSessionExpired || c.Reason == ReasonRefreshExhausted
}

var transitions = map[Status][]Status{
	Unauthenticated: {Pending, Authenticated, Error},
	Pending:         {Authenticated, MFARequired, Unauthenticated, Error},
	MFARequired:     {Authenticated, Pending, Unauthenticated, Error},
	Authenticated:   {Refreshing, Unauthenticated, Error},
	Refreshing:      {Authenticated, Unauthenticated, Error},
	Error:           {Unauthenticated},
}

// CanTransition reports whether the manager may move from one status to
// another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}
