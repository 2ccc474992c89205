package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrLoginInProgress      = errors.New("login in progress")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrNoPendingChallenge   = errors.New("no pending challenge")
	ErrLoginAborted         = errors.New("login aborted by logout")
	ErrClosed               = errors.New("session manager closed")
)

// ThrottledError is returned by Login while too many recent attempts have
// failed. The identity provider is not contacted.
type ThrottledError struct {
	Attempts   int
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("too many attempts: %d failed logins, retry in %s", e.Attempts, e.RetryAfter.Round(time.Second))
}

// AuthenticationError is returned when the identity provider rejected the
// credentials or the challenge code.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Err.Error()
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// RefreshExhaustedError is returned by an explicit Refresh after every
// attempt failed. The session has been ended by the time it is returned.
type RefreshExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RefreshExhaustedError) Error() string {
	return fmt.Sprintf("token refresh failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RefreshExhaustedError) Unwrap() error {
	return e.Err
}

// IntegrityError describes a persisted record that could not be trusted on
// restore. It is only reported through LastError and the event log.
type IntegrityError struct {
	Record string
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s record rejected: %s: %v", e.Record, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s record rejected: %s", e.Record, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// TransportError wraps a gateway failure that was not a rejection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
