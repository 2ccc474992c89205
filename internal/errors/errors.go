package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the gateway adapters, the stores and the session
// manager. Gateways classify remote failures with these so that the session
// manager can decide between user-facing and retryable errors.
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidChallenge   = errors.New("invalid challenge code")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrUserBlocked        = errors.New("user is blocked")

	// Token errors
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrRefreshTokenExpired = errors.New("refresh token expired")

	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionChanged  = errors.New("session changed")

	// Remote errors
	ErrTransport   = errors.New("transport failure")
	ErrRateLimited = errors.New("rate limited")

	// General errors
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsPermanent reports whether a refresh failure can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidRefreshToken) ||
		errors.Is(err, ErrRefreshTokenExpired) ||
		errors.Is(err, ErrUserBlocked)
}
