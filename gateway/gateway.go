// Package gateway defines the boundary between the session manager and the
// identity provider.
//
// Implementations classify failures with the sentinel errors of
// internal/errors so the session manager can tell rejected credentials and
// dead refresh tokens apart from transient transport problems:
//
//   - ErrInvalidCredentials: the email/password pair was rejected
//   - ErrInvalidChallenge, ErrChallengeExpired: the MFA code was rejected
//   - ErrInvalidRefreshToken, ErrRefreshTokenExpired: refresh can never succeed
//   - anything else is treated as a retryable transport failure
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
)

// Credentials are the user's sign-in details. They are only held for the
// duration of a Login call and are never persisted or logged.
type Credentials struct {
	Email      string
	Password   string
	RememberMe bool
}

// Challenge is a pending second-factor challenge.
type Challenge struct {
	ID        string
	Method    users.MFAuthType
	ExpiresAt time.Time
}

// LoginResult is the outcome of a successful credential or challenge check.
// Either Tokens and User are set, or RequiresMFA and Challenge are.
type LoginResult struct {
	Tokens      *token.Response
	User        *users.Profile
	RequiresMFA bool
	Challenge   *Challenge
}

// Termination identifies the remote session to end on logout.
type Termination struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
}

// Gateway is the identity provider as seen by the session manager.
type Gateway interface {
	Login(ctx context.Context, credentials Credentials) (*LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*token.Response, error)
	VerifyChallenge(ctx context.Context, challengeID, code string) (*LoginResult, error)

	// TerminateSession ends the session at the provider. Callers treat it as
	// best effort.
	TerminateSession(ctx context.Context, termination Termination) error
}

// ProfileFromClaims builds a user profile from token claims.
func ProfileFromClaims(claims *token.Claims) *users.Profile {
	if claims == nil {
		return nil
	}
	first, last, _ := strings.Cut(strings.TrimSpace(claims.Name), " ")
	return &users.Profile{
		ID:        claims.Subject,
		Email:     claims.Email,
		FirstName: first,
		LastName:  last,
		Roles:     users.ParseRoles(claims.Roles),
	}
}
