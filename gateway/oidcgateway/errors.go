package oidcgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/gateway"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/users"
	"golang.org/x/oauth2"
)

// tokenError is a token endpoint error response body.
type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	MFAToken    string `json:"mfa_token,omitempty"`
	MFAMethod   string `json:"mfa_method,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

func (e *tokenError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func decodeTokenError(status int, body []byte) *tokenError {
	te := &tokenError{}
	if err := json.Unmarshal(body, te); err != nil || te.Code == "" {
		te.Code = fmt.Sprintf("http_%d", status)
		te.Description = strings.TrimSpace(string(body))
	}
	return te
}

// retrieveError extracts the error response of a failed oauth2 exchange.
func retrieveError(err error) (int, *tokenError, bool) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return 0, nil, false
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	return status, decodeTokenError(status, re.Body), true
}

// classify maps a token endpoint failure onto the shared sentinels. rejected
// is the sentinel used when the provider refused the grant itself.
func classify(status int, te *tokenError, rejected error) error {
	switch {
	case status == http.StatusTooManyRequests || te.Code == errorSlowDown:
		return fmt.Errorf("%w: %s", autherrors.ErrRateLimited, te)
	case te.Code == errorInvalidGrant && rejected == autherrors.ErrInvalidRefreshToken && strings.Contains(strings.ToLower(te.Description), "expired"):
		return fmt.Errorf("%w: %s", autherrors.ErrRefreshTokenExpired, te)
	case te.Code == errorExpiredToken && rejected == autherrors.ErrInvalidChallenge:
		return fmt.Errorf("%w: %s", autherrors.ErrChallengeExpired, te)
	case te.Code == errorInvalidGrant:
		return fmt.Errorf("%w: %s", rejected, te)
	case te.Code == errorAccessDenied:
		return fmt.Errorf("%w: %s", autherrors.ErrUserBlocked, te)
	case te.Code == errorInvalidClient:
		return fmt.Errorf("%w: client rejected: %s", autherrors.ErrInternal, te)
	default:
		return fmt.Errorf("%w: %s", autherrors.ErrTransport, te)
	}
}

// classifyExchange classifies an error returned by x/oauth2.
func classifyExchange(err error, rejected error) error {
	if status, te, ok := retrieveError(err); ok {
		return classify(status, te, rejected)
	}
	return errors.Join(autherrors.ErrTransport, err)
}

// mfaChallenge returns the challenge carried by an "mfa_required" error.
func mfaChallenge(err error, now time.Time) *gateway.Challenge {
	_, te, ok := retrieveError(err)
	if !ok || te.Code != errorMFARequired || te.MFAToken == "" {
		return nil
	}
	challenge := &gateway.Challenge{
		ID:     te.MFAToken,
		Method: users.MFAuthenticator,
	}
	if te.MFAMethod != "" {
		challenge.Method = users.MFAuthType(te.MFAMethod)
	}
	if te.ExpiresIn > 0 {
		challenge.ExpiresAt = now.Add(time.Duration(te.ExpiresIn) * time.Second)
	}
	return challenge
}
