package token

import "time"

// Response is the token endpoint response as defined in RFC 6749 §5.1,
// returned by the identity gateway for logins, challenges and refreshes.
type Response struct {
	// AccessToken is the bearer token sent to the API.
	// Usage: "Authorization: Bearer <access_token>"
	AccessToken *string `json:"access_token,omitempty"`

	// IdToken is the OpenID Connect ID token. Only present when the
	// "openid" scope was granted.
	IdToken *string `json:"id_token,omitempty"`

	// TokenType indicates how to use the access token, normally "bearer".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the lifetime in seconds of the access token.
	ExpiresIn int `json:"expires_in,omitempty"`

	// RefreshToken is the opaque token used to obtain new access tokens.
	// Rotates on each use with most providers.
	RefreshToken *string `json:"refresh_token,omitempty"`

	// RefreshExpiresIn is the lifetime in seconds of the refresh token when
	// the provider reports it. Zero means unknown.
	RefreshExpiresIn int `json:"refresh_expires_in,omitempty"`

	// Scope is the space-separated list of granted scopes.
	Scope string `json:"scope,omitempty"`
}

// RefreshExpiresAt returns when the refresh token stops being usable, or the
// zero time when the provider did not say.
func (r *Response) RefreshExpiresAt(issuedAt time.Time) time.Time {
	if r == nil || r.RefreshExpiresIn <= 0 || r.RefreshExpiresIn > MaxExpiresIn {
		return time.Time{}
	}
	return issuedAt.Add(time.Duration(r.RefreshExpiresIn) * time.Second)
}
