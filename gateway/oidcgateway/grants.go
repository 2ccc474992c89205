package oidcgateway

// GrantType is the OAuth 2.0 grant type sent to the token endpoint.
// Determines what credentials the identity provider expects.
type GrantType string

const (
	// PasswordGrant exchanges the user's email and password for tokens.
	// Token request includes: username, password, scope, client credentials
	// Returns: access_token, refresh_token, id_token (with "openid")
	// or error "mfa_required" with an mfa_token when a second factor is due
	PasswordGrant GrantType = "password"

	// RefreshTokenGrant exchanges a refresh token for new tokens.
	// Token request includes: refresh_token, client credentials
	// Returns: new access_token and, with rotation, a new refresh_token
	RefreshTokenGrant GrantType = "refresh_token"

	// MFAOTPGrant completes a login that stopped at "mfa_required".
	// Token request includes: mfa_token, otp, client credentials
	// Returns: the same tokens as a successful PasswordGrant
	MFAOTPGrant GrantType = "http://auth0.com/oauth/grant-type/mfa-otp"
)

// Error codes returned in the "error" member of a token endpoint error
// response (RFC 6749 §5.2) that change how a failure is classified.
const (
	errorInvalidGrant  = "invalid_grant"
	errorInvalidClient = "invalid_client"
	errorMFARequired   = "mfa_required"
	errorExpiredToken  = "expired_token"
	errorAccessDenied  = "access_denied"
	errorSlowDown      = "slow_down"
)
