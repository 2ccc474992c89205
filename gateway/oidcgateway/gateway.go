// Package oidcgateway talks to an OpenID Connect identity provider with the
// resource owner password grant, refresh tokens, an OTP second factor and
// RFC 7009 token revocation.
package oidcgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// maxBodySize bounds the token endpoint responses read by hand.
const maxBodySize = 1 << 20

// Gateway is a gateway.Gateway backed by an OpenID Connect provider.
type Gateway struct {
	oauth         *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	revocationURL string
	httpClient    *http.Client
	limiter       *rate.Limiter
	logger        zerolog.Logger
	now           func() time.Time
}

var _ gateway.Gateway = (*Gateway)(nil)

type Option func(*Gateway)

// WithHTTPClient replaces the client used for every provider call.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithLimiter replaces the outbound rate limiter.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(g *Gateway) {
		g.limiter = limiter
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithNow(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// discovery holds the provider metadata fields go-oidc does not expose.
type discovery struct {
	RevocationEndpoint string `json:"revocation_endpoint"`
}

// New discovers the provider at cfg's issuer URL and returns a Gateway for
// the configured client.
func New(ctx context.Context, cfg config.IdentityConfig, options ...Option) (*Gateway, error) {
	g := &Gateway{
		httpClient: &http.Client{Timeout: cfg.GetRequestTimeout()},
		limiter:    rate.NewLimiter(rate.Limit(cfg.GetRequestsPerSecond()), 1),
		logger:     log.Logger,
		now:        time.Now,
	}
	for _, opt := range options {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "oidc_gateway").Str("issuer", cfg.GetIssuerURL()).Logger()

	provider, err := oidc.NewProvider(g.clientContext(ctx), cfg.GetIssuerURL())
	if err != nil {
		return nil, fmt.Errorf("[oidcgateway.New] failed to create OIDC provider: %w", err)
	}

	var meta discovery
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("[oidcgateway.New] failed to read provider metadata: %w", err)
	}

	g.revocationURL = meta.RevocationEndpoint
	g.oauth = &oauth2.Config{
		ClientID:     cfg.GetClientID(),
		ClientSecret: cfg.GetClientSecret(),
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.GetScopes(),
	}
	g.verifier = provider.Verifier(&oidc.Config{
		ClientID: cfg.GetClientID(),
		Now:      g.now,
	})
	return g, nil
}

func (g *Gateway) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, g.httpClient)
}

func (g *Gateway) wait(ctx context.Context, op string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("[oidcgateway.%s] %w: %w", op, autherrors.ErrRateLimited, err)
	}
	return nil
}

// Login runs the password grant. A provider answering "mfa_required"
// yields a LoginResult carrying the challenge instead of tokens.
func (g *Gateway) Login(ctx context.Context, credentials gateway.Credentials) (*gateway.LoginResult, error) {
	if err := g.wait(ctx, "Login"); err != nil {
		return nil, err
	}

	tok, err := g.oauth.PasswordCredentialsToken(g.clientContext(ctx), credentials.Email, credentials.Password)
	if err != nil {
		if challenge := mfaChallenge(err, g.now()); challenge != nil {
			g.logger.Info().Str("method", string(challenge.Method)).Msg("second factor required")
			return &gateway.LoginResult{RequiresMFA: true, Challenge: challenge}, nil
		}
		return nil, fmt.Errorf("[oidcgateway.Login] %w", classifyExchange(err, autherrors.ErrInvalidCredentials))
	}
	return g.loginResult(ctx, responseFromToken(tok, g.now()))
}

// Refresh exchanges refreshToken for a new token response.
func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (*token.Response, error) {
	if err := g.wait(ctx, "Refresh"); err != nil {
		return nil, err
	}

	source := g.oauth.TokenSource(g.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("[oidcgateway.Refresh] %w", classifyExchange(err, autherrors.ErrInvalidRefreshToken))
	}
	return responseFromToken(tok, g.now()), nil
}

// VerifyChallenge completes a login with the OTP code for challengeID.
func (g *Gateway) VerifyChallenge(ctx context.Context, challengeID, code string) (*gateway.LoginResult, error) {
	if err := g.wait(ctx, "VerifyChallenge"); err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {string(MFAOTPGrant)},
		"mfa_token":  {challengeID},
		"otp":        {code},
	}
	status, body, err := g.postForm(ctx, g.oauth.Endpoint.TokenURL, form)
	if err != nil {
		return nil, fmt.Errorf("[oidcgateway.VerifyChallenge] %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("[oidcgateway.VerifyChallenge] %w", classify(status, decodeTokenError(status, body), autherrors.ErrInvalidChallenge))
	}

	resp := &token.Response{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("[oidcgateway.VerifyChallenge] decoding token response: %w", errors.Join(autherrors.ErrTransport, err))
	}
	return g.loginResult(ctx, resp)
}

// TerminateSession revokes the refresh token, or the access token when
// there is none, at the provider's revocation endpoint.
func (g *Gateway) TerminateSession(ctx context.Context, termination gateway.Termination) error {
	if g.revocationURL == "" {
		return fmt.Errorf("[oidcgateway.TerminateSession] provider has no revocation endpoint: %w", autherrors.ErrUnsupported)
	}
	if err := g.wait(ctx, "TerminateSession"); err != nil {
		return err
	}

	form := url.Values{"token": {termination.RefreshToken}, "token_type_hint": {"refresh_token"}}
	if termination.RefreshToken == "" {
		form = url.Values{"token": {termination.AccessToken}, "token_type_hint": {"access_token"}}
	}
	status, body, err := g.postForm(ctx, g.revocationURL, form)
	if err != nil {
		return fmt.Errorf("[oidcgateway.TerminateSession] %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("[oidcgateway.TerminateSession] %w", classify(status, decodeTokenError(status, body), autherrors.ErrInvalidToken))
	}
	g.logger.Debug().Str("session_id", termination.SessionID).Msg("tokens revoked")
	return nil
}

// postForm sends an authenticated form to the provider and returns the
// status and body.
func (g *Gateway) postForm(ctx context.Context, endpoint string, form url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, errors.Join(autherrors.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(url.QueryEscape(g.oauth.ClientID), url.QueryEscape(g.oauth.ClientSecret))

	res, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Join(autherrors.ErrTransport, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return 0, nil, errors.Join(autherrors.ErrTransport, err)
	}
	return res.StatusCode, body, nil
}

// idClaims are the ID token claims mapped onto the user profile.
type idClaims struct {
	Sub        string   `json:"sub"`
	Email      string   `json:"email"`
	GivenName  string   `json:"given_name"`
	FamilyName string   `json:"family_name"`
	Name       string   `json:"name"`
	Roles      []string `json:"roles"`
	MFType     string   `json:"mf_type"`
}

// loginResult resolves the signed-in user. The ID token is verified when
// present; otherwise the profile is read from the access token claims.
func (g *Gateway) loginResult(ctx context.Context, resp *token.Response) (*gateway.LoginResult, error) {
	if utils.Value(resp.AccessToken) == "" {
		return nil, fmt.Errorf("[oidcgateway.loginResult] no access token in response: %w", autherrors.ErrInvalidToken)
	}

	if rawIDToken := utils.Value(resp.IdToken); rawIDToken != "" {
		idToken, err := g.verifier.Verify(g.clientContext(ctx), rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("[oidcgateway.loginResult] ID token verification failed: %w", errors.Join(autherrors.ErrInvalidToken, err))
		}
		var claims idClaims
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("[oidcgateway.loginResult] failed to extract claims: %w", errors.Join(autherrors.ErrInvalidToken, err))
		}
		profile := &users.Profile{
			ID:        claims.Sub,
			Email:     claims.Email,
			FirstName: claims.GivenName,
			LastName:  claims.FamilyName,
			Roles:     users.ParseRoles(claims.Roles),
			MFType:    users.MFAuthType(claims.MFType),
		}
		if profile.FirstName == "" && profile.LastName == "" {
			profile = withName(profile, claims.Name)
		}
		return &gateway.LoginResult{Tokens: resp, User: profile}, nil
	}

	claims, err := token.PeekClaims(utils.Value(resp.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("[oidcgateway.loginResult] no ID token and access token is not a JWT: %w", errors.Join(autherrors.ErrInvalidToken, err))
	}
	return &gateway.LoginResult{Tokens: resp, User: gateway.ProfileFromClaims(claims)}, nil
}

func withName(profile *users.Profile, name string) *users.Profile {
	profile.FirstName, profile.LastName, _ = strings.Cut(strings.TrimSpace(name), " ")
	return profile
}

// responseFromToken converts an x/oauth2 token into the wire response.
func responseFromToken(tok *oauth2.Token, now time.Time) *token.Response {
	resp := &token.Response{
		AccessToken:  utils.Ptr(tok.AccessToken),
		RefreshToken: utils.PtrIfSet(tok.RefreshToken),
		TokenType:    tok.Type(),
		ExpiresIn:    int(tok.ExpiresIn),
	}
	if resp.ExpiresIn <= 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IdToken = utils.PtrIfSet(idToken)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if refreshExpiresIn, ok := tok.Extra("refresh_expires_in").(float64); ok {
		resp.RefreshExpiresIn = int(refreshExpiresIn)
	}
	return resp
}
