// Package gatewayfake is an in-memory identity provider for tests and the
// sessionctl demo. It issues HS256 access tokens, rotating refresh tokens
// and TOTP challenges, and lets tests inject failures and count calls.
package gatewayfake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/gateway"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	DefaultAccessTTL    = time.Hour
	DefaultRefreshTTL   = 30 * 24 * time.Hour
	DefaultChallengeTTL = 5 * time.Minute
	issuer              = "gatewayfake"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

type account struct {
	profile    users.Profile
	password   string
	totpSecret string
	blocked    bool
}

type grant struct {
	userID    string
	expiresAt time.Time
}

type challenge struct {
	email     string
	expiresAt time.Time
}

// Gateway is a fake gateway.Gateway. It is safe for concurrent use.
type Gateway struct {
	mu            sync.Mutex
	now           func() time.Time
	signingKey    []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	challengeTTL  time.Duration
	rotate        bool
	accounts      map[string]*account
	emailIDs      map[string]string
	refreshTokens map[string]*grant
	challenges    map[string]*challenge
	terminated    []gateway.Termination

	loginErr     error
	refreshErrs  []error
	refreshErr   error
	terminateErr error
	refreshHook  func(ctx context.Context)

	loginCalls     atomic.Int32
	refreshCalls   atomic.Int32
	verifyCalls    atomic.Int32
	terminateCalls atomic.Int32
}

var _ gateway.Gateway = (*Gateway)(nil)

type Option func(*Gateway)

// WithClock sets the time source used to stamp and expire tokens.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func WithAccessTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		g.accessTTL = ttl
	}
}

// WithRefreshTTL sets the refresh token lifetime. Zero means refresh tokens
// never expire and no refresh_expires_in is reported.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(g *Gateway) {
		g.refreshTTL = ttl
	}
}

func WithSigningKey(key []byte) Option {
	return func(g *Gateway) {
		g.signingKey = key
	}
}

// WithoutRotation keeps refresh tokens valid after use.
func WithoutRotation() Option {
	return func(g *Gateway) {
		g.rotate = false
	}
}

// New creates an empty fake identity provider.
func New(options ...Option) *Gateway {
	g := &Gateway{
		now:           time.Now,
		signingKey:    []byte("gatewayfake-signing-key"),
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		challengeTTL:  DefaultChallengeTTL,
		rotate:        true,
		accounts:      make(map[string]*account),
		emailIDs:      make(map[string]string),
		refreshTokens: make(map[string]*grant),
		challenges:    make(map[string]*challenge),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// AddUser registers a user that can log in with password. A profile without
// an ID gets a random one.
func (g *Gateway) AddUser(profile users.Profile, password string) *users.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()

	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}
	email := normalise(profile.Email)
	g.accounts[profile.ID] = &account{profile: *profile.Clone(), password: password}
	g.emailIDs[email] = profile.ID
	return profile.Clone()
}

// EnableTOTP enrols email in an authenticator second factor and returns the
// shared secret.
func (g *Gateway) EnableTOTP(email string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: email})
	if err != nil {
		return "", fmt.Errorf("[gatewayfake.EnableTOTP] %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	acc, err := g.accountLocked(email)
	if err != nil {
		return "", err
	}
	acc.totpSecret = key.Secret()
	acc.profile.MFType = users.MFAuthenticator
	return key.Secret(), nil
}

// Code returns the current TOTP code of email.
func (g *Gateway) Code(email string) (string, error) {
	g.mu.Lock()
	acc, err := g.accountLocked(email)
	g.mu.Unlock()
	if err != nil {
		return "", err
	}
	return totp.GenerateCodeCustom(acc.totpSecret, g.now(), totpOpts)
}

// Block makes every login and refresh of email fail with ErrUserBlocked.
func (g *Gateway) Block(email string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	acc, err := g.accountLocked(email)
	if err != nil {
		return err
	}
	acc.blocked = true
	return nil
}

func (g *Gateway) accountLocked(email string) (*account, error) {
	id, ok := g.emailIDs[normalise(email)]
	if !ok {
		return nil, fmt.Errorf("[gatewayfake] unknown user %s: %w", email, autherrors.ErrNotFound)
	}
	return g.accounts[id], nil
}

// FailLogin makes every Login return err until called with nil.
func (g *Gateway) FailLogin(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loginErr = err
}

// FailRefresh queues errors returned by the next Refresh calls, one per
// call. A nil entry lets that call succeed.
func (g *Gateway) FailRefresh(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshErrs = append(g.refreshErrs, errs...)
}

// FailRefreshAlways makes every Refresh return err until called with nil.
func (g *Gateway) FailRefreshAlways(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshErr = err
}

func (g *Gateway) FailTerminate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.terminateErr = err
}

// OnRefresh installs a hook run at the start of every Refresh call, before
// any other processing. Tests use it to hold a refresh in flight.
func (g *Gateway) OnRefresh(hook func(ctx context.Context)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshHook = hook
}

// RevokeAll invalidates every outstanding refresh token.
func (g *Gateway) RevokeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.refreshTokens)
}

func (g *Gateway) LoginCalls() int     { return int(g.loginCalls.Load()) }
func (g *Gateway) RefreshCalls() int   { return int(g.refreshCalls.Load()) }
func (g *Gateway) VerifyCalls() int    { return int(g.verifyCalls.Load()) }
func (g *Gateway) TerminateCalls() int { return int(g.terminateCalls.Load()) }

// Terminated returns the terminations received, oldest first.
func (g *Gateway) Terminated() []gateway.Termination {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.terminated)
}

// SigningKey returns the HS256 key access tokens are signed with.
func (g *Gateway) SigningKey() []byte {
	return g.signingKey
}

func (g *Gateway) Login(ctx context.Context, credentials gateway.Credentials) (*gateway.LoginResult, error) {
	g.loginCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("[gatewayfake.Login] %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loginErr != nil {
		return nil, g.loginErr
	}
	acc, err := g.accountLocked(credentials.Email)
	if err != nil || acc.password != credentials.Password {
		return nil, fmt.Errorf("[gatewayfake.Login] %w", autherrors.ErrInvalidCredentials)
	}
	if acc.blocked {
		return nil, fmt.Errorf("[gatewayfake.Login] %w", autherrors.ErrUserBlocked)
	}

	if acc.totpSecret != "" {
		id := uuid.NewString()
		expiresAt := g.now().Add(g.challengeTTL)
		g.challenges[id] = &challenge{email: normalise(credentials.Email), expiresAt: expiresAt}
		return &gateway.LoginResult{
			RequiresMFA: true,
			Challenge:   &gateway.Challenge{ID: id, Method: users.MFAuthenticator, ExpiresAt: expiresAt},
		}, nil
	}
	return g.issueLocked(acc)
}

func (g *Gateway) VerifyChallenge(ctx context.Context, challengeID, code string) (*gateway.LoginResult, error) {
	g.verifyCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("[gatewayfake.VerifyChallenge] %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.challenges[challengeID]
	if !ok {
		return nil, fmt.Errorf("[gatewayfake.VerifyChallenge] unknown challenge: %w", autherrors.ErrInvalidChallenge)
	}
	now := g.now()
	if now.After(ch.expiresAt) {
		delete(g.challenges, challengeID)
		return nil, fmt.Errorf("[gatewayfake.VerifyChallenge] %w", autherrors.ErrChallengeExpired)
	}
	acc, err := g.accountLocked(ch.email)
	if err != nil {
		return nil, fmt.Errorf("[gatewayfake.VerifyChallenge] %w", autherrors.ErrInvalidChallenge)
	}
	valid, err := totp.ValidateCustom(code, acc.totpSecret, now, totpOpts)
	if err != nil || !valid {
		return nil, fmt.Errorf("[gatewayfake.VerifyChallenge] %w", autherrors.ErrInvalidChallenge)
	}

	delete(g.challenges, challengeID)
	return g.issueLocked(acc)
}

func (g *Gateway) Refresh(ctx context.Context, refreshToken string) (*token.Response, error) {
	g.refreshCalls.Add(1)

	g.mu.Lock()
	hook := g.refreshHook
	g.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("[gatewayfake.Refresh] %w", errors.Join(autherrors.ErrTransport, err))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.refreshErrs) > 0 {
		err := g.refreshErrs[0]
		g.refreshErrs = g.refreshErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if g.refreshErr != nil {
		return nil, g.refreshErr
	}

	rt, ok := g.refreshTokens[refreshToken]
	if !ok {
		return nil, fmt.Errorf("[gatewayfake.Refresh] %w", autherrors.ErrInvalidRefreshToken)
	}
	if !rt.expiresAt.IsZero() && !g.now().Before(rt.expiresAt) {
		delete(g.refreshTokens, refreshToken)
		return nil, fmt.Errorf("[gatewayfake.Refresh] %w", autherrors.ErrRefreshTokenExpired)
	}
	acc, ok := g.accounts[rt.userID]
	if !ok {
		return nil, fmt.Errorf("[gatewayfake.Refresh] %w", autherrors.ErrInvalidRefreshToken)
	}
	if acc.blocked {
		return nil, fmt.Errorf("[gatewayfake.Refresh] %w", autherrors.ErrUserBlocked)
	}

	if g.rotate {
		delete(g.refreshTokens, refreshToken)
		return g.tokensLocked(acc)
	}
	resp, err := g.tokensLocked(acc)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = nil
	return resp, nil
}

func (g *Gateway) TerminateSession(ctx context.Context, termination gateway.Termination) error {
	g.terminateCalls.Add(1)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.terminated = append(g.terminated, termination)
	if g.terminateErr != nil {
		return g.terminateErr
	}
	delete(g.refreshTokens, termination.RefreshToken)
	return nil
}

func (g *Gateway) issueLocked(acc *account) (*gateway.LoginResult, error) {
	resp, err := g.tokensLocked(acc)
	if err != nil {
		return nil, err
	}
	return &gateway.LoginResult{Tokens: resp, User: acc.profile.Clone()}, nil
}

// tokensLocked signs a new access token and stores a new refresh token.
func (g *Gateway) tokensLocked(acc *account) (*token.Response, error) {
	now := g.now()
	roles := make([]string, 0, len(acc.profile.Roles))
	for _, r := range acc.profile.Roles {
		roles = append(roles, string(r))
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   issuer,
		"sub":   acc.profile.ID,
		"email": acc.profile.Email,
		"name":  strings.TrimSpace(acc.profile.FirstName + " " + acc.profile.LastName),
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(g.accessTTL).Unix(),
		"jti":   uuid.NewString(),
	}).SignedString(g.signingKey)
	if err != nil {
		return nil, fmt.Errorf("[gatewayfake] signing access token: %w", err)
	}

	refreshToken := uuid.NewString()
	rt := &grant{userID: acc.profile.ID}
	resp := &token.Response{
		AccessToken:  utils.Ptr(access),
		TokenType:    "bearer",
		ExpiresIn:    int(g.accessTTL / time.Second),
		RefreshToken: utils.Ptr(refreshToken),
		Scope:        "openid profile email offline_access",
	}
	if g.refreshTTL > 0 {
		rt.expiresAt = now.Add(g.refreshTTL)
		resp.RefreshExpiresIn = int(g.refreshTTL / time.Second)
	}
	g.refreshTokens[refreshToken] = rt
	return resp, nil
}

func normalise(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
