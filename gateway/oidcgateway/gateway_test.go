package oidcgateway_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/gateway/oidcgateway"
	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/stretchr/testify/require"
)

const clientID = "client-1"

type testFixture struct {
	server  *httptest.Server
	key     *rsa.PrivateKey
	gateway *oidcgateway.Gateway

	mu      sync.Mutex
	revoked []string
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &testFixture{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("/jwks", f.handleJWKS)
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/revoke", f.handleRevoke)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	t.Setenv("IDENTITY_ISSUER_URL", f.server.URL)
	t.Setenv("IDENTITY_CLIENT_ID", clientID)
	t.Setenv("IDENTITY_CLIENT_SECRET", "client-secret")
	t.Setenv("IDENTITY_REQUESTS_PER_SECOND", "1000")

	f.gateway, err = oidcgateway.New(context.Background(), config.New())
	require.NoError(t, err)
	return f
}

func (f *testFixture) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                f.server.URL,
		"authorization_endpoint":                f.server.URL + "/authorize",
		"token_endpoint":                        f.server.URL + "/token",
		"jwks_uri":                              f.server.URL + "/jwks",
		"revocation_endpoint":                   f.server.URL + "/revoke",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (f *testFixture) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(f.key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(f.key.E)).Bytes()),
		}},
	})
}

func (f *testFixture) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "password":
		switch {
		case r.PostForm.Get("username") == "a@b.com" && r.PostForm.Get("password") == "Secret123!":
			writeJSON(w, http.StatusOK, f.tokens("1", "r1", true))
		case r.PostForm.Get("username") == "noid@b.com":
			writeJSON(w, http.StatusOK, f.tokens("2", "r1", false))
		case r.PostForm.Get("username") == "mfa@b.com":
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "mfa_required", "mfa_token": "mfa-1", "expires_in": 300})
		case r.PostForm.Get("username") == "forged@b.com":
			other, _ := rsa.GenerateKey(rand.Reader, 2048)
			body := f.tokens("1", "r1", false)
			body["id_token"] = f.idToken("1", other)
			writeJSON(w, http.StatusOK, body)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "wrong email or password"})
		}
	case "refresh_token":
		switch r.PostForm.Get("refresh_token") {
		case "r1":
			writeJSON(w, http.StatusOK, f.tokens("1", "r2", false))
		case "dead":
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "refresh token expired"})
		case "flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "unknown refresh token"})
		}
	case "http://auth0.com/oauth/grant-type/mfa-otp":
		if r.PostForm.Get("mfa_token") == "mfa-1" && r.PostForm.Get("otp") == "123456" {
			writeJSON(w, http.StatusOK, f.tokens("3", "r1", true))
			return
		}
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "invalid_grant", "error_description": "invalid otp"})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

func (f *testFixture) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.revoked = append(f.revoked, r.PostForm.Get("token"))
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (f *testFixture) tokens(subject, refreshToken string, withIDToken bool) map[string]any {
	access, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"email": "user" + subject + "@b.com",
		"name":  "Ada Lovelace",
		"roles": []string{"inspector"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("api-secret"))

	body := map[string]any{
		"access_token":       access,
		"token_type":         "Bearer",
		"expires_in":         3600,
		"refresh_token":      refreshToken,
		"refresh_expires_in": 86400,
		"scope":              "openid profile email offline_access",
	}
	if withIDToken {
		body["id_token"] = f.idToken(subject, f.key)
	}
	return body
}

func (f *testFixture) idToken(subject string, key *rsa.PrivateKey) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":         f.server.URL,
		"aud":         clientID,
		"sub":         subject,
		"email":       "a@b.com",
		"given_name":  "Ada",
		"family_name": "Lovelace",
		"roles":       []string{"admin", "viewer"},
		"iat":         time.Now().Unix(),
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "k1"
	signed, _ := tok.SignedString(key)
	return signed
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// TestLogin_VerifiesIDToken checks a password login returns the tokens and
// the profile from the verified ID token
func TestLogin_VerifiesIDToken(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.gateway.Login(context.Background(), gateway.Credentials{Email: "a@b.com", Password: "Secret123!"})
	require.NoError(t, err)
	require.False(t, result.RequiresMFA)

	require.Equal(t, "1", result.User.ID)
	require.Equal(t, "a@b.com", result.User.Email)
	require.Equal(t, "Ada", result.User.FirstName)
	require.Equal(t, []users.RoleType{users.RoleAdmin, users.RoleViewer}, result.User.Roles)

	require.NotEmpty(t, utils.Value(result.Tokens.AccessToken))
	require.Equal(t, "r1", utils.Value(result.Tokens.RefreshToken))
	require.InDelta(t, 3600, result.Tokens.ExpiresIn, 1)
	require.Equal(t, 86400, result.Tokens.RefreshExpiresIn)
	require.Equal(t, "openid profile email offline_access", result.Tokens.Scope)
}

// TestLogin_ProfileFromAccessToken checks the access token claims are used
// when no ID token is returned
func TestLogin_ProfileFromAccessToken(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.gateway.Login(context.Background(), gateway.Credentials{Email: "noid@b.com", Password: "x"})
	require.NoError(t, err)
	require.Equal(t, "2", result.User.ID)
	require.Equal(t, "user2@b.com", result.User.Email)
	require.Equal(t, []users.RoleType{users.RoleInspector}, result.User.Roles)
}

// TestLogin_RejectsForgedIDToken checks an ID token signed by another key is
// refused
func TestLogin_RejectsForgedIDToken(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.gateway.Login(context.Background(), gateway.Credentials{Email: "forged@b.com", Password: "x"})
	require.ErrorIs(t, err, autherrors.ErrInvalidToken)
}

// TestLogin_InvalidCredentials checks a rejected password grant is classified
func TestLogin_InvalidCredentials(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.gateway.Login(context.Background(), gateway.Credentials{Email: "a@b.com", Password: "wrong"})
	require.ErrorIs(t, err, autherrors.ErrInvalidCredentials)
}

// TestLogin_MFAChallenge checks the mfa_required answer and its completion
func TestLogin_MFAChallenge(t *testing.T) {
	f := setupTestFixture(t)

	result, err := f.gateway.Login(context.Background(), gateway.Credentials{Email: "mfa@b.com", Password: "x"})
	require.NoError(t, err)
	require.True(t, result.RequiresMFA)
	require.Nil(t, result.Tokens)
	require.Equal(t, "mfa-1", result.Challenge.ID)
	require.Equal(t, users.MFAuthenticator, result.Challenge.Method)
	require.False(t, result.Challenge.ExpiresAt.IsZero())

	_, err = f.gateway.VerifyChallenge(context.Background(), "mfa-1", "000000")
	require.ErrorIs(t, err, autherrors.ErrInvalidChallenge)

	result, err = f.gateway.VerifyChallenge(context.Background(), "mfa-1", "123456")
	require.NoError(t, err)
	require.Equal(t, "3", result.User.ID)
	require.Equal(t, 3600, result.Tokens.ExpiresIn)
}

// TestRefresh checks successful refreshes and each failure classification
func TestRefresh(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	resp, err := f.gateway.Refresh(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, "r2", utils.Value(resp.RefreshToken))
	require.NotEmpty(t, utils.Value(resp.AccessToken))

	_, err = f.gateway.Refresh(ctx, "dead")
	require.ErrorIs(t, err, autherrors.ErrRefreshTokenExpired)
	require.True(t, autherrors.IsPermanent(err))

	_, err = f.gateway.Refresh(ctx, "unknown")
	require.ErrorIs(t, err, autherrors.ErrInvalidRefreshToken)

	_, err = f.gateway.Refresh(ctx, "flaky")
	require.ErrorIs(t, err, autherrors.ErrTransport)
	require.False(t, autherrors.IsPermanent(err))
}

// TestTerminateSession checks the refresh token is revoked
func TestTerminateSession(t *testing.T) {
	f := setupTestFixture(t)

	err := f.gateway.TerminateSession(context.Background(), gateway.Termination{SessionID: "s1", AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)

	err = f.gateway.TerminateSession(context.Background(), gateway.Termination{SessionID: "s1", AccessToken: "a1"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"r1", "a1"}, f.revoked)
}
