package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/gateway/gatewayfake"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/jrsteele09/go-auth-session/store/memory"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testFixture holds all test dependencies
type testFixture struct {
	gateway  *gatewayfake.Gateway
	manager  *auth.SessionManager
	server   *server.Server
	upstream *httptest.Server
	seen     chan string
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	c := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	gw := gatewayfake.New(gatewayfake.WithClock(c.Now))
	gw.AddUser(users.Profile{
		ID:        "1",
		Email:     "a@b.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Roles:     []users.RoleType{users.RoleAdmin},
	}, "Secret123!")
	gw.AddUser(users.Profile{ID: "2", Email: "viewer@b.com", Roles: []users.RoleType{users.RoleViewer}}, "Secret123!")

	m, err := auth.NewSessionManager(gw, memory.New(), config.New(),
		auth.WithClock(c),
		auth.WithLogger(zerolog.Nop()),
		auth.WithRefreshBackoff(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	seen := make(chan string, 10)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.URL.Path + " " + r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"inspections":[]}`))
	}))
	t.Cleanup(upstream.Close)
	upstreamURL, err := url.Parse(upstream.URL + "/v1")
	require.NoError(t, err)

	s, err := server.New(config.New(), m, server.WithAPIUpstream(upstreamURL), server.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return &testFixture{gateway: gw, manager: m, server: s, upstream: upstream, seen: seen}
}

func (f *testFixture) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *testFixture) login(t *testing.T, email string) {
	t.Helper()
	rec := f.do(http.MethodPost, server.RouteLogin, url.Values{"email": {email}, "password": {"Secret123!"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, server.RouteDashboard, rec.Header().Get("Location"))
}

// TestDashboard_RequiresLogin checks the dashboard redirects anonymous visitors
func TestDashboard_RequiresLogin(t *testing.T) {
	f := setupTestFixture(t)

	rec := f.do(http.MethodGet, server.RouteDashboard, nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, server.RouteLogin, rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, server.RouteLogin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Sign in")
	require.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))
}

// TestLogin_ShowsDashboard checks a form login leads to the dashboard
func TestLogin_ShowsDashboard(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, "a@b.com")

	rec := f.do(http.MethodGet, server.RouteDashboard, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Welcome, Ada Lovelace")
	require.Contains(t, rec.Body.String(), f.manager.SessionID())

	rec = f.do(http.MethodGet, server.RouteLogin, nil)
	require.Equal(t, http.StatusSeeOther, rec.Code, "signed-in users skip the login page")
}

// TestLogin_WrongPassword checks the login page reports rejected credentials
func TestLogin_WrongPassword(t *testing.T) {
	f := setupTestFixture(t)

	rec := f.do(http.MethodPost, server.RouteLogin, url.Values{"email": {"a@b.com"}, "password": {"nope"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, server.RouteLogin, location.Path)
	require.Equal(t, "Invalid email or password", location.Query().Get("error"))
	require.Equal(t, "a@b.com", location.Query().Get("email"))
}

// TestLogin_Throttled checks the sixth attempt shows the throttle message
func TestLogin_Throttled(t *testing.T) {
	f := setupTestFixture(t)
	for range 5 {
		f.do(http.MethodPost, server.RouteLogin, url.Values{"email": {"a@b.com"}, "password": {"nope"}})
	}

	rec := f.do(http.MethodPost, server.RouteLogin, url.Values{"email": {"a@b.com"}, "password": {"Secret123!"}})

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Contains(t, location.Query().Get("error"), "Too many attempts")
	require.Equal(t, 5, f.gateway.LoginCalls())
}

// TestLogin_SecondFactor checks the code form completes the login
func TestLogin_SecondFactor(t *testing.T) {
	f := setupTestFixture(t)
	_, err := f.gateway.EnableTOTP("a@b.com")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, server.RouteLogin, url.Values{"email": {"a@b.com"}, "password": {"Secret123!"}})
	require.Equal(t, server.RouteLoginVerify, rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, server.RouteLoginVerify, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(users.MFAuthenticator))

	code, err := f.gateway.Code("a@b.com")
	require.NoError(t, err)
	rec = f.do(http.MethodPost, server.RouteLoginVerify, url.Values{"code": {code}})
	require.Equal(t, server.RouteDashboard, rec.Header().Get("Location"))
	require.Equal(t, auth.Authenticated, f.manager.Status())
}

// TestAdmin_RequiresRole checks the admin page is limited to admins
func TestAdmin_RequiresRole(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, "viewer@b.com")
	require.Equal(t, http.StatusForbidden, f.do(http.MethodGet, server.RouteAdmin, nil).Code)

	f.do(http.MethodPost, server.RouteLogout, nil)
	f.login(t, "a@b.com")
	rec := f.do(http.MethodGet, server.RouteAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "LOGIN_SUCCESS")
}

// TestLogout_ReturnsToLogin checks logout ends the session
func TestLogout_ReturnsToLogin(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, "a@b.com")

	rec := f.do(http.MethodPost, server.RouteLogout, nil)
	require.Equal(t, server.RouteLogin, rec.Header().Get("Location"))
	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Equal(t, http.StatusSeeOther, f.do(http.MethodGet, server.RouteDashboard, nil).Code)
}

// TestSessionAPI checks the session endpoint reports the signed-in user
func TestSessionAPI(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, "a@b.com")

	rec := f.do(http.MethodGet, server.RouteAPISession, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp server.SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "AUTHENTICATED", resp.Status)
	require.Equal(t, f.manager.SessionID(), resp.SessionID)
	require.Equal(t, "1", resp.User.ID)
	require.NotNil(t, resp.ExpiresAt)
}

// TestAPIProxy_ForwardsWithToken checks proxied requests carry the access token
func TestAPIProxy_ForwardsWithToken(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, "a@b.com")

	rec := f.do(http.MethodGet, server.RouteAPIProxy+"/inspections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"inspections":[]}`, rec.Body.String())
	require.Equal(t, "/v1/inspections Bearer "+f.manager.Tokens().AccessToken, <-f.seen)
}

// TestLogin_ExpiredSessionMessage checks the login page explains an expired session
func TestLogin_ExpiredSessionMessage(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t, "a@b.com")
	f.gateway.RevokeAll()
	require.Error(t, f.manager.Refresh(context.Background()))

	rec := f.do(http.MethodGet, server.RouteDashboard, nil)
	location := rec.Header().Get("Location")
	require.Equal(t, server.RouteLogin+"?session_expired=true", location)

	rec = f.do(http.MethodGet, location, nil)
	require.Contains(t, rec.Body.String(), "Your session has expired")
}
