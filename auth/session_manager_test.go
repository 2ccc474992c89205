package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/gateway/gatewayfake"
	"github.com/jrsteele09/go-auth-session/internal/clock"
	"github.com/jrsteele09/go-auth-session/internal/config"
	autherrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/store/memory"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "a@b.com"
	testPassword = "Secret123!"
	testUserID   = "1"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testConfig uses the built-in defaults with an optional heartbeat override.
type testConfig struct {
	config.Config
	heartbeat time.Duration
}

func (c testConfig) GetHeartbeatInterval() time.Duration {
	if c.heartbeat > 0 {
		return c.heartbeat
	}
	return c.Config.GetHeartbeatInterval()
}

// changeLog collects status changes delivered to a subscriber.
type changeLog struct {
	mu      sync.Mutex
	changes []auth.StatusChange
}

func (l *changeLog) add(change auth.StatusChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *changeLog) statuses() []auth.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	statuses := make([]auth.Status, 0, len(l.changes))
	for _, c := range l.changes {
		statuses = append(statuses, c.To)
	}
	return statuses
}

func (l *changeLog) last() auth.StatusChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changes) == 0 {
		return auth.StatusChange{}
	}
	return l.changes[len(l.changes)-1]
}

// testFixture holds all test dependencies
type testFixture struct {
	clock   *clock.FakeClock
	gateway *gatewayfake.Gateway
	backend *memory.Backend
	config  testConfig
	manager *auth.SessionManager
	changes *changeLog
}

func setupTestFixture(t *testing.T, gatewayOptions ...gatewayfake.Option) *testFixture {
	t.Helper()

	f := &testFixture{
		clock:   clock.Fake(testStart),
		backend: memory.NewBackend(),
		config:  testConfig{Config: config.New()},
	}
	f.gateway = gatewayfake.New(append([]gatewayfake.Option{gatewayfake.WithClock(f.clock.Now)}, gatewayOptions...)...)
	f.gateway.AddUser(users.Profile{
		ID:        testUserID,
		Email:     testEmail,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Roles:     []users.RoleType{users.RoleAdmin, users.RoleInspector},
	}, testPassword)

	f.manager, f.changes = f.newManager(t, f.backend.Open())
	return f
}

// newManager creates another manager on st, as a second tab or process
// would.
func (f *testFixture) newManager(t *testing.T, st store.SecureStore) (*auth.SessionManager, *changeLog) {
	t.Helper()

	m, err := auth.NewSessionManager(f.gateway, st, f.config,
		auth.WithClock(f.clock),
		auth.WithLogger(zerolog.Nop()),
		auth.WithRefreshBackoff(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	changes := &changeLog{}
	m.OnStatusChange(changes.add)
	return m, changes
}

func (f *testFixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword}))
	require.Equal(t, auth.Authenticated, f.manager.Status())
}

func countEvents(m *auth.SessionManager, t events.Type) int {
	n := 0
	for _, e := range m.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func lastEvent(m *auth.SessionManager, t events.Type) events.Event {
	var found events.Event
	for _, e := range m.Events() {
		if e.Type == t {
			found = e
		}
	}
	return found
}

// TestNewSessionManager_RequiresDependencies checks constructor validation
func TestNewSessionManager_RequiresDependencies(t *testing.T) {
	_, err := auth.NewSessionManager(nil, memory.New(), testConfig{Config: config.New()})
	require.Error(t, err)

	_, err = auth.NewSessionManager(gatewayfake.New(), nil, testConfig{Config: config.New()})
	require.Error(t, err)

	_, err = auth.NewSessionManager(gatewayfake.New(), memory.New(), nil)
	require.Error(t, err)
}

// TestLogin_Authenticates checks a successful password login
func TestLogin_Authenticates(t *testing.T) {
	f := setupTestFixture(t)

	f.login(t)

	user := f.manager.CurrentUser()
	require.NotNil(t, user)
	require.Equal(t, testUserID, user.ID)
	require.Equal(t, testEmail, user.Email)
	require.True(t, f.manager.HasRole(users.RoleAdmin))
	require.True(t, f.manager.HasRole(users.RoleInspector))
	require.False(t, f.manager.HasRole(users.RoleViewer))
	require.NotEmpty(t, f.manager.SessionID())
	require.Equal(t, []auth.Status{auth.Pending, auth.Authenticated}, f.changes.statuses())
	require.Equal(t, auth.ReasonLogin, f.changes.last().Reason)

	tokens := f.manager.Tokens()
	require.NotNil(t, tokens)
	require.True(t, testStart.Add(time.Hour).Equal(tokens.ExpiresAt))

	require.Equal(t, []string{store.KeyAuthToken, store.KeyUserSession}, f.backend.Keys())
	require.Equal(t, 2, f.clock.Pending(), "heartbeat and refresh timers")
	require.Equal(t, 1, countEvents(f.manager, events.LoginSuccess))
	require.Equal(t, f.manager.SessionID(), lastEvent(f.manager, events.LoginSuccess).Details["session_id"])
}

// TestCurrentUser_ReturnsCopy checks callers cannot change the session's user
func TestCurrentUser_ReturnsCopy(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	user := f.manager.CurrentUser()
	user.Roles[0] = users.RoleViewer

	require.True(t, f.manager.HasRole(users.RoleAdmin))
	require.False(t, f.manager.HasRole(users.RoleViewer))
}

// TestLogin_WrongPassword checks rejected credentials return to UNAUTHENTICATED
func TestLogin_WrongPassword(t *testing.T) {
	f := setupTestFixture(t)

	err := f.manager.Login(context.Background(), auth.Credentials{Email: testEmail, Password: "wrong"})

	var authErr *auth.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, autherrors.ErrInvalidCredentials)
	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Equal(t, []auth.Status{auth.Pending, auth.Unauthenticated}, f.changes.statuses())
	require.Equal(t, auth.ReasonLoginFailed, f.changes.last().Reason)
	require.Nil(t, f.manager.CurrentUser())
	require.Empty(t, f.backend.Keys())
	require.Equal(t, 1, countEvents(f.manager, events.LoginFailure))
	require.Equal(t, "rejected", lastEvent(f.manager, events.LoginFailure).Details["reason"])
	require.ErrorIs(t, f.manager.LastError(), autherrors.ErrInvalidCredentials)
}

// TestLogin_TransportFailure checks other gateway failures are transport errors
func TestLogin_TransportFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.gateway.FailLogin(errors.New("connection refused"))

	err := f.manager.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword})

	var transportErr *auth.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "login", transportErr.Op)
	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Equal(t, "transport", lastEvent(f.manager, events.LoginFailure).Details["reason"])
}

// TestLogin_RejectsOverlongTokenLifetime checks a lifetime that cannot be
// represented never produces an authenticated session
func TestLogin_RejectsOverlongTokenLifetime(t *testing.T) {
	f := setupTestFixture(t, gatewayfake.WithAccessTTL(50*365*24*time.Hour))

	err := f.manager.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword})

	var transportErr *auth.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.ErrorIs(t, err, autherrors.ErrInvalidToken)
	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Nil(t, f.manager.Tokens())
	require.Empty(t, f.backend.Keys())
}

// zeroHeartbeatConfig reports no heartbeat interval
type zeroHeartbeatConfig struct {
	config.Config
}

func (zeroHeartbeatConfig) GetHeartbeatInterval() time.Duration { return 0 }
func (zeroHeartbeatConfig) GetSessionTimeout() time.Duration    { return -time.Hour }

// TestNewSessionManager_DefaultsInvalidIntervals checks unusable heartbeat
// settings fall back to the defaults
func TestNewSessionManager_DefaultsInvalidIntervals(t *testing.T) {
	f := setupTestFixture(t)
	m, err := auth.NewSessionManager(f.gateway, f.backend.Open(), zeroHeartbeatConfig{Config: config.New()},
		auth.WithClock(f.clock),
		auth.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword}))
	f.clock.Advance(time.Minute)

	require.Equal(t, auth.Authenticated, m.Status())
	require.True(t, testStart.Add(time.Minute).Equal(m.Session().LastActivityAt))
}

// TestLogin_ThrottledAfterFiveFailures checks the sixth attempt never reaches the gateway
func TestLogin_ThrottledAfterFiveFailures(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	for range 5 {
		err := f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: "wrong"})
		var authErr *auth.AuthenticationError
		require.ErrorAs(t, err, &authErr)
	}

	err := f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: testPassword})

	var throttled *auth.ThrottledError
	require.ErrorAs(t, err, &throttled)
	require.Equal(t, 5, throttled.Attempts)
	require.Equal(t, 15*time.Minute, throttled.RetryAfter)
	require.Contains(t, err.Error(), "too many attempts")
	require.Equal(t, 5, f.gateway.LoginCalls())
	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Equal(t, 6, countEvents(f.manager, events.LoginFailure))
	require.Equal(t, "throttled", lastEvent(f.manager, events.LoginFailure).Details["reason"])
}

// TestLogin_ThrottleWindowExpires checks failures older than the window stop counting
func TestLogin_ThrottleWindowExpires(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	for range 5 {
		require.Error(t, f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: "wrong"}))
	}
	f.clock.Advance(15*time.Minute + time.Second)

	f.login(t)
	require.Equal(t, 6, f.gateway.LoginCalls())
}

// TestLogin_RejectedWhileSignedIn checks a second login is refused
func TestLogin_RejectedWhileSignedIn(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	err := f.manager.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword})
	require.ErrorIs(t, err, auth.ErrAlreadyAuthenticated)
	require.Equal(t, 1, f.gateway.LoginCalls())
}

// TestLogin_RejectedWhilePending checks a login cannot start while another is running
func TestLogin_RejectedWhilePending(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	f.manager.OnStatusChange(func(change auth.StatusChange) {
		if change.To == auth.Pending {
			err := f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: testPassword})
			require.ErrorIs(t, err, auth.ErrLoginInProgress)
		}
	})

	f.login(t)
	require.Equal(t, 1, f.gateway.LoginCalls())
}

// TestLogin_PersistenceFailureGoesThroughError checks a storage failure surfaces as ERROR
func TestLogin_PersistenceFailureGoesThroughError(t *testing.T) {
	f := setupTestFixture(t)
	st := &failingStore{SecureStore: f.backend.Open(), failSet: errors.New("disk full")}
	m, changes := f.newManager(t, st)

	err := m.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword})

	require.ErrorContains(t, err, "disk full")
	require.Equal(t, auth.Unauthenticated, m.Status())
	require.Equal(t, []auth.Status{auth.Pending, auth.Error, auth.Unauthenticated}, changes.statuses())
	require.Equal(t, auth.ReasonError, changes.last().Reason)
	require.ErrorContains(t, m.LastError(), "disk full")
	require.Equal(t, "storage", lastEvent(m, events.LoginFailure).Details["reason"])
	require.Empty(t, f.backend.Keys())
}

// TestLogin_SecondFactor checks the MFA challenge round trip
func TestLogin_SecondFactor(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	_, err := f.gateway.EnableTOTP(testEmail)
	require.NoError(t, err)

	require.NoError(t, f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: testPassword}))
	require.Equal(t, auth.MFARequired, f.manager.Status())
	challenge := f.manager.PendingChallenge()
	require.NotNil(t, challenge)
	require.Equal(t, users.MFAuthenticator, challenge.Method)
	require.Nil(t, f.manager.Tokens())
	require.Empty(t, f.backend.Keys())
	require.Equal(t, 1, countEvents(f.manager, events.MFAChallenge))

	code, err := f.gateway.Code(testEmail)
	require.NoError(t, err)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	err = f.manager.VerifyChallenge(ctx, wrong)
	var authErr *auth.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	require.ErrorIs(t, err, autherrors.ErrInvalidChallenge)
	require.Equal(t, auth.MFARequired, f.manager.Status())

	require.NoError(t, f.manager.VerifyChallenge(ctx, code))
	require.Equal(t, auth.Authenticated, f.manager.Status())
	require.Nil(t, f.manager.PendingChallenge())
	require.Equal(t, testUserID, f.manager.CurrentUser().ID)
	require.Equal(t, []auth.Status{auth.Pending, auth.MFARequired, auth.Authenticated}, f.changes.statuses())
	require.Equal(t, true, lastEvent(f.manager, events.LoginSuccess).Details["mfa"])
	require.Equal(t, 1, countEvents(f.manager, events.LoginFailure))
}

// TestLogin_RestartAbandonsChallenge checks a new login replaces a pending challenge
func TestLogin_RestartAbandonsChallenge(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	_, err := f.gateway.EnableTOTP(testEmail)
	require.NoError(t, err)

	require.NoError(t, f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: testPassword}))
	first := f.manager.PendingChallenge()

	require.NoError(t, f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: testPassword}))
	second := f.manager.PendingChallenge()

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, []auth.Status{auth.Pending, auth.MFARequired, auth.Pending, auth.MFARequired}, f.changes.statuses())
}

// TestVerifyChallenge_WithoutChallenge checks verification needs a pending challenge
func TestVerifyChallenge_WithoutChallenge(t *testing.T) {
	f := setupTestFixture(t)

	err := f.manager.VerifyChallenge(context.Background(), "123456")
	require.ErrorIs(t, err, auth.ErrNoPendingChallenge)
	require.Zero(t, f.gateway.VerifyCalls())
}

// TestLogout_ClearsEverything checks logout drops state, records and timers
func TestLogout_ClearsEverything(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	sessionID := f.manager.SessionID()
	refreshToken := f.manager.Tokens().RefreshToken

	f.manager.Logout(context.Background())

	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Nil(t, f.manager.CurrentUser())
	require.Nil(t, f.manager.Tokens())
	require.Empty(t, f.manager.SessionID())
	require.Empty(t, f.backend.Keys())
	require.Zero(t, f.clock.Pending())
	require.Equal(t, auth.ReasonLogout, f.changes.last().Reason)
	require.False(t, f.changes.last().SessionExpired())

	terminated := f.gateway.Terminated()
	require.Len(t, terminated, 1)
	require.Equal(t, sessionID, terminated[0].SessionID)
	require.Equal(t, refreshToken, terminated[0].RefreshToken)
	require.Equal(t, 1, countEvents(f.manager, events.Logout))
}

// TestLogout_RemoteFailureIsSwallowed checks a failed remote termination is only recorded
func TestLogout_RemoteFailureIsSwallowed(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.gateway.FailTerminate(errors.New("provider unavailable"))

	f.manager.Logout(context.Background())

	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Empty(t, f.backend.Keys())
	require.Equal(t, "provider unavailable", lastEvent(f.manager, events.Logout).Details["terminate_error"])
}

// TestLogout_WhenSignedOut checks logout is harmless without a session
func TestLogout_WhenSignedOut(t *testing.T) {
	f := setupTestFixture(t)

	f.manager.Logout(context.Background())

	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Empty(t, f.changes.statuses())
	require.Zero(t, f.gateway.TerminateCalls())
	require.Zero(t, countEvents(f.manager, events.Logout))
}

// TestOnStatusChange_CallbackMayCallBack checks callbacks run outside the lock
func TestOnStatusChange_CallbackMayCallBack(t *testing.T) {
	f := setupTestFixture(t)
	var seen []auth.Status
	f.manager.OnStatusChange(func(change auth.StatusChange) {
		seen = append(seen, f.manager.Status())
		if change.To == auth.Authenticated {
			f.manager.Logout(context.Background())
		}
	})

	require.NoError(t, f.manager.Login(context.Background(), auth.Credentials{Email: testEmail, Password: testPassword}))

	require.Equal(t, auth.Unauthenticated, f.manager.Status())
	require.Equal(t, []auth.Status{auth.Pending, auth.Authenticated, auth.Unauthenticated}, f.changes.statuses())
	require.Len(t, seen, 3)
}

// TestOnStatusChange_Unsubscribe checks a removed callback is no longer called
func TestOnStatusChange_Unsubscribe(t *testing.T) {
	f := setupTestFixture(t)
	calls := 0
	unsubscribe := f.manager.OnStatusChange(func(auth.StatusChange) { calls++ })
	unsubscribe()

	f.login(t)
	require.Zero(t, calls)
}

// TestClose_StopsTimersAndKeepsSession checks Close leaves the session restorable
func TestClose_StopsTimersAndKeepsSession(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close())

	require.Zero(t, f.clock.Pending())
	require.Equal(t, auth.Authenticated, f.manager.Status())
	require.Len(t, f.backend.Keys(), 2)
	require.ErrorIs(t, f.manager.Login(context.Background(), auth.Credentials{}), auth.ErrClosed)
}

// failingStore fails writes with failSet.
type failingStore struct {
	store.SecureStore
	failSet error
}

func (s *failingStore) Set(key string, value []byte) error {
	if s.failSet != nil {
		return s.failSet
	}
	return s.SecureStore.Set(key, value)
}
