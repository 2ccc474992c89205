package auth_test

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/store"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/stretchr/testify/require"
)

// TestSessionManager_RandomWalk drives the manager through a seeded sequence
// of operations and checks the state stays consistent after each one.
func TestSessionManager_RandomWalk(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(20260301, 7))

	check := func(step int, op string) {
		t.Helper()
		status := f.manager.Status()
		now := f.clock.Now()
		switch status {
		case auth.Authenticated:
			tokens := f.manager.Tokens()
			require.NotNil(t, tokens, "step %d (%s)", step, op)
			require.False(t, token.IsExpired(tokens, now), "step %d (%s): authenticated with an expired token", step, op)
			require.NotNil(t, f.manager.CurrentUser(), "step %d (%s)", step, op)
			require.Equal(t, []string{store.KeyAuthToken, store.KeyUserSession}, f.backend.Keys(), "step %d (%s)", step, op)
		case auth.Unauthenticated:
			require.Nil(t, f.manager.Tokens(), "step %d (%s)", step, op)
			require.Nil(t, f.manager.CurrentUser(), "step %d (%s)", step, op)
			require.Empty(t, f.manager.SessionID(), "step %d (%s)", step, op)
			require.Empty(t, f.backend.Keys(), "step %d (%s)", step, op)
		default:
			require.Failf(t, "unsettled status", "step %d (%s): %s", step, op, status)
		}
	}

	for step := range 200 {
		var op string
		switch rng.IntN(7) {
		case 0:
			op = "login"
			signed := f.manager.Status() == auth.Authenticated
			err := f.manager.Login(ctx, testCredentials())
			if signed {
				require.ErrorIs(t, err, auth.ErrAlreadyAuthenticated)
			} else if err != nil {
				require.ErrorAs(t, err, new(*auth.ThrottledError), "step %d", step)
			}
		case 1:
			op = "wrong password"
			signed := f.manager.Status() == auth.Authenticated
			err := f.manager.Login(ctx, auth.Credentials{Email: testEmail, Password: "wrong"})
			require.Error(t, err)
			if signed {
				require.ErrorIs(t, err, auth.ErrAlreadyAuthenticated)
			}
		case 2:
			op = "logout"
			f.manager.Logout(ctx)
		case 3:
			op = "refresh"
			signed := f.manager.Status() == auth.Authenticated
			err := f.manager.Refresh(ctx)
			if signed {
				require.NoError(t, err, "step %d", step)
			} else {
				require.ErrorIs(t, err, auth.ErrNotAuthenticated)
			}
		case 4:
			op = "advance"
			for range 1 + rng.IntN(20) {
				f.clock.Advance(time.Minute)
				waitSettled(t, f.manager)
			}
		case 5:
			op = "initialize"
			before := f.manager.Status()
			require.Equal(t, before, f.manager.InitializeFromStorage(ctx), "step %d", step)
		case 6:
			op = "refresh failure"
			// Paired with a success so a queued failure never exhausts the retries.
			f.gateway.FailRefresh(errUpstream, nil)
		}
		waitSettled(t, f.manager)
		check(step, op)
	}
}
