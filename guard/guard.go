// Package guard protects HTTP routes with the state of a session manager.
//
// The middleware has the func(http.Handler) http.Handler shape used by chi
// routers. Requests without a signed-in session are redirected to the login
// route; when the last session ended because it ran out, the redirect
// carries session_expired=true so the login page can say so.
package guard

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"sync/atomic"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// ContextKeyUser stores the signed-in users.Profile
	ContextKeyUser ContextKey = "user"
	// ContextKeySessionID stores the current session ID
	ContextKeySessionID ContextKey = "session_id"
)

// SessionExpiredParam is the query flag added to the login redirect after
// an expiry-driven logout.
const SessionExpiredParam = "session_expired"

const defaultLoginPath = "/login"

// Sessions is the part of auth.SessionManager the guards use.
type Sessions interface {
	Status() auth.Status
	CurrentUser() *users.Profile
	SessionID() string
	OnStatusChange(func(auth.StatusChange)) func()
}

var _ Sessions = (*auth.SessionManager)(nil)

// Guard builds route middleware around one session manager.
type Guard struct {
	sessions    Sessions
	loginPath   string
	logger      zerolog.Logger
	expired     atomic.Bool
	unsubscribe func()
}

type Option func(*Guard)

// WithLoginPath sets the route unauthenticated requests are sent to.
func WithLoginPath(path string) Option {
	return func(g *Guard) {
		g.loginPath = path
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New subscribes to sessions so it can tell an expired session from one
// that was never there.
func New(sessions Sessions, opts ...Option) *Guard {
	g := &Guard{
		sessions:  sessions,
		loginPath: defaultLoginPath,
		logger:    log.With().Str("component", "guard").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.unsubscribe = sessions.OnStatusChange(g.observe)
	return g
}

// Close stops following status changes.
func (g *Guard) Close() {
	g.unsubscribe()
}

func (g *Guard) observe(change auth.StatusChange) {
	switch {
	case change.SessionExpired():
		g.expired.Store(true)
	case change.To == auth.Authenticated:
		g.expired.Store(false)
	}
}

// SessionExpired reports whether the most recent session ended because it
// expired or could not be refreshed.
func (g *Guard) SessionExpired() bool {
	return g.expired.Load()
}

// LoginURL is where unauthenticated requests are sent.
func (g *Guard) LoginURL() string {
	if !g.expired.Load() {
		return g.loginPath
	}
	return g.loginPath + "?" + url.Values{SessionExpiredParam: {"true"}}.Encode()
}

// RequireAuthenticated lets requests through only while a session is
// signed in, and adds the user to the request context.
func (g *Guard) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := g.signedIn()
		if !ok {
			g.logger.Debug().Str("path", r.URL.Path).Bool("session_expired", g.expired.Load()).Msg("redirecting to login")
			redirect(w, r, g.LoginURL())
			return
		}
		next.ServeHTTP(w, r.WithContext(g.withSession(r.Context(), user)))
	})
}

// RequireRole lets requests through for a signed-in user holding at least
// one of roles. Signed-in users without one get 403.
func (g *Guard) RequireRole(roles ...users.RoleType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := g.signedIn()
			if !ok {
				redirect(w, r, g.LoginURL())
				return
			}
			if !slices.ContainsFunc(roles, user.HasRole) {
				g.logger.Warn().Str("user_id", user.ID).Str("path", r.URL.Path).Msg("role required")
				http.Error(w, `{"error":"forbidden","error_description":"Required role missing"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(g.withSession(r.Context(), user)))
		})
	}
}

// RedirectIfAuthenticated sends signed-in users away from pages such as the
// login form.
func (g *Guard) RedirectIfAuthenticated(path string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := g.signedIn(); ok {
				redirect(w, r, path)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) signedIn() (*users.Profile, bool) {
	if !g.sessions.Status().Signed() {
		return nil, false
	}
	user := g.sessions.CurrentUser()
	return user, user != nil
}

func (g *Guard) withSession(ctx context.Context, user *users.Profile) context.Context {
	ctx = context.WithValue(ctx, ContextKeyUser, user)
	return context.WithValue(ctx, ContextKeySessionID, g.sessions.SessionID())
}

// UserFromContext returns the profile stored by the guards, or nil.
func UserFromContext(ctx context.Context) *users.Profile {
	user, _ := ctx.Value(ContextKeyUser).(*users.Profile)
	return user
}

// SessionIDFromContext returns the session ID stored by the guards.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeySessionID).(string)
	return id
}

// redirect is htmx-aware: htmx requests get an HX-Redirect header instead
// of a 303.
func redirect(w http.ResponseWriter, r *http.Request, path string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", path)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}
