package server

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/guard"
	"github.com/jrsteele09/go-auth-session/users"
)

// LoginPageData contains data for rendering the login page
type LoginPageData struct {
	pageData
	SessionExpired bool
	Error          string
	Email          string // Preserve email on error
}

// VerifyPageData contains data for rendering the second factor page
type VerifyPageData struct {
	pageData
	Method users.MFAuthType
	Error  string
}

// LoginPageUIHandler displays the login page (GET /login)
func (s *Server) LoginPageUIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		s.render(w, "login.html", LoginPageData{
			pageData:       s.page(),
			SessionExpired: query.Get(guard.SessionExpiredParam) == "true",
			Error:          query.Get("error"),
			Email:          query.Get("email"),
		})
	}
}

// LoginSubmissionHandler processes the login form submission
func (s *Server) LoginSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}
		email := r.FormValue("email")
		password := r.FormValue("password")
		if email == "" || password == "" {
			s.renderLoginError(w, r, "Email and password are required", email)
			return
		}

		err := s.sessions.Login(r.Context(), auth.Credentials{Email: email, Password: password})
		var throttled *auth.ThrottledError
		var rejected *auth.AuthenticationError
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrAlreadyAuthenticated):
			redirectSuccess(w, r, RouteDashboard)
			return
		case errors.As(err, &throttled):
			s.renderLoginError(w, r, "Too many attempts. Please try again later.", email)
			return
		case errors.As(err, &rejected):
			s.renderLoginError(w, r, "Invalid email or password", email)
			return
		default:
			s.logger.Err(err).Msg("login failed")
			s.renderLoginError(w, r, "Sign in is unavailable right now. Please try again.", email)
			return
		}

		if s.sessions.Status() == auth.MFARequired {
			redirectSuccess(w, r, RouteLoginVerify)
			return
		}
		redirectSuccess(w, r, RouteDashboard)
	}
}

// VerifyPageUIHandler displays the second factor form (GET /login/verify)
func (s *Server) VerifyPageUIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		challenge := s.sessions.PendingChallenge()
		if challenge == nil {
			redirectSuccess(w, r, RouteLogin)
			return
		}
		s.render(w, "verify.html", VerifyPageData{
			pageData: s.page(),
			Method:   challenge.Method,
			Error:    r.URL.Query().Get("error"),
		})
	}
}

// VerifySubmissionHandler checks the second factor code
func (s *Server) VerifySubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Invalid form data", http.StatusBadRequest)
			return
		}

		err := s.sessions.VerifyChallenge(r.Context(), r.FormValue("code"))
		var rejected *auth.AuthenticationError
		switch {
		case err == nil:
			redirectSuccess(w, r, RouteDashboard)
		case errors.Is(err, auth.ErrNoPendingChallenge):
			redirectSuccess(w, r, RouteLogin)
		case errors.As(err, &rejected):
			redirectSuccess(w, r, RouteLoginVerify+"?error="+url.QueryEscape("Invalid code"))
		default:
			s.logger.Err(err).Msg("second factor verification failed")
			s.renderLoginError(w, r, "Sign in is unavailable right now. Please try again.", "")
		}
	}
}

func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.sessions.Logout(r.Context())
		redirectSuccess(w, r, RouteLogin)
	}
}

// renderLoginError redirects to login page with an error message
func (s *Server) renderLoginError(w http.ResponseWriter, r *http.Request, errorMsg, email string) {
	redirectURL := RouteLogin + "?error=" + url.QueryEscape(errorMsg)
	if email != "" {
		redirectURL += "&email=" + url.QueryEscape(email)
	}
	redirectSuccess(w, r, redirectURL)
}

// redirectSuccess helper for htmx-aware success redirects
func redirectSuccess(w http.ResponseWriter, r *http.Request, path string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", path)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, path, http.StatusSeeOther)
}
