package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jrsteele09/go-auth-session/users"
)

func (s *Server) initRoutes() {
	s.router.Use(middleware.RequestID, s.RecoverMiddleware, s.LoggingMiddleware)

	s.RegisterRouteFunc(http.MethodGet, RouteHealth, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	s.router.Group(func(r chi.Router) {
		r.Use(s.FrameSecurityMiddleware)

		// LOGIN
		r.With(s.guard.RedirectIfAuthenticated(RouteDashboard)).Get(RouteLogin, s.LoginPageUIHandler())
		r.Post(RouteLogin, s.LoginSubmissionHandler())
		r.Get(RouteLoginVerify, s.VerifyPageUIHandler())
		r.Post(RouteLoginVerify, s.VerifySubmissionHandler())
		r.Post(RouteLogout, s.LogoutHandler())
		s.routes = append(s.routes,
			"GET "+RouteLogin, "POST "+RouteLogin,
			"GET "+RouteLoginVerify, "POST "+RouteLoginVerify,
			"POST "+RouteLogout,
		)

		// Pages behind the session guard
		r.With(s.guard.RequireAuthenticated).Get(RouteDashboard, s.DashboardHandler())
		r.With(s.guard.RequireRole(users.RoleAdmin)).Get(RouteAdmin, s.AdminEventsHandler())
		s.routes = append(s.routes, "GET "+RouteDashboard, "GET "+RouteAdmin)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.guard.RequireAuthenticated)
		r.Get("/session", s.SessionAPIHandler())
		s.routes = append(s.routes, "GET "+RouteAPISession)
		if s.api != nil {
			r.Handle("/proxy/*", s.api)
			s.routes = append(s.routes, "* "+RouteAPIProxy+"/*")
		}
	})
}

func (s *Server) RegisterRouteFunc(method, pattern string, handler http.HandlerFunc) {
	s.routes = append(s.routes, method+" "+pattern)
	s.router.Method(method, pattern, handler)
}
