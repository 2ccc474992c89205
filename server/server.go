// Package server is a small web application whose pages are protected by
// the signed-in session of a SessionManager.
package server

import (
	"fmt"
	"html/template"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/guard"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Server struct {
	env       string // Environment (e.g., "DEV", "PROD")
	appName   string
	router    chi.Router
	routes    []string
	sessions  *auth.SessionManager
	guard     *guard.Guard
	upstream  *url.URL
	api       http.Handler
	templates map[string]*template.Template
	logger    zerolog.Logger
}

type Option func(*Server)

// WithAPIUpstream forwards requests under RouteAPIProxy to upstream,
// carrying the session's access token.
func WithAPIUpstream(upstream *url.URL) Option {
	return func(s *Server) {
		s.upstream = upstream
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(cfg config.EnvConfig, sessions *auth.SessionManager, opts ...Option) (*Server, error) {
	s := &Server{
		env:       cfg.GetEnv(),
		appName:   cfg.GetAppName(),
		router:    chi.NewRouter(),
		sessions:  sessions,
		templates: make(map[string]*template.Template),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()

	for _, name := range []string{"login.html", "verify.html", "dashboard.html", "admin.html"} {
		tmpl, err := ParseTemplate(name)
		if err != nil {
			return nil, fmt.Errorf("[server.New] parsing %s: %w", name, err)
		}
		s.templates[name] = tmpl
	}

	s.guard = guard.New(sessions, guard.WithLoginPath(RouteLogin), guard.WithLogger(s.logger))
	if s.upstream != nil {
		s.api = s.proxy(s.upstream)
	}

	s.initRoutes()
	s.logRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops following the session's status changes.
func (s *Server) Close() {
	s.guard.Close()
}

// proxy forwards to upstream with the path below RouteAPIProxy.
func (s *Server) proxy(upstream *url.URL) http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.URL.Path = strings.TrimSuffix(upstream.Path, "/") + strings.TrimPrefix(pr.In.URL.Path, RouteAPIProxy)
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		Transport: transport.New(s.sessions, transport.WithLogger(s.logger)),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Err(err).Str("path", r.URL.Path).Msg("api proxy failed")
			writeJSONError(w, http.StatusBadGateway, "bad_gateway", "Upstream request failed")
		},
	}
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	paddedMethod := fmt.Sprintf(" %-7s", method)
	s.logger.Debug().Msgf("[%-19s] %s", methodColor(method)+paddedMethod+ResetColor, path)
}
