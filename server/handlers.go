package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/guard"
	"github.com/jrsteele09/go-auth-session/users"
)

const contentTypeHTML = "text/html; charset=utf-8"

// pageData is shared by every page rendered with the layout.
type pageData struct {
	AppName string
	User    *users.Profile
}

type DashboardPageData struct {
	pageData
	SessionID string
	ExpiresAt string
}

type AdminPageData struct {
	pageData
	Events []events.Event
}

// SessionResponse is the body of GET /api/session.
type SessionResponse struct {
	Status    string         `json:"status"`
	SessionID string         `json:"session_id,omitempty"`
	User      *users.Profile `json:"user,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

func (s *Server) page() pageData {
	return pageData{AppName: s.appName, User: s.sessions.CurrentUser()}
}

func (s *Server) DashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := DashboardPageData{
			pageData:  s.page(),
			SessionID: guard.SessionIDFromContext(r.Context()),
		}
		data.User = guard.UserFromContext(r.Context())
		if tokens := s.sessions.Tokens(); tokens != nil {
			data.ExpiresAt = tokens.ExpiresAt.Local().Format(time.RFC1123)
		}
		s.render(w, "dashboard.html", data)
	}
}

// AdminEventsHandler lists the security events, newest first.
func (s *Server) AdminEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorded := s.sessions.Events()
		slices.Reverse(recorded)
		s.render(w, "admin.html", AdminPageData{pageData: s.page(), Events: recorded})
	}
}

func (s *Server) SessionAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := SessionResponse{
			Status:    s.sessions.Status().String(),
			SessionID: guard.SessionIDFromContext(r.Context()),
			User:      guard.UserFromContext(r.Context()),
		}
		if tokens := s.sessions.Tokens(); tokens != nil {
			resp.ExpiresAt = &tokens.ExpiresAt
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", contentTypeHTML)
	if err := s.templates[name].ExecuteTemplate(w, "layout", data); err != nil {
		s.logger.Err(err).Str("template", name).Msg("Failed to render template")
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}
