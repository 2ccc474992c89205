package server

// Route path constants
const (
	RouteHealth = "/health"

	// Auth routes
	RouteLogin       = "/login"
	RouteLoginVerify = "/login/verify"
	RouteLogout      = "/logout"

	// Pages behind the session guard
	RouteDashboard = "/"
	RouteAdmin     = "/admin"

	// API routes
	RouteAPISession = "/api/session"
	RouteAPIProxy   = "/api/proxy"
)
