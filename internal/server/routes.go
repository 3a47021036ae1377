package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Front-end resources, served through the update agent's cache
	if s.app.ResourceHandler != nil {
		mux.HandleFunc("/", s.app.ResourceHandler.ServeResource)
	} else {
		mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)
	}

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Drafts
	mux.HandleFunc("/api/drafts", s.handleDraftsRoute)  // GET (list), POST (save)
	mux.HandleFunc("/api/drafts/", s.handleDraftRoutes) // GET/DELETE /{id}

	// API routes - Sync
	mux.HandleFunc("/api/sync", s.handleSyncRoute) // GET (last result), POST (run now)

	// API routes - Connectivity
	mux.HandleFunc("/api/connectivity", s.handleConnectivityRoute) // GET (state), POST (platform signal)

	// API routes - Update agent
	mux.HandleFunc("/api/update", s.app.UpdateHandler.StatusHandler)
	mux.HandleFunc("/api/update/check", s.app.UpdateHandler.CheckHandler)
	mux.HandleFunc("/api/update/apply", s.app.UpdateHandler.ApplyHandler)
	mux.HandleFunc("/api/update/dismiss", s.app.UpdateHandler.DismissHandler)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleDraftsRoute routes /api/drafts requests (list and save)
func (s *Server) handleDraftsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.DraftsHandler.ListHandler, s.app.DraftsHandler.SaveHandler)
}

// handleDraftRoutes routes /api/drafts/{id} requests
func (s *Server) handleDraftRoutes(w http.ResponseWriter, r *http.Request) {
	if len(r.URL.Path) <= len("/api/drafts/") {
		s.handleDraftsRoute(w, r)
		return
	}
	RouteResourceItem(w, r, s.app.DraftsHandler.GetHandler, nil, s.app.DraftsHandler.DeleteHandler)
}

func (s *Server) handleSyncRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.SyncHandler.LastResultHandler,
		http.MethodPost: s.app.SyncHandler.SyncHandler,
	})
}

func (s *Server) handleConnectivityRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.ConnectivityHandler.StateHandler,
		http.MethodPost: s.app.ConnectivityHandler.SignalHandler,
	})
}
