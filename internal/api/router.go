package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		// Device WebSocket endpoint (devices register over this link)
		r.Get("/connect", s.handleConnect)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/status", s.handleGetDeviceStatus)
				r.Post("/commands", s.handleDeviceCommand)
			})
		})

		r.Route("/messages", func(r chi.Router) {
			r.Post("/", s.handleSubmitMessage)
			r.Get("/{id}", s.handleGetMessage)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"hub_id":  s.hubID,
		"version": s.version,
	})
}

// handleConnect hands the request to the connection manager for upgrade.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.conn == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device links not available")
		return
	}
	s.conn.HandleConnect(w, r)
}
