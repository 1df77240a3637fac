package api

import (
	"net/http"
)

// handleStats returns an operational snapshot of the hub: live connection
// count, router queue state, message counts by status, and cache occupancy.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	routerStats, err := s.router.GetStats(r.Context())
	if err != nil {
		writeInternalError(w, "failed to collect stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hub_id":   s.hubID,
		"version":  s.version,
		"registry": s.registry.GetStats(),
		"router":   routerStats,
		"cache":    s.cache.GetStats(),
	})
}
