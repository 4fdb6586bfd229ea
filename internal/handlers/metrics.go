package handlers

import "net/http"

// HandleSystemMetrics returns a fresh SystemSnapshot. Engine and host
// failures degrade individual fields to zero; the endpoint itself never
// fails.
func (s *Server) HandleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot(r.Context()))
}
