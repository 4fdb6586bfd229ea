package handlers

import "net/http"

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":      "healthy",
		"timestamp":   s.clock.Now().Unix(),
		"domain":      s.domain,
		"subscribers": s.hub.Count(),
		"buffers":     s.hub.Buffers(),
		"builds":      len(s.tracker.Active()),
	}

	if s.engine == nil {
		status["docker"] = "disabled"
	} else if err := s.engine.PingDocker(r.Context()); err != nil {
		s.logger.Warn("container engine unreachable", "error", err)
		status["docker"] = "unreachable"
		status["status"] = "degraded"
	} else {
		status["docker"] = "connected"
	}

	if err := s.registry.Ping(r.Context()); err != nil {
		s.logger.Warn("orchestration API unreachable", "error", err)
		status["registry"] = "unreachable"
		status["status"] = "degraded"
	} else {
		status["registry"] = "connected"
	}

	s.writeJSON(w, http.StatusOK, status)
}
