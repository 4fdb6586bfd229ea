package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mini-cloud/edge/internal/docker"
)

const (
	defaultAppLogLines = 100
	maxAppLogLines     = 5000
)

// HandleAppLogs returns the last lines an app's container wrote.
func (s *Server) HandleAppLogs(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["appId"]

	n := defaultAppLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.jsonError(w, "Invalid lines", http.StatusBadRequest)
			return
		}
		n = min(v, maxAppLogLines)
	}

	if s.containers == nil {
		s.jsonError(w, "Container logs unavailable", http.StatusServiceUnavailable)
		return
	}

	lines, err := s.containers.TailLogs(r.Context(), s.containerPrefix+appID, n)
	if errors.Is(err, docker.ErrContainerNotFound) {
		s.jsonError(w, "App not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Warn("failed to read app logs", "app_id", appID, "error", err)
		s.jsonError(w, "Failed to read logs", http.StatusBadGateway)
		return
	}

	logs := make([]string, 0, len(lines))
	for _, line := range lines {
		logs = append(logs, line.Text)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"appId": appID,
		"logs":  logs,
	})
}
