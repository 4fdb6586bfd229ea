package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mini-cloud/edge/internal/db"
	"github.com/mini-cloud/edge/internal/models"
	"github.com/mini-cloud/edge/internal/tracker"
)

// HandleBuildLogs streams a build's log lines as server-sent events. The
// first event carries everything buffered so far; after that one event per
// tick carries the lines appended since the previous one. The stream ends
// when the client goes away, when the server stops streams, or at the first
// quiet tick once the build is complete or no longer tracked.
func (s *Server) HandleBuildLogs(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	lines, offset, buffered := s.hub.LinesSince(buildID, 0)
	if !buffered && !s.buildActive(buildID) {
		s.jsonError(w, "Build not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if len(lines) > 0 {
		if err := s.writeEvent(w, lines); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := s.clock.NewTicker(s.streamInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streamsDone:
			return
		case <-ticker.C:
			var fresh []string
			fresh, offset, _ = s.hub.LinesSince(buildID, offset)
			if len(fresh) > 0 {
				if err := s.writeEvent(w, fresh); err != nil {
					s.logger.Debug("build log stream closed", "build_id", buildID, "error", err)
					return
				}
				flusher.Flush()
				continue
			}
			if !s.buildActive(buildID) {
				return
			}
		}
	}
}

// buildActive reports whether a session for id still has transitions ahead.
func (s *Server) buildActive(id string) bool {
	session, ok := s.tracker.Get(id)
	return ok && session.State != tracker.Complete
}

func (s *Server) writeEvent(w http.ResponseWriter, lines []string) error {
	data, err := json.Marshal(models.BuildLogsPayload{
		Logs:      lines,
		Timestamp: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// HandleListBuilds returns the live sessions and the most recent finished
// builds.
func (s *Server) HandleListBuilds(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history := []models.BuildRecord{}
	if s.history != nil {
		records, err := s.history.ListBuilds(r.Context(), limit)
		if err != nil {
			s.logger.Warn("failed to list build history", "error", err)
		} else if records != nil {
			history = records
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":  s.tracker.Active(),
		"history": history,
	})
}

func (s *Server) HandleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	if session, ok := s.tracker.Get(buildID); ok {
		s.writeJSON(w, http.StatusOK, session)
		return
	}
	if s.history != nil {
		record, err := s.history.GetBuild(r.Context(), buildID)
		if err == nil {
			s.writeJSON(w, http.StatusOK, record)
			return
		}
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("failed to read build history", "build_id", buildID, "error", err)
		}
	}
	s.jsonError(w, "Build not found", http.StatusNotFound)
}

// HandleBuildEvent moves a session forward on a progress signal from the
// build pipeline.
func (s *Server) HandleBuildEvent(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["buildId"]

	var req models.BuildEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	state, err := tracker.ParseState(req.State)
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch err := s.tracker.Advance(buildID, state); {
	case err == nil:
	case errors.Is(err, tracker.ErrNotFound):
		s.jsonError(w, "Build not found", http.StatusNotFound)
		return
	case errors.Is(err, tracker.ErrBackward), errors.Is(err, tracker.ErrNotStarted):
		s.jsonError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, tracker.ErrShutdown):
		s.jsonError(w, "Service shutting down", http.StatusServiceUnavailable)
		return
	default:
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, _ := s.tracker.Get(buildID)
	s.writeJSON(w, http.StatusOK, session)
}
