package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mini-cloud/edge/internal/models"
	"github.com/mini-cloud/edge/internal/templates"
	"github.com/mini-cloud/edge/internal/tracker"
)

const maxDeployBody = 64 << 10

func (s *Server) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.templates.List())
}

// HandleDeployTemplate deploys a catalog template through the orchestration
// API and starts a build session for it. The body is optional.
func (s *Server) HandleDeployTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := mux.Vars(r)["templateId"]

	tmpl, err := s.templates.Get(templateID)
	if errors.Is(err, templates.ErrNotFound) {
		s.jsonError(w, "Template not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var req models.DeployTemplateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDeployBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	name := strings.TrimSpace(req.AppName)
	if name == "" {
		name = tmpl.ID + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	}

	session := s.tracker.Begin(tracker.Spec{Template: tmpl.ID, GitURL: tmpl.GitURL})
	logger := s.logger.With("template", tmpl.ID, "build_id", session.ID, "app_name", name)

	result, err := s.registry.Deploy(r.Context(), models.DeployRequest{
		Name:                 name,
		GitURL:               tmpl.GitURL,
		EnvironmentVariables: tmpl.Env,
	})
	if err != nil {
		s.tracker.Abort(session.ID, err)
		logger.Error("template deploy failed", "error", err)
		s.jsonError(w, "Deployment service unavailable", http.StatusBadGateway)
		return
	}

	result["template"] = tmpl.Name

	// The deploy went through upstream either way; only the progress
	// session is dropped when it cannot start.
	appID, _ := result["app_id"].(string)
	if err := s.tracker.Start(session.ID, appID); err != nil {
		s.tracker.Abort(session.ID, err)
		logger.Warn("failed to start build session", "error", err)
	} else {
		result["buildId"] = session.ID
	}
	logger.Info("template deployed", "app_id", appID)
	s.writeJSON(w, http.StatusOK, result)
}
