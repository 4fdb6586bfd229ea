package handlers

import "net/http"

func (s *Server) HandleBackup(w http.ResponseWriter, r *http.Request) {
	result, err := s.backups.Run(r.Context())
	if err != nil {
		s.logger.Error("backup failed", "error", err)
		s.jsonError(w, "Backup failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	records, err := s.backups.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list backups", "error", err)
		s.jsonError(w, "Failed to list backups", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}
