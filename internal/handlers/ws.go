package handlers

import (
	"net/http"

	ws "github.com/gorilla/websocket"
	"github.com/mini-cloud/edge/internal/websocket"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWSLogs subscribes the connection to appId, or to buildId when no app
// is named. When buildId has buffered lines they are replayed once before
// any live line. Subscribing to an app starts following its container.
func (s *Server) HandleWSLogs(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("appId")
	buildID := r.URL.Query().Get("buildId")

	subject := appID
	if subject == "" {
		subject = buildID
	}
	if subject == "" {
		s.jsonError(w, "appId or buildId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "subject", subject, "error", err)
		return
	}

	client := websocket.NewClient(conn, subject)
	if err := s.hub.Subscribe(subject, client, buildID); err != nil {
		s.logger.Warn("failed to subscribe", "subject", subject, "error", err)
		conn.WriteJSON(websocket.NewErrorMessage(err.Error()))
		conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}
	s.logger.Debug("log subscriber connected", "subject", subject, "replay", buildID)

	if appID != "" && s.appLogs != nil {
		s.appLogs.Follow(appID)
	}

	go client.WritePump()
	go client.ReadPump(s.hub)
}
