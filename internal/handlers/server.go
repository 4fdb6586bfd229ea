// Package handlers implements the platform HTTP API, the build log streams
// and the edge handler that routes every inbound request.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/docker"
	"github.com/mini-cloud/edge/internal/models"
	"github.com/mini-cloud/edge/internal/templates"
	"github.com/mini-cloud/edge/internal/tracker"
	"github.com/mini-cloud/edge/internal/websocket"
)

const (
	defaultStreamInterval = time.Second
	defaultHistoryLimit   = 50
	maxHistoryLimit       = 500
)

// Deployer is the orchestration API as seen by the deploy and health
// endpoints.
type Deployer interface {
	Deploy(ctx context.Context, req models.DeployRequest) (map[string]any, error)
	Ping(ctx context.Context) error
}

type EnginePinger interface {
	PingDocker(ctx context.Context) error
}

type MetricsSource interface {
	Snapshot(ctx context.Context) models.SystemSnapshot
}

type Backups interface {
	Run(ctx context.Context) (models.BackupResult, error)
	List(ctx context.Context) ([]models.BackupRecord, error)
}

type BuildHistory interface {
	GetBuild(ctx context.Context, id string) (models.BuildRecord, error)
	ListBuilds(ctx context.Context, limit int) ([]models.BuildRecord, error)
}

// AppLogs starts feeding an app's container output into the hub.
type AppLogs interface {
	Follow(appID string) bool
}

type ContainerLogs interface {
	TailLogs(ctx context.Context, name string, n int) ([]docker.LogLine, error)
}

type Deps struct {
	Registry  Deployer
	Engine    EnginePinger
	Metrics   MetricsSource
	Tracker   *tracker.Tracker
	Hub       *websocket.Hub
	Templates *templates.Catalog
	Backups   Backups
	History   BuildHistory
	AppLogs   AppLogs

	// Containers serves the recent output of app containers, named
	// ContainerPrefix followed by the app id.
	Containers      ContainerLogs
	ContainerPrefix string

	StaticDir string
	Domain    string

	// StreamInterval is the push period of build log streams.
	StreamInterval time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

type Server struct {
	registry  Deployer
	engine    EnginePinger
	metrics   MetricsSource
	tracker   *tracker.Tracker
	hub       *websocket.Hub
	templates *templates.Catalog
	backups   Backups
	history   BuildHistory
	appLogs   AppLogs

	containers      ContainerLogs
	containerPrefix string

	staticDir      string
	domain         string
	streamInterval time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	streamsDone chan struct{}
	stopStreams sync.Once
}

func NewServer(d Deps) *Server {
	if d.StreamInterval <= 0 {
		d.StreamInterval = defaultStreamInterval
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Templates == nil {
		d.Templates = templates.Default()
	}
	return &Server{
		registry:       d.Registry,
		engine:         d.Engine,
		metrics:        d.Metrics,
		tracker:        d.Tracker,
		hub:            d.Hub,
		templates:      d.Templates,
		backups:        d.Backups,
		history:        d.History,
		appLogs:        d.AppLogs,
		containers:     d.Containers,
		staticDir:      d.StaticDir,
		domain:         d.Domain,
		streamInterval: d.StreamInterval,
		clock:          d.Clock,
		logger:         d.Logger.With("component", "api"),

		containerPrefix: d.ContainerPrefix,
		streamsDone:     make(chan struct{}),
	}
}

// StopStreams ends every open build log stream. http.Server.Shutdown does
// not wait out streaming responses on its own, so register it with
// RegisterOnShutdown.
func (s *Server) StopStreams() {
	s.stopStreams.Do(func() { close(s.streamsDone) })
}

// Router returns the platform router: the API, the log WebSocket and the
// dashboard as catch-all.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.HandleHealth).Methods("GET")
	r.HandleFunc("/api/system/metrics", s.HandleSystemMetrics).Methods("GET")
	r.HandleFunc("/api/templates", s.HandleListTemplates).Methods("GET")
	r.HandleFunc("/api/templates/{templateId}/deploy", s.HandleDeployTemplate).Methods("POST")
	r.HandleFunc("/api/apps/{appId}/logs", s.HandleAppLogs).Methods("GET")
	r.HandleFunc("/api/builds", s.HandleListBuilds).Methods("GET")
	r.HandleFunc("/api/builds/{buildId}", s.HandleGetBuild).Methods("GET")
	r.HandleFunc("/api/builds/{buildId}/logs", s.HandleBuildLogs).Methods("GET")
	r.HandleFunc("/api/builds/{buildId}/events", s.HandleBuildEvent).Methods("POST")
	r.HandleFunc("/api/backup", s.HandleBackup).Methods("POST")
	r.HandleFunc("/api/backups", s.HandleListBackups).Methods("GET")
	r.HandleFunc("/ws/logs", s.HandleWSLogs).Methods("GET")

	r.PathPrefix("/").Handler(newStaticHandler(s.staticDir))

	return r
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: message,
		Code:  http.StatusText(code),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
