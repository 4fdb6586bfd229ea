package models

import (
	"fmt"
	"strings"
	"time"
)

// AppStatus is the lifecycle state reported by the orchestration API. Call
// sites switch over every value; there is no "unknown" member.
type AppStatus int

const (
	StatusRunning AppStatus = iota + 1
	StatusStopped
	StatusBuilding
	StatusFailed
)

func (s AppStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusBuilding:
		return "building"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("AppStatus(%d)", int(s))
}

func (s AppStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseAppStatus maps the orchestration API's status strings onto AppStatus.
// The API reports failed builds as "error".
func ParseAppStatus(raw string) (AppStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return StatusRunning, nil
	case "stopped":
		return StatusStopped, nil
	case "building":
		return StatusBuilding, nil
	case "error", "failed":
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unrecognised app status %q", raw)
}

// AppRecord is a point-in-time copy of one deployed application.
type AppRecord struct {
	ID             string    `json:"id"`
	Hostname       string    `json:"hostname"`
	Status         AppStatus `json:"status"`
	BackendAddress string    `json:"backendAddress"`
}

type Template struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	GitURL      string            `json:"git_url" yaml:"git_url"`
	Description string            `json:"description" yaml:"description"`
	Env         map[string]string `json:"env" yaml:"env"`
}

type DeployTemplateRequest struct {
	AppName string `json:"appName,omitempty"`
}

// DeployRequest is the body of the orchestration API's POST /api/deploy.
type DeployRequest struct {
	Name                 string            `json:"name"`
	GitURL               string            `json:"git_url"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
}

type BuildEventRequest struct {
	State string `json:"state"`
}

type SystemSnapshot struct {
	ContainerCount int           `json:"containerCount"`
	RunningCount   int           `json:"runningCount"`
	Memory         MemoryUsage   `json:"memory"`
	CPU            CPUUsage      `json:"cpu"`
	Disk           DiskUsage     `json:"disk"`
	Network        NetworkTotals `json:"network"`
	Timestamp      int64         `json:"timestamp"`
}

type MemoryUsage struct {
	Total   int64 `json:"total"`
	Used    int64 `json:"used"`
	Percent int   `json:"percent"`
}

type CPUUsage struct {
	Cores int     `json:"cores"`
	Load  float64 `json:"load"`
}

type DiskUsage struct {
	Percent int `json:"percent"`
}

type NetworkTotals struct {
	RxTotal uint64 `json:"rxTotal"`
	TxTotal uint64 `json:"txTotal"`
}

type BackupResult struct {
	ID        string   `json:"id"`
	Files     []string `json:"files"`
	Size      int64    `json:"size"`
	Timestamp string   `json:"timestamp"`
}

// BackupRecord is the stored form of a completed backup.
type BackupRecord struct {
	ID        string    `json:"id" db:"id"`
	Files     []string  `json:"files" db:"-"`
	Size      int64     `json:"size" db:"size"`
	SizeHuman string    `json:"sizeHuman,omitempty" db:"-"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// BuildRecord is the stored outcome of one tracked deployment.
type BuildRecord struct {
	ID         string    `json:"id" db:"id"`
	Template   string    `json:"template" db:"template"`
	AppID      string    `json:"appId" db:"app_id"`
	State      string    `json:"state" db:"state"`
	StartedAt  time.Time `json:"startedAt" db:"started_at"`
	FinishedAt time.Time `json:"finishedAt" db:"finished_at"`
}

type BuildLogsPayload struct {
	Logs      []string `json:"logs"`
	Timestamp int64    `json:"timestamp"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
