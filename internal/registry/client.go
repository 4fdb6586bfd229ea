// Package registry reads deployed applications from the orchestration API and
// forwards deployment requests to it. It keeps no state between calls.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mini-cloud/edge/internal/models"
)

// ErrUnavailable wraps every transport failure and non-2xx answer from the
// orchestration API.
var ErrUnavailable = errors.New("orchestration API unavailable")

type Config struct {
	BaseURL         string
	ContainerPrefix string
	Timeout         time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type Client struct {
	baseURL         string
	containerPrefix string
	http            *http.Client
	logger          *slog.Logger
}

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		containerPrefix: cfg.ContainerPrefix,
		http:            httpClient,
		logger:          logger.With("component", "registry"),
	}
}

// appWire is one entry of GET /api/apps.
type appWire struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	URL         string `json:"url"`
	Port        int    `json:"port"`
	ContainerID string `json:"container_id"`
	Backend     string `json:"backend,omitempty"`
}

// ListApps fetches the current application set. Records whose status the
// edge does not recognise are dropped rather than guessed.
func (c *Client) ListApps(ctx context.Context) ([]models.AppRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/apps", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire []appWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: failed to decode app list: %v", ErrUnavailable, err)
	}

	records := make([]models.AppRecord, 0, len(wire))
	for _, w := range wire {
		status, err := models.ParseAppStatus(w.Status)
		if err != nil {
			c.logger.Warn("Skipping app with unknown status", "app_id", w.ID, "status", w.Status)
			continue
		}
		records = append(records, models.AppRecord{
			ID:             w.ID,
			Hostname:       hostnameOf(w.URL),
			Status:         status,
			BackendAddress: c.backendOf(w),
		})
	}
	return records, nil
}

// Deploy forwards a deployment to POST /api/deploy and returns the upstream
// JSON object as-is.
func (c *Client) Deploy(ctx context.Context, req models.DeployRequest) (map[string]any, error) {
	if req.EnvironmentVariables == nil {
		req.EnvironmentVariables = map[string]string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deploy request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/deploy", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode deploy result: %v", ErrUnavailable, err)
	}
	return result, nil
}

// Ping checks that the orchestration API answers at all.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrUnavailable, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *Client) backendOf(w appWire) string {
	if w.Backend != "" {
		return w.Backend
	}
	if w.Port == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s%s:%d", c.containerPrefix, w.ID, w.Port)
}

// hostnameOf returns the host part of an app's public URL, without port.
func hostnameOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}
