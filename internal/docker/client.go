// Package docker talks to the container engine on behalf of the metrics
// aggregator and the health endpoint.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

type DockerClient struct {
	cli     *client.Client
	baseURL string
}

// EngineInfo is the subset of the engine's /info response the platform uses.
type EngineInfo struct {
	MemTotal int64 `json:"memTotal"`
	NCPU     int   `json:"ncpu"`
}

type ContainerInfo struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Image   string    `json:"image"`
	Status  string    `json:"status"`
	Created time.Time `json:"created"`
	State   string    `json:"state"`
}

func (c ContainerInfo) Running() bool {
	return c.State == "running"
}

// ContainerUsage is one container's point-in-time resource usage, with
// network counters summed over every attached network.
type ContainerUsage struct {
	MemoryBytes uint64 `json:"memoryBytes"`
	RxBytes     uint64 `json:"rxBytes"`
	TxBytes     uint64 `json:"txBytes"`
}

// statsJSON is the part of the engine's stats document that is read.
type statsJSON struct {
	MemoryStats struct {
		Usage uint64 `json:"usage"`
	} `json:"memory_stats"`
	Networks map[string]struct {
		RxBytes uint64 `json:"rx_bytes"`
		TxBytes uint64 `json:"tx_bytes"`
	} `json:"networks"`
}

// NewDockerClient connects to host, or to the engine named by the DOCKER_*
// environment when host is empty. Extra options are applied last.
func NewDockerClient(host string, opts ...client.Opt) (*DockerClient, error) {
	all := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		all = append(all, client.WithHost(host))
	}
	all = append(all, opts...)

	cli, err := client.NewClientWithOpts(all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerClient{
		cli:     cli,
		baseURL: cli.DaemonHost(),
	}, nil
}

func (d *DockerClient) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

func (d *DockerClient) DaemonHost() string {
	return d.baseURL
}

func (d *DockerClient) PingDocker(ctx context.Context) error {
	if d.cli == nil {
		return fmt.Errorf("docker client not initialized")
	}

	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return nil
}

func (d *DockerClient) Info(ctx context.Context) (EngineInfo, error) {
	if d.cli == nil {
		return EngineInfo{}, fmt.Errorf("docker client not initialized")
	}

	info, err := d.cli.Info(ctx)
	if err != nil {
		return EngineInfo{}, fmt.Errorf("failed to get engine info: %w", err)
	}

	return EngineInfo{
		MemTotal: info.MemTotal,
		NCPU:     info.NCPU,
	}, nil
}

// ListPlatformContainers returns every container, running or not, whose name
// starts with prefix.
func (d *DockerClient) ListPlatformContainers(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	if d.cli == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}

	opts := container.ListOptions{All: true}
	if prefix != "" {
		// The engine's name filter is a substring match, so names are
		// re-checked below.
		opts.Filters = filters.NewArgs(filters.Arg("name", prefix))
	}

	containers, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var info []ContainerInfo
	for _, c := range containers {
		name := ""
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, prefix) {
				name = n
				break
			}
		}
		if name == "" {
			continue
		}

		info = append(info, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			Status:  c.Status,
			Created: time.Unix(c.Created, 0),
			State:   c.State,
		})
	}

	return info, nil
}

// Usage takes a single stats sample of the container.
func (d *DockerClient) Usage(ctx context.Context, containerID string) (ContainerUsage, error) {
	if d.cli == nil {
		return ContainerUsage{}, fmt.Errorf("docker client not initialized")
	}

	stats, err := d.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return ContainerUsage{}, fmt.Errorf("failed to get container stats: %w", err)
	}
	defer stats.Body.Close()

	var s statsJSON
	if err := json.NewDecoder(stats.Body).Decode(&s); err != nil {
		return ContainerUsage{}, fmt.Errorf("failed to decode stats: %w", err)
	}

	usage := ContainerUsage{MemoryBytes: s.MemoryStats.Usage}
	for _, n := range s.Networks {
		usage.RxBytes += n.RxBytes
		usage.TxBytes += n.TxBytes
	}
	return usage, nil
}
