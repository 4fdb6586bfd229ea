// Package metrics builds the SystemSnapshot served by /api/system/metrics.
package metrics

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/docker"
	"github.com/mini-cloud/edge/internal/models"
	"golang.org/x/sync/errgroup"
)

// statsConcurrency bounds the per-container stats requests in flight.
const statsConcurrency = 4

type Engine interface {
	Info(ctx context.Context) (docker.EngineInfo, error)
	ListPlatformContainers(ctx context.Context, prefix string) ([]docker.ContainerInfo, error)
	Usage(ctx context.Context, containerID string) (docker.ContainerUsage, error)
}

// HostProbe reads host-level figures from the operating system.
type HostProbe interface {
	Load() (float64, error)
	DiskPercent(path string) (int, error)
}

type Config struct {
	Engine          Engine
	Host            HostProbe
	ContainerPrefix string
	DiskPath        string
	Clock           clock.Clock
	Logger          *slog.Logger
}

type Aggregator struct {
	engine   Engine
	host     HostProbe
	prefix   string
	diskPath string
	clock    clock.Clock
	logger   *slog.Logger
}

func New(cfg Config) *Aggregator {
	if cfg.DiskPath == "" {
		cfg.DiskPath = "/"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		engine:   cfg.Engine,
		host:     cfg.Host,
		prefix:   cfg.ContainerPrefix,
		diskPath: cfg.DiskPath,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "metrics"),
	}
}

// Snapshot queries the engine and the host concurrently. A failed query
// leaves its part of the snapshot zeroed; the snapshot itself never fails.
func (a *Aggregator) Snapshot(ctx context.Context) models.SystemSnapshot {
	var (
		snap  models.SystemSnapshot
		info  docker.EngineInfo
		usage docker.ContainerUsage
		g     errgroup.Group
	)

	g.Go(func() error {
		i, err := a.engine.Info(ctx)
		if err != nil {
			a.logger.Warn("engine info unavailable", "error", err)
			return nil
		}
		info = i
		return nil
	})

	g.Go(func() error {
		containers, err := a.engine.ListPlatformContainers(ctx, a.prefix)
		if err != nil {
			a.logger.Warn("container list unavailable", "error", err)
			return nil
		}
		snap.ContainerCount = len(containers)
		for _, c := range containers {
			if c.Running() {
				snap.RunningCount++
			}
		}
		usage = a.sumUsage(ctx, containers)
		return nil
	})

	if a.host != nil {
		g.Go(func() error {
			load, err := a.host.Load()
			if err != nil {
				a.logger.Warn("host load unavailable", "error", err)
				return nil
			}
			snap.CPU.Load = math.Round(load*100) / 100
			return nil
		})

		g.Go(func() error {
			pct, err := a.host.DiskPercent(a.diskPath)
			if err != nil {
				a.logger.Warn("disk usage unavailable", "path", a.diskPath, "error", err)
				return nil
			}
			snap.Disk.Percent = clampPercent(pct)
			return nil
		})
	}

	g.Wait()

	snap.CPU.Cores = info.NCPU
	snap.Memory.Total = info.MemTotal
	snap.Memory.Used = int64(usage.MemoryBytes)
	snap.Memory.Percent = Percent(snap.Memory.Used, snap.Memory.Total)
	snap.Network.RxTotal = usage.RxBytes
	snap.Network.TxTotal = usage.TxBytes
	snap.Timestamp = a.clock.Now().UnixMilli()
	return snap
}

// sumUsage samples running containers with bounded concurrency. Containers
// whose stats cannot be read contribute nothing.
func (a *Aggregator) sumUsage(ctx context.Context, containers []docker.ContainerInfo) docker.ContainerUsage {
	var (
		total docker.ContainerUsage
		mu    sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(statsConcurrency)

	for _, c := range containers {
		if !c.Running() {
			continue
		}
		c := c
		g.Go(func() error {
			u, err := a.engine.Usage(ctx, c.ID)
			if err != nil {
				a.logger.Debug("container stats unavailable", "container", c.Name, "error", err)
				return nil
			}
			mu.Lock()
			total.MemoryBytes += u.MemoryBytes
			total.RxBytes += u.RxBytes
			total.TxBytes += u.TxBytes
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return total
}

// Percent returns used/total as a rounded percentage in [0, 100]. It is 0
// when total is not positive.
func Percent(used, total int64) int {
	if total <= 0 {
		return 0
	}
	return clampPercent(int(math.Round(float64(used) / float64(total) * 100)))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
