package metrics

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/docker"
	"github.com/mini-cloud/edge/internal/models"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeEngine struct {
	info       docker.EngineInfo
	infoErr    error
	containers []docker.ContainerInfo
	listErr    error
	usage      map[string]docker.ContainerUsage
	prefix     string
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
}

func (f *fakeEngine) Info(context.Context) (docker.EngineInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeEngine) ListPlatformContainers(_ context.Context, prefix string) ([]docker.ContainerInfo, error) {
	f.prefix = prefix
	return f.containers, f.listErr
}

func (f *fakeEngine) Usage(_ context.Context, id string) (docker.ContainerUsage, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	u, ok := f.usage[id]
	if !ok {
		return docker.ContainerUsage{}, errors.New("no such container")
	}
	return u, nil
}

type fakeHost struct {
	load    float64
	disk    int
	loadErr error
	diskErr error
}

func (f fakeHost) Load() (float64, error)          { return f.load, f.loadErr }
func (f fakeHost) DiskPercent(string) (int, error) { return f.disk, f.diskErr }

func TestPercent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		used, total int64
		want        int
	}{
		{used: 0, total: 0, want: 0},
		{used: 512, total: 0, want: 0},
		{used: 1, total: 3, want: 33},
		{used: 2, total: 3, want: 67},
		{used: 1, total: 200, want: 1},
		{used: 4, total: 1000, want: 0},
		{used: 300, total: 200, want: 100},
		{used: 1 << 30, total: 4 << 30, want: 25},
	}
	for _, tt := range tests {
		if got := Percent(tt.used, tt.total); got != tt.want {
			t.Errorf("Percent(%d, %d) = %d, want %d", tt.used, tt.total, got, tt.want)
		}
	}
}

func TestSnapshotAggregatesPlatformContainers(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{
		info: docker.EngineInfo{MemTotal: 4000, NCPU: 8},
		containers: []docker.ContainerInfo{
			{ID: "a", Name: "app-a", State: "running"},
			{ID: "b", Name: "app-b", State: "running"},
			{ID: "c", Name: "app-c", State: "exited"},
		},
		usage: map[string]docker.ContainerUsage{
			"a": {MemoryBytes: 1000, RxBytes: 10, TxBytes: 1},
			"b": {MemoryBytes: 500, RxBytes: 20, TxBytes: 2},
			"c": {MemoryBytes: 9999, RxBytes: 9999, TxBytes: 9999},
		},
	}
	agg := New(Config{
		Engine:          engine,
		Host:            fakeHost{load: 1.234, disk: 42},
		ContainerPrefix: "app-",
		Clock:           clock.Fake(epoch),
	})

	got := agg.Snapshot(context.Background())
	want := models.SystemSnapshot{
		ContainerCount: 3,
		RunningCount:   2,
		Memory:         models.MemoryUsage{Total: 4000, Used: 1500, Percent: 38},
		CPU:            models.CPUUsage{Cores: 8, Load: 1.23},
		Disk:           models.DiskUsage{Percent: 42},
		Network:        models.NetworkTotals{RxTotal: 30, TxTotal: 3},
		Timestamp:      epoch.UnixMilli(),
	}
	if got != want {
		t.Errorf("got %+v\nwant %+v", got, want)
	}
	if engine.prefix != "app-" {
		t.Errorf("prefix = %q, want app-", engine.prefix)
	}
}

func TestSnapshotDegradesPerDimension(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{
		infoErr: errors.New("engine down"),
		listErr: errors.New("engine down"),
	}
	agg := New(Config{
		Engine: engine,
		Host:   fakeHost{loadErr: errors.New("no sysinfo"), disk: 70},
		Clock:  clock.Fake(epoch),
	})

	got := agg.Snapshot(context.Background())
	want := models.SystemSnapshot{
		Disk:      models.DiskUsage{Percent: 70},
		Timestamp: epoch.UnixMilli(),
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSnapshotZeroTotalMemory(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{
		info:       docker.EngineInfo{NCPU: 2},
		containers: []docker.ContainerInfo{{ID: "a", State: "running"}},
		usage:      map[string]docker.ContainerUsage{"a": {MemoryBytes: 2048}},
	}
	got := New(Config{Engine: engine}).Snapshot(context.Background())
	if got.Memory.Percent != 0 || got.Memory.Used != 2048 {
		t.Errorf("memory = %+v, want used 2048 and percent 0", got.Memory)
	}
}

func TestSnapshotSkipsFailedStatsAndBoundsFanOut(t *testing.T) {
	t.Parallel()
	engine := &fakeEngine{
		info:  docker.EngineInfo{MemTotal: 100},
		usage: map[string]docker.ContainerUsage{},
	}
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10"} {
		engine.containers = append(engine.containers, docker.ContainerInfo{ID: id, State: "running"})
		if id != "5" {
			engine.usage[id] = docker.ContainerUsage{MemoryBytes: 5, RxBytes: 1}
		}
	}

	got := New(Config{Engine: engine}).Snapshot(context.Background())
	if got.Memory.Used != 45 || got.Network.RxTotal != 9 || got.Memory.Percent != 45 {
		t.Errorf("got %+v", got)
	}
	if m := engine.maxFlight.Load(); m > statsConcurrency {
		t.Errorf("max concurrent stats calls = %d, want <= %d", m, statsConcurrency)
	}
}
