// Package applogs feeds the runtime output of app containers into the log
// hub, under the app id, for as long as someone is subscribed to it.
package applogs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/docker"
)

const DefaultCheckInterval = 5 * time.Second

// Source streams a container's log lines.
type Source interface {
	StreamLogs(ctx context.Context, name string, since time.Time) (<-chan docker.LogLine, error)
}

// Hub is the part of the log hub a follower publishes into.
type Hub interface {
	Publish(subject, line string)
	Subscribers(subject string) int
}

type Config struct {
	Source          Source
	Hub             Hub
	ContainerPrefix string

	// CheckInterval is how often a follow checks for remaining subscribers
	// and retries a stream that ended.
	CheckInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Follower runs at most one log stream per app.
type Follower struct {
	source        Source
	hub           Hub
	prefix        string
	checkInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config) *Follower {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Follower{
		source:        cfg.Source,
		hub:           cfg.Hub,
		prefix:        cfg.ContainerPrefix,
		checkInterval: cfg.CheckInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger.With("component", "applogs"),
		running:       make(map[string]context.CancelFunc),
	}
}

// Follow starts streaming the app's container into the hub unless a stream
// is already running. Call it after subscribing: a follow ends at the first
// check that finds the subject without subscribers. It reports false once
// the follower is shut down.
func (f *Follower) Follow(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || appID == "" {
		return false
	}
	if _, ok := f.running[appID]; ok {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.running[appID] = cancel
	f.wg.Add(1)
	go f.run(ctx, appID)
	return true
}

func (f *Follower) Following(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[appID]
	return ok
}

// Shutdown stops every stream and waits for them to exit.
func (f *Follower) Shutdown() {
	f.mu.Lock()
	f.closed = true
	for appID, cancel := range f.running {
		cancel()
		delete(f.running, appID)
	}
	f.mu.Unlock()

	f.wg.Wait()
}

// release ends the follow when the subject has no subscribers left. The check
// and the removal happen under one lock so a concurrent Follow either sees
// the stream still running or starts a new one.
func (f *Follower) release(appID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return true
	}
	if f.hub.Subscribers(appID) > 0 {
		return false
	}
	if cancel, ok := f.running[appID]; ok {
		cancel()
		delete(f.running, appID)
	}
	return true
}

func (f *Follower) run(ctx context.Context, appID string) {
	defer f.wg.Done()

	name := f.prefix + appID
	logger := f.logger.With("app_id", appID, "container", name)
	ticker := f.clock.NewTicker(f.checkInterval)
	defer ticker.Stop()

	since := f.clock.Now()
	logger.Debug("following container logs")
	defer logger.Debug("stopped following container logs")

	for {
		lines, err := f.source.StreamLogs(ctx, name, since)
		if err != nil {
			logger.Warn("failed to stream container logs", "error", err)
		} else if since, err = f.pump(ctx, appID, lines, ticker, since); err != nil {
			return
		}

		// The container stopped or the stream failed; retry while anyone
		// is still listening.
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.release(appID) {
				return
			}
		}
	}
}

// pump publishes lines until the stream ends, returning where the next
// stream should resume. It returns ctx's error once the follow is over.
func (f *Follower) pump(ctx context.Context, appID string, lines <-chan docker.LogLine, ticker *clock.Ticker, since time.Time) (time.Time, error) {
	for {
		select {
		case <-ctx.Done():
			return since, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return since, nil
			}
			f.hub.Publish(appID, line.Text)
			if !line.Timestamp.IsZero() {
				since = line.Timestamp.Add(time.Nanosecond)
			}
		case <-ticker.C:
			if f.release(appID) {
				return since, context.Canceled
			}
		}
	}
}
