package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mini-cloud/edge/internal/clock"
)

// RetentionManager periodically trims build history by age and by count.
type RetentionManager struct {
	store  Store
	maxAge time.Duration
	keep   int
	clock  clock.Clock
	logger *slog.Logger

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewRetentionManager(store Store, maxAge time.Duration, keep int, clk clock.Clock, logger *slog.Logger) *RetentionManager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{
		store:    store,
		maxAge:   maxAge,
		keep:     keep,
		clock:    clk,
		logger:   logger.With("component", "retention"),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (r *RetentionManager) Start(ctx context.Context, interval time.Duration) {
	go r.run(ctx, interval)
}

// Stop ends the loop started by Start and waits for it to exit.
func (r *RetentionManager) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	<-r.doneChan
}

func (r *RetentionManager) run(ctx context.Context, interval time.Duration) {
	defer close(r.doneChan)

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := r.Apply(ctx); err != nil {
				r.logger.Warn("failed to apply retention policy", "error", err)
			}
		}
	}
}

// Apply runs one pruning pass and returns the number of rows removed.
func (r *RetentionManager) Apply(ctx context.Context) (int64, error) {
	if r.maxAge <= 0 && r.keep <= 0 {
		return 0, nil
	}

	// A zero cutoff keeps every row as far as age is concerned.
	var cutoff time.Time
	if r.maxAge > 0 {
		cutoff = r.clock.Now().Add(-r.maxAge)
	}

	removed, err := r.store.PruneBuilds(ctx, cutoff, r.keep)
	if err != nil {
		return removed, fmt.Errorf("failed to prune build history: %w", err)
	}
	if removed > 0 {
		r.logger.Info("pruned build history", "removed", removed)
	}
	return removed, nil
}
