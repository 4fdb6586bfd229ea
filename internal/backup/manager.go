// Package backup produces point-in-time backups of the platform database and
// data volumes.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mini-cloud/edge/internal/clock"
	"github.com/mini-cloud/edge/internal/models"
)

// ErrFailed is returned for any failed backup. Files produced by the failed
// run are removed before it is returned.
var ErrFailed = errors.New("backup failed")

const (
	DefaultKeep = 10

	maxCommandOutput = 512
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if len(msg) > maxCommandOutput {
			msg = msg[:maxCommandOutput]
		}
		return fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return nil
}

// Store keeps the record of completed backups.
type Store interface {
	RecordBackup(ctx context.Context, rec models.BackupRecord) error
	ListBackups(ctx context.Context) ([]models.BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error
}

type Config struct {
	Dir         string
	DatabaseURL string
	Paths       []string
	Keep        int
	Compression string
	Runner      Runner
	Store       Store
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Manager struct {
	dir         string
	databaseURL string
	paths       []string
	keep        int
	compression string
	runner      Runner
	store       Store
	clock       clock.Clock
	logger      *slog.Logger

	// mu serializes runs so pruning never races a backup in progress.
	mu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.Keep <= 0 {
		cfg.Keep = DefaultKeep
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionGzip
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		dir:         cfg.Dir,
		databaseURL: cfg.DatabaseURL,
		paths:       cfg.Paths,
		keep:        cfg.Keep,
		compression: cfg.Compression,
		runner:      cfg.Runner,
		store:       cfg.Store,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "backup"),
	}
}

// Run dumps the database (when configured), archives the data paths, writes
// a checksum manifest and records the result. Older backups beyond the keep
// limit are removed afterwards.
func (m *Manager) Run(ctx context.Context) (models.BackupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now().UTC()
	id := uuid.NewString()
	stamp := now.Format("20060102_150405") + "_" + id[:8]
	logger := m.logger.With("backup_id", id)

	var produced []string
	fail := func(step string, err error) (models.BackupResult, error) {
		for _, path := range produced {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn("failed to remove partial backup file", "path", path, "error", rmErr)
			}
		}
		logger.Error("backup failed", "step", step, "error", err)
		return models.BackupResult{}, fmt.Errorf("%w: %s: %v", ErrFailed, step, err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fail("prepare", err)
	}

	if m.databaseURL != "" {
		dump := filepath.Join(m.dir, "database_"+stamp+".sql")
		produced = append(produced, dump)
		if err := m.runner.Run(ctx, "pg_dump", "--dbname", m.databaseURL, "--file", dump); err != nil {
			return fail("database dump", err)
		}
	} else {
		logger.Debug("no database configured, skipping dump")
	}

	archive := filepath.Join(m.dir, "app_data_"+stamp+archiveExtension(m.compression))
	produced = append(produced, archive)
	skipped, err := writeArchive(ctx, archive, m.paths, m.compression)
	if err != nil {
		return fail("volume archive", err)
	}
	for _, path := range skipped {
		logger.Debug("backup path missing, skipped", "path", path)
	}

	manifest := filepath.Join(m.dir, "backup_"+stamp+".b3sum")
	if err := writeManifest(manifest, produced); err != nil {
		produced = append(produced, manifest)
		return fail("manifest", err)
	}
	produced = append(produced, manifest)

	var size int64
	files := make([]string, 0, len(produced))
	for _, path := range produced {
		info, err := os.Stat(path)
		if err != nil {
			return fail("stat", err)
		}
		size += info.Size()
		files = append(files, filepath.Base(path))
	}

	if m.store != nil {
		rec := models.BackupRecord{ID: id, Files: files, Size: size, CreatedAt: now}
		if err := m.store.RecordBackup(ctx, rec); err != nil {
			return fail("record", err)
		}
		m.prune(ctx)
	}

	logger.Info("backup created", "files", len(files), "size", humanize.Bytes(uint64(size)))
	return models.BackupResult{
		ID:        id,
		Files:     files,
		Size:      size,
		Timestamp: now.Format(time.RFC3339),
	}, nil
}

// prune deletes backups beyond the keep limit, files first. Failures are
// logged and retried on the next run.
func (m *Manager) prune(ctx context.Context) {
	records, err := m.store.ListBackups(ctx)
	if err != nil {
		m.logger.Warn("failed to list backups for pruning", "error", err)
		return
	}
	if len(records) <= m.keep {
		return
	}

	for _, rec := range records[m.keep:] {
		removed := true
		for _, name := range rec.Files {
			path := filepath.Join(m.dir, filepath.Base(name))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("failed to remove old backup file", "path", path, "error", err)
				removed = false
			}
		}
		if !removed {
			continue
		}
		if err := m.store.DeleteBackup(ctx, rec.ID); err != nil {
			m.logger.Warn("failed to delete backup record", "backup_id", rec.ID, "error", err)
			continue
		}
		m.logger.Info("removed old backup", "backup_id", rec.ID, "size", humanize.Bytes(uint64(rec.Size)))
	}
}

// List returns recorded backups, newest first, with human-readable sizes.
func (m *Manager) List(ctx context.Context) ([]models.BackupRecord, error) {
	if m.store == nil {
		return []models.BackupRecord{}, nil
	}
	records, err := m.store.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].SizeHuman = humanize.Bytes(uint64(records[i].Size))
	}
	return records, nil
}
