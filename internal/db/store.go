// Package db persists build and backup history.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mini-cloud/edge/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Store defines the interface for history persistence.
type Store interface {
	RecordBackup(ctx context.Context, rec models.BackupRecord) error
	// ListBackups returns backups newest first.
	ListBackups(ctx context.Context) ([]models.BackupRecord, error)
	DeleteBackup(ctx context.Context, id string) error

	// RecordBuild inserts rec or replaces the stored build with the same id.
	RecordBuild(ctx context.Context, rec models.BuildRecord) error
	GetBuild(ctx context.Context, id string) (models.BuildRecord, error)
	// ListBuilds returns at most limit builds, most recently finished first.
	ListBuilds(ctx context.Context, limit int) ([]models.BuildRecord, error)
	// PruneBuilds deletes builds finished before the cutoff and every build
	// beyond the newest keep. A zero keep disables the count bound.
	PruneBuilds(ctx context.Context, before time.Time, keep int) (int64, error)

	Close() error
}

type Options struct {
	Type             string
	Path             string
	ConnectionString string
}

// Open returns the store selected by opts.Type: "postgres", or SQLite for
// anything else.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "postgres":
		if opts.ConnectionString == "" {
			return nil, fmt.Errorf("connection string is required for postgres")
		}
		return NewPostgresStore(ctx, opts.ConnectionString)
	default:
		return NewSQLiteStore(opts.Path)
	}
}
