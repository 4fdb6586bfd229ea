package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mini-cloud/edge/internal/models"
)

const walCheckpointInterval = 60 * time.Second

type SQLiteStore struct {
	db   *sqlx.DB
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type backupRow struct {
	ID        string    `db:"id"`
	Files     string    `db:"files"`
	Size      int64     `db:"size"`
	CreatedAt time.Time `db:"created_at"`
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, stop: make(chan struct{})}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	s.wg.Add(1)
	go s.walCheckpointLoop()

	return s, nil
}

func (s *SQLiteStore) walCheckpointLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(walCheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
	}
}

func (s *SQLiteStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			files TEXT NOT NULL DEFAULT '[]',
			size INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			template TEXT NOT NULL DEFAULT '',
			app_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_finished ON builds(finished_at DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.db.Close()
}

func (s *SQLiteStore) RecordBackup(ctx context.Context, rec models.BackupRecord) error {
	files, err := json.Marshal(nonNil(rec.Files))
	if err != nil {
		return fmt.Errorf("failed to encode backup files: %w", err)
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO backups (id, files, size, created_at) VALUES (:id, :files, :size, :created_at)`,
		backupRow{ID: rec.ID, Files: string(files), Size: rec.Size, CreatedAt: rec.CreatedAt.UTC()},
	)
	if err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBackups(ctx context.Context) ([]models.BackupRecord, error) {
	var rows []backupRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, files, size, created_at FROM backups ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}

	backups := make([]models.BackupRecord, 0, len(rows))
	for _, r := range rows {
		var files []string
		if err := json.Unmarshal([]byte(r.Files), &files); err != nil {
			return nil, fmt.Errorf("failed to decode files of backup %s: %w", r.ID, err)
		}
		backups = append(backups, models.BackupRecord{
			ID:        r.ID,
			Files:     files,
			Size:      r.Size,
			CreatedAt: r.CreatedAt,
		})
	}
	return backups, nil
}

func (s *SQLiteStore) DeleteBackup(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordBuild(ctx context.Context, rec models.BuildRecord) error {
	rec.StartedAt = rec.StartedAt.UTC()
	rec.FinishedAt = rec.FinishedAt.UTC()

	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR REPLACE INTO builds (id, template, app_id, state, started_at, finished_at)
		 VALUES (:id, :template, :app_id, :state, :started_at, :finished_at)`,
		rec,
	)
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBuilds(ctx context.Context, limit int) ([]models.BuildRecord, error) {
	builds := []models.BuildRecord{}
	err := s.db.SelectContext(ctx, &builds,
		`SELECT id, template, app_id, state, started_at, finished_at
		 FROM builds ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	return builds, nil
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (models.BuildRecord, error) {
	var b models.BuildRecord
	err := s.db.GetContext(ctx, &b,
		`SELECT id, template, app_id, state, started_at, finished_at FROM builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BuildRecord{}, ErrNotFound
	}
	if err != nil {
		return models.BuildRecord{}, fmt.Errorf("failed to get build: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) PruneBuilds(ctx context.Context, before time.Time, keep int) (int64, error) {
	var removed int64

	result, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired builds: %w", err)
	}
	n, _ := result.RowsAffected()
	removed += n

	if keep > 0 {
		result, err = s.db.ExecContext(ctx,
			`DELETE FROM builds WHERE id NOT IN (
				SELECT id FROM builds ORDER BY finished_at DESC, id DESC LIMIT ?
			)`, keep)
		if err != nil {
			return removed, fmt.Errorf("failed to enforce build limit: %w", err)
		}
		n, _ = result.RowsAffected()
		removed += n
	}

	return removed, nil
}

func nonNil(files []string) []string {
	if files == nil {
		return []string{}
	}
	return files
}
