package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mini-cloud/edge/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS backups (
			id TEXT PRIMARY KEY,
			files TEXT[] NOT NULL DEFAULT '{}',
			size BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id TEXT PRIMARY KEY,
			template TEXT NOT NULL DEFAULT '',
			app_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_created ON backups(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_builds_finished ON builds(finished_at DESC)`,
	}
	for _, query := range queries {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) RecordBackup(ctx context.Context, rec models.BackupRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO backups (id, files, size, created_at) VALUES ($1, $2, $3, $4)`,
		rec.ID, nonNil(rec.Files), rec.Size, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBackups(ctx context.Context) ([]models.BackupRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, files, size, created_at FROM backups ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	backups := []models.BackupRecord{}
	for rows.Next() {
		var b models.BackupRecord
		if err := rows.Scan(&b.ID, &b.Files, &b.Size, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func (s *PostgresStore) DeleteBackup(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordBuild(ctx context.Context, rec models.BuildRecord) error {
	_, err := s.pool.Exec(ctx, `
	INSERT INTO builds (id, template, app_id, state, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		template = EXCLUDED.template,
		app_id = EXCLUDED.app_id,
		state = EXCLUDED.state,
		started_at = EXCLUDED.started_at,
		finished_at = EXCLUDED.finished_at
	`, rec.ID, rec.Template, rec.AppID, rec.State, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBuild(ctx context.Context, id string) (models.BuildRecord, error) {
	var b models.BuildRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, template, app_id, state, started_at, finished_at FROM builds WHERE id = $1`, id,
	).Scan(&b.ID, &b.Template, &b.AppID, &b.State, &b.StartedAt, &b.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BuildRecord{}, ErrNotFound
	}
	if err != nil {
		return models.BuildRecord{}, fmt.Errorf("failed to get build: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBuilds(ctx context.Context, limit int) ([]models.BuildRecord, error) {
	rows, err := s.pool.Query(ctx, `
	SELECT id, template, app_id, state, started_at, finished_at
	FROM builds ORDER BY finished_at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	builds := []models.BuildRecord{}
	for rows.Next() {
		var b models.BuildRecord
		if err := rows.Scan(&b.ID, &b.Template, &b.AppID, &b.State, &b.StartedAt, &b.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) PruneBuilds(ctx context.Context, before time.Time, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM builds WHERE finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired builds: %w", err)
	}
	removed := tag.RowsAffected()

	if keep > 0 {
		tag, err = s.pool.Exec(ctx, `
		DELETE FROM builds WHERE id NOT IN (
			SELECT id FROM builds ORDER BY finished_at DESC, id DESC LIMIT $1
		)`, keep)
		if err != nil {
			return removed, fmt.Errorf("failed to enforce build limit: %w", err)
		}
		removed += tag.RowsAffected()
	}

	return removed, nil
}
