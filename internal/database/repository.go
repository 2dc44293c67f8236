// Package database persists measurement-run history. The pipeline never
// depends on it: servers run with a nil repo when no DATABASE_URL is
// configured.
package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the persistence contract used by the compilation server.
type Repo interface {
	CreateRun(ctx context.Context, run *MeasurementRun) error
	CompleteRun(ctx context.Context, runID string, report map[string]float64) error
	FailRun(ctx context.Context, runID, message string) error
	GetRun(ctx context.Context, runID string) (*MeasurementRun, error)
}

// Repository provides database operations backed by Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Repository with a connection pool.
func NewRepository(ctx context.Context, connString string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// CreateRun inserts a new measurement run in pending state.
func (r *Repository) CreateRun(ctx context.Context, run *MeasurementRun) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO measurement_runs (id, model_digest, accuracy_level, status)
		 VALUES ($1, $2, $3, $4)`,
		run.ID, run.ModelDigest, run.AccuracyLevel, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("insert measurement run: %w", err)
	}
	return nil
}

// CompleteRun stores the latency report and marks the run completed.
func (r *Repository) CompleteRun(ctx context.Context, runID string, report map[string]float64) error {
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE measurement_runs
		 SET status = $1, report = $2, finished_at = now()
		 WHERE id = $3`,
		StatusCompleted, data, runID,
	)
	if err != nil {
		return fmt.Errorf("complete measurement run: %w", err)
	}
	return nil
}

// FailRun marks the run failed with the causing message.
func (r *Repository) FailRun(ctx context.Context, runID, message string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE measurement_runs
		 SET status = $1, error = $2, finished_at = now()
		 WHERE id = $3`,
		StatusFailed, message, runID,
	)
	if err != nil {
		return fmt.Errorf("fail measurement run: %w", err)
	}
	return nil
}

// GetRun returns a run by id, or nil if not found.
func (r *Repository) GetRun(ctx context.Context, runID string) (*MeasurementRun, error) {
	var (
		run        MeasurementRun
		reportJSON []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, model_digest, accuracy_level, status,
		        COALESCE(report, 'null'::jsonb), COALESCE(error, ''),
		        created_at, finished_at
		 FROM measurement_runs WHERE id = $1`, runID,
	).Scan(&run.ID, &run.ModelDigest, &run.AccuracyLevel, &run.Status,
		&reportJSON, &run.Error, &run.CreatedAt, &run.FinishedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query measurement run: %w", err)
	}
	if err := json.Unmarshal(reportJSON, &run.Report); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &run, nil
}
