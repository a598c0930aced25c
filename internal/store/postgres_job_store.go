package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/snapmatch/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS normalize_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	max_size_kb INTEGER NOT NULL DEFAULT 0,
	max_dimension INTEGER NOT NULL DEFAULT 0,
	output_key TEXT NOT NULL DEFAULT '',
	output_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	source_bytes BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	bytes_saved BIGINT NOT NULL,
	pixels_processed BIGINT NOT NULL,
	quality INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO normalize_jobs (id, user_id, status, source_type, webhook_url, object_key, name, max_size_kb, max_dimension, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		job.ObjectKey,
		job.Name,
		job.MaxSizeKB,
		job.MaxDimension,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, status, source_type, webhook_url, object_key, name, max_size_kb, max_dimension, output_key, output_bytes, created_at, updated_at
		 FROM normalize_jobs
		 WHERE id = $1`,
		id,
	)

	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&job.ObjectKey,
		&job.Name,
		&job.MaxSizeKB,
		&job.MaxDimension,
		&job.OutputKey,
		&job.OutputBytes,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE normalize_jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}
	if err := requireRow(res); err != nil {
		return domain.Job{}, err
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	return job, nil
}

func (s *PostgresJobStore) SetOutput(ctx context.Context, id, outputKey string, outputBytes int) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE normalize_jobs
		 SET output_key = $1, output_bytes = $2, updated_at = $3
		 WHERE id = $4`,
		outputKey,
		outputBytes,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update job output: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, source_bytes, output_bytes, bytes_saved, pixels_processed, quality, attempts, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		usage.UserID,
		usage.JobID,
		usage.SourceBytes,
		usage.OutputBytes,
		usage.BytesSaved,
		usage.PixelsProcessed,
		usage.Quality,
		usage.Attempts,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
