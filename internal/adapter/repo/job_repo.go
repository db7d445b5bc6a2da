// Package repo provides PostgreSQL-backed implementations of the domain
// repositories. They are optional: the service runs memory-only when no
// DATABASE_URL is configured.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshforge/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository.
//
// Expected schema:
//
//	CREATE TABLE IF NOT EXISTS jobs (
//	    id               TEXT PRIMARY KEY,
//	    fingerprint      TEXT NOT NULL,
//	    prompt           TEXT NOT NULL,
//	    format           TEXT NOT NULL,
//	    quality          TEXT NOT NULL,
//	    style_json       JSONB,
//	    provider_task_id TEXT NOT NULL DEFAULT '',
//	    status           TEXT NOT NULL,
//	    percent          INT NOT NULL DEFAULT 0,
//	    credits_reserved BIGINT NOT NULL DEFAULT 0,
//	    credits_charged  BIGINT NOT NULL DEFAULT 0,
//	    retry_count      INT NOT NULL DEFAULT 0,
//	    error_detail     TEXT NOT NULL DEFAULT '',
//	    created_at       TIMESTAMPTZ NOT NULL,
//	    last_polled_at   TIMESTAMPTZ NOT NULL,
//	    completed_at     TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS jobs_fingerprint_idx ON jobs (fingerprint);
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.GenerationJob) error {
	style, err := styleJSON(job.Style)
	if err != nil {
		return err
	}
	query := `
INSERT INTO jobs (id, fingerprint, prompt, format, quality, style_json, provider_task_id, status, percent,
                  credits_reserved, credits_charged, retry_count, error_detail, created_at, last_polled_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.Fingerprint,
		job.Prompt,
		job.Format,
		job.Quality,
		style,
		job.ProviderTaskID,
		job.Status,
		job.Percent,
		job.CreditsReserved,
		job.CreditsCharged,
		job.RetryCount,
		job.ErrorDetail,
		job.CreatedAt,
		job.LastPolledAt,
		job.CompletedAt,
	)
	return err
}

// Update rewrites the mutable fields of a job record.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.GenerationJob) error {
	query := `
UPDATE jobs
SET provider_task_id = $2,
    status = $3,
    percent = $4,
    credits_reserved = $5,
    credits_charged = $6,
    retry_count = $7,
    error_detail = $8,
    last_polled_at = $9,
    completed_at = $10
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.ProviderTaskID,
		job.Status,
		job.Percent,
		job.CreditsReserved,
		job.CreditsCharged,
		job.RetryCount,
		job.ErrorDetail,
		job.LastPolledAt,
		job.CompletedAt,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	query := `
SELECT id, fingerprint, prompt, format, quality, style_json, provider_task_id, status, percent,
       credits_reserved, credits_charged, retry_count, error_detail, created_at, last_polled_at, completed_at
FROM jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)
	var job domain.GenerationJob
	var style []byte
	if err := row.Scan(
		&job.ID,
		&job.Fingerprint,
		&job.Prompt,
		&job.Format,
		&job.Quality,
		&style,
		&job.ProviderTaskID,
		&job.Status,
		&job.Percent,
		&job.CreditsReserved,
		&job.CreditsCharged,
		&job.RetryCount,
		&job.ErrorDetail,
		&job.CreatedAt,
		&job.LastPolledAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(style) > 0 {
		if err := json.Unmarshal(style, &job.Style); err != nil {
			return nil, fmt.Errorf("decode style_json: %w", err)
		}
	}
	return &job, nil
}

// ExpireStale marks every non-terminal job as expired. Called once on
// startup: provider tasks from a previous process are never resumed.
func (r *JobRepositoryPG) ExpireStale(ctx context.Context, detail string) (int64, error) {
	query := `
UPDATE jobs
SET status = $1,
    error_detail = $2,
    completed_at = NOW()
WHERE status NOT IN ($3, $4, $5);
`
	tag, err := r.pool.Exec(ctx, query,
		domain.JobStatusExpired,
		detail,
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		domain.JobStatusExpired,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func styleJSON(style map[string]string) ([]byte, error) {
	if len(style) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(style)
	if err != nil {
		return nil, fmt.Errorf("encode style_json: %w", err)
	}
	return b, nil
}
