package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/contextive/ingest/internal/ingest"
)

// JobStore implements ingest.JobStore on Postgres.
//
// Expected schema:
//
//	CREATE TABLE jobs (
//		id UUID PRIMARY KEY,
//		type TEXT NOT NULL,
//		source_id UUID NOT NULL,
//		status TEXT NOT NULL,
//		external_id TEXT,
//		details JSONB NOT NULL DEFAULT '{}',
//		error_text TEXT NOT NULL DEFAULT '',
//		created_at TIMESTAMPTZ NOT NULL,
//		started_at TIMESTAMPTZ,
//		completed_at TIMESTAMPTZ
//	);
//	CREATE UNIQUE INDEX jobs_one_active_per_type
//		ON jobs (source_id, type)
//		WHERE status NOT IN ('completed', 'failed', 'cancelled');
//	CREATE UNIQUE INDEX jobs_external_id ON jobs (external_id)
//		WHERE external_id IS NOT NULL;
type JobStore struct {
	pool Pool
}

// NewJobStore wraps an existing pool (pgxmock in tests).
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// CreateJob inserts the job row. The partial unique index enforces one
// non-terminal job per source and type; violations map to ErrActiveJobExists.
func (s *JobStore) CreateJob(ctx context.Context, job ingest.Job) error {
	detailsJSON, err := json.Marshal(job.Details)
	if err != nil {
		return fmt.Errorf("marshal job details: %w", err)
	}
	query := `
INSERT INTO jobs (id, type, source_id, status, external_id, details, error_text, created_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`
	if _, err := s.pool.Exec(ctx, query,
		job.ID, job.Type, job.SourceID, job.Status, job.ExternalID,
		detailsJSON, job.ErrorText, job.CreatedAt, job.StartedAt, job.CompletedAt,
	); err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("source %s already has an active %s job: %w",
				job.SourceID, job.Type, ingest.ErrActiveJobExists)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, type, source_id, status, COALESCE(external_id, ''), details, error_text, created_at, started_at, completed_at`

// GetJob loads a job or returns ErrNotFound.
func (s *JobStore) GetJob(ctx context.Context, id string) (ingest.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Job{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// GetJobByExternalID resolves the crawl service's identifier to our job.
func (s *JobStore) GetJobByExternalID(ctx context.Context, externalID string) (ingest.Job, error) {
	if externalID == "" {
		return ingest.Job{}, ingest.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_id = $1`, externalID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Job{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Job{}, fmt.Errorf("select job by external id: %w", err)
	}
	return job, nil
}

// ListJobsBySource returns the source's jobs ordered by creation time.
func (s *JobStore) ListJobsBySource(ctx context.Context, sourceID string) ([]ingest.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE source_id = $1 ORDER BY created_at, id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []ingest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// SetJobExternalID binds the crawl service's identifier to the job.
func (s *JobStore) SetJobExternalID(ctx context.Context, id, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET external_id = NULLIF($2, '') WHERE id = $1`, id, externalID)
	if err != nil {
		return fmt.Errorf("set job external id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// UpdateJobStatus performs a compare-and-set transition and stamps the
// started/completed timestamps on first entry into those states.
func (s *JobStore) UpdateJobStatus(ctx context.Context, id string, to ingest.JobStatus, errText string) error {
	froms := jobTransitionFroms(to)
	if len(froms) == 0 {
		return fmt.Errorf("job %s: no valid transition to %s: %w", id, to, ingest.ErrStaleTransition)
	}
	query := `
UPDATE jobs SET
	status = $2,
	error_text = $3,
	started_at = CASE WHEN $2 = 'in_progress' THEN COALESCE(started_at, now()) ELSE started_at END,
	completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN COALESCE(completed_at, now()) ELSE completed_at END
WHERE id = $1 AND status = ANY($4)`
	tag, err := s.pool.Exec(ctx, query, id, to, errText, froms)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, string(to))
	}
	return nil
}

// UpdateJobDetails replaces the job's progress details.
func (s *JobStore) UpdateJobDetails(ctx context.Context, id string, details ingest.JobDetails) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal job details: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET details = $2 WHERE id = $1`, id, detailsJSON)
	if err != nil {
		return fmt.Errorf("update job details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func (s *JobStore) explainMiss(ctx context.Context, id, to string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect job status: %w", err)
	}
	return fmt.Errorf("job %s: %s -> %s: %w", id, current, to, ingest.ErrStaleTransition)
}

// jobTransitionFroms lists statuses allowed to move to the target.
func jobTransitionFroms(to ingest.JobStatus) []string {
	all := []ingest.JobStatus{
		ingest.JobPending, ingest.JobInProgress, ingest.JobCompleted,
		ingest.JobFailed, ingest.JobCancelled,
	}
	var froms []string
	for _, from := range all {
		if ingest.CanTransitionJob(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

func scanJob(row rowScanner) (ingest.Job, error) {
	var (
		job         ingest.Job
		detailsJSON []byte
	)
	if err := row.Scan(&job.ID, &job.Type, &job.SourceID, &job.Status, &job.ExternalID,
		&detailsJSON, &job.ErrorText, &job.CreatedAt, &job.StartedAt, &job.CompletedAt); err != nil {
		return ingest.Job{}, err
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &job.Details); err != nil {
			return ingest.Job{}, fmt.Errorf("unmarshal job details: %w", err)
		}
	}
	return job, nil
}
