package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/contextive/ingest/internal/ingest"
)

// SourceStore implements ingest.SourceStore on Postgres.
//
// Expected schema:
//
//	CREATE TABLE sources (
//		id UUID PRIMARY KEY,
//		url TEXT NOT NULL,
//		config JSONB NOT NULL,
//		status TEXT NOT NULL,
//		job_id UUID,
//		error_text TEXT NOT NULL DEFAULT '',
//		created_at TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
type SourceStore struct {
	pool Pool
}

// NewSourceStore wraps an existing pool (pgxmock in tests).
func NewSourceStore(pool Pool) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

// CreateSource inserts the source row.
func (s *SourceStore) CreateSource(ctx context.Context, src ingest.Source) error {
	cfgJSON, err := json.Marshal(src.Config)
	if err != nil {
		return fmt.Errorf("marshal source config: %w", err)
	}
	query := `
INSERT INTO sources (id, url, config, status, job_id, error_text, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`
	if _, err := s.pool.Exec(ctx, query,
		src.ID, src.URL, cfgJSON, src.Status, src.JobID, src.ErrorText,
		src.CreatedAt, src.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

const sourceColumns = `id, url, config, status, COALESCE(job_id::text, ''), error_text, created_at, updated_at`

// GetSource loads a source or returns ErrNotFound.
func (s *SourceStore) GetSource(ctx context.Context, id string) (ingest.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Source{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.Source{}, fmt.Errorf("select source: %w", err)
	}
	return src, nil
}

// ListSources returns all sources ordered by creation time.
func (s *SourceStore) ListSources(ctx context.Context) ([]ingest.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []ingest.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// UpdateSourceStatus performs a compare-and-set transition. The update only
// matches rows whose current status may legally move to the target, so a
// stale writer affects zero rows.
func (s *SourceStore) UpdateSourceStatus(ctx context.Context, id string, to ingest.SourceStatus, errText string) error {
	froms := sourceTransitionFroms(to)
	if len(froms) == 0 {
		return fmt.Errorf("source %s: no valid transition to %s: %w", id, to, ingest.ErrStaleTransition)
	}
	query := `
UPDATE sources SET status = $2, error_text = $3, updated_at = now()
WHERE id = $1 AND status = ANY($4)`
	tag, err := s.pool.Exec(ctx, query, id, to, errText, froms)
	if err != nil {
		return fmt.Errorf("update source status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id, string(to))
	}
	return nil
}

// SetSourceJob records the job currently driving the source.
func (s *SourceStore) SetSourceJob(ctx context.Context, id, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET job_id = NULLIF($2, '')::uuid, updated_at = now() WHERE id = $1`, id, jobID)
	if err != nil {
		return fmt.Errorf("set source job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// DeleteSource removes the source row.
func (s *SourceStore) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// explainMiss distinguishes a missing row from a disallowed transition.
func (s *SourceStore) explainMiss(ctx context.Context, id, to string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sources WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect source status: %w", err)
	}
	return fmt.Errorf("source %s: %s -> %s: %w", id, current, to, ingest.ErrStaleTransition)
}

// sourceTransitionFroms lists statuses allowed to move to the target.
func sourceTransitionFroms(to ingest.SourceStatus) []string {
	all := []ingest.SourceStatus{
		ingest.SourcePending, ingest.SourceCrawling, ingest.SourceProcessing,
		ingest.SourceCompleted, ingest.SourceFailed,
	}
	var froms []string
	for _, from := range all {
		if ingest.CanTransitionSource(from, to) {
			froms = append(froms, string(from))
		}
	}
	return froms
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (ingest.Source, error) {
	var (
		src     ingest.Source
		cfgJSON []byte
	)
	if err := row.Scan(&src.ID, &src.URL, &cfgJSON, &src.Status, &src.JobID,
		&src.ErrorText, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return ingest.Source{}, err
	}
	if len(cfgJSON) > 0 {
		if err := json.Unmarshal(cfgJSON, &src.Config); err != nil {
			return ingest.Source{}, fmt.Errorf("unmarshal source config: %w", err)
		}
	}
	return src, nil
}
