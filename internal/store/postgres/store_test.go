package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/contextive/ingest/internal/ingest"
)

func TestSourceStoreCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	src := ingest.Source{
		ID:  "5f6a1c1e-0000-0000-0000-000000000001",
		URL: "https://docs.example.com",
		Config: ingest.CrawlConfig{
			URL:       "https://docs.example.com",
			PageLimit: 100,
		},
		Status:    ingest.SourcePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO sources").
		WithArgs(src.ID, src.URL, pgxmock.AnyArg(), src.Status, "", "", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSource(context.Background(), src))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreGuardedStatusUpdate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	id := "5f6a1c1e-0000-0000-0000-000000000001"

	mock.ExpectExec("UPDATE sources SET status").
		WithArgs(id, ingest.SourceCrawling, "", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateSourceStatus(context.Background(), id, ingest.SourceCrawling, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreStaleTransitionReported(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	id := "5f6a1c1e-0000-0000-0000-000000000001"

	// CAS touches zero rows, and the follow-up read shows a terminal state.
	mock.ExpectExec("UPDATE sources SET status").
		WithArgs(id, ingest.SourceCrawling, "", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM sources").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	err = store.UpdateSourceStatus(context.Background(), id, ingest.SourceCrawling, "")
	require.ErrorIs(t, err, ingest.ErrStaleTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreStatusUpdateMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewSourceStore(mock)
	require.NoError(t, err)

	id := "5f6a1c1e-0000-0000-0000-00000000dead"

	mock.ExpectExec("UPDATE sources SET status").
		WithArgs(id, ingest.SourceFailed, "boom", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM sources").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	err = store.UpdateSourceStatus(context.Background(), id, ingest.SourceFailed, "boom")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreCreateMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	job := ingest.Job{
		ID:        "6f6a1c1e-0000-0000-0000-000000000001",
		Type:      ingest.JobTypeCrawl,
		SourceID:  "5f6a1c1e-0000-0000-0000-000000000001",
		Status:    ingest.JobPending,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(job.ID, job.Type, job.SourceID, job.Status, job.ExternalID,
			pgxmock.AnyArg(), job.ErrorText, job.CreatedAt, job.StartedAt, job.CompletedAt).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "jobs_one_active_per_type"})

	err = store.CreateJob(context.Background(), job)
	require.ErrorIs(t, err, ingest.ErrActiveJobExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreStatusUpdateStampsTimestamps(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	id := "6f6a1c1e-0000-0000-0000-000000000001"

	mock.ExpectExec("UPDATE jobs SET").
		WithArgs(id, ingest.JobInProgress, "", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.UpdateJobStatus(context.Background(), id, ingest.JobInProgress, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStoreGetByExternalID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStore(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"id", "type", "source_id", "status", "external_id",
		"details", "error_text", "created_at", "started_at", "completed_at",
	}).AddRow(
		"6f6a1c1e-0000-0000-0000-000000000001", ingest.JobTypeCrawl,
		"5f6a1c1e-0000-0000-0000-000000000001", ingest.JobInProgress, "fc-abc",
		[]byte(`{"pages_crawled":7}`), "", now, &now, (*time.Time)(nil),
	)

	mock.ExpectQuery("SELECT .+ FROM jobs WHERE external_id").
		WithArgs("fc-abc").
		WillReturnRows(rows)

	job, err := store.GetJobByExternalID(context.Background(), "fc-abc")
	require.NoError(t, err)
	require.Equal(t, ingest.JobInProgress, job.Status)
	require.Equal(t, 7, job.Details.PagesCrawled)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = store.GetJobByExternalID(context.Background(), "")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestDocumentStoreSaveAndDelete(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStore(mock)
	require.NoError(t, err)

	docs := []ingest.Document{
		{ID: "7f6a1c1e-0000-0000-0000-000000000001", SourceID: "src-1", URL: "https://docs.example.com/a", Title: "A", Content: "alpha"},
		{ID: "7f6a1c1e-0000-0000-0000-000000000002", SourceID: "src-1", URL: "https://docs.example.com/b", Title: "B", Content: "beta"},
	}
	for _, doc := range docs {
		mock.ExpectExec("INSERT INTO documents").
			WithArgs(doc.ID, doc.SourceID, doc.URL, doc.Title, doc.Content, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	require.NoError(t, store.SaveDocuments(context.Background(), docs))

	mock.ExpectExec("DELETE FROM documents").
		WithArgs("src-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	require.NoError(t, store.DeleteDocumentsBySource(context.Background(), "src-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
