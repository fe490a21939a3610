package ingest

import (
	"context"
	"io"
	"time"
)

// SourceStore persists sources. Status updates are guarded: implementations
// reject transitions that CanTransitionSource disallows with ErrStaleTransition.
type SourceStore interface {
	CreateSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	UpdateSourceStatus(ctx context.Context, id string, to SourceStatus, errText string) error
	SetSourceJob(ctx context.Context, id, jobID string) error
	DeleteSource(ctx context.Context, id string) error
}

// JobStore persists jobs. It is the single writer-of-record for job status;
// the queued task is never authoritative. Implementations enforce
// CanTransitionJob and the unique-active-job-per-type constraint.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	GetJobByExternalID(ctx context.Context, externalID string) (Job, error)
	ListJobsBySource(ctx context.Context, sourceID string) ([]Job, error)
	SetJobExternalID(ctx context.Context, id, externalID string) error
	UpdateJobStatus(ctx context.Context, id string, to JobStatus, errText string) error
	UpdateJobDetails(ctx context.Context, id string, details JobDetails) error
}

// DocumentStore persists crawled documents.
type DocumentStore interface {
	SaveDocuments(ctx context.Context, docs []Document) error
	GetDocuments(ctx context.Context, ids []string) ([]Document, error)
	ListDocumentsBySource(ctx context.Context, sourceID string) ([]Document, error)
	DeleteDocumentsBySource(ctx context.Context, sourceID string) error
}

// ChunkWriter is the persistence/embedding collaborator for validated chunks.
type ChunkWriter interface {
	StoreChunks(ctx context.Context, chunks []Chunk) error
	DeleteChunksBySource(ctx context.Context, sourceID string) error
	CountChunksBySource(ctx context.Context, sourceID string) (int, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// TaskQueue provides enqueue/dequeue semantics for pipeline tasks with
// at-least-once delivery. Handlers must therefore be idempotent.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// CrawlGateway talks to the crawl service. Completion arrives asynchronously
// through a webhook; StartCrawl only registers the request.
type CrawlGateway interface {
	StartCrawl(ctx context.Context, cfg CrawlConfig) (externalID string, err error)
	FetchResults(ctx context.Context, externalID string) ([]RawDocument, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
