// Package orchestrator coordinates the ingestion pipeline: source submission,
// crawl job scheduling, webhook handling, chunk processing, and cancellation.
// It owns no state of its own; all durable state lives in the stores, and the
// task queue is only a trigger mechanism.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/chunker"
	"github.com/contextive/ingest/internal/events"
	"github.com/contextive/ingest/internal/ingest"
)

const defaultPageLimit = 100

// Config tunes orchestrator behavior.
type Config struct {
	// FailOnAnyDocument fails a processing job as soon as one document
	// cannot be chunked cleanly, instead of skipping it and continuing.
	FailOnAnyDocument bool `mapstructure:"fail_on_any_document"`
	// DefaultPageLimit is applied to submissions that omit a page limit.
	DefaultPageLimit int `mapstructure:"default_page_limit"`
}

func (c Config) withDefaults() Config {
	if c.DefaultPageLimit <= 0 {
		c.DefaultPageLimit = defaultPageLimit
	}
	return c
}

// Service is the pipeline coordinator exposed to the API layer and registered
// as the handler for background tasks.
type Service struct {
	cfg     Config
	sources ingest.SourceStore
	jobs    ingest.JobStore
	docs    ingest.DocumentStore
	chunks  ingest.ChunkWriter
	blobs   ingest.BlobStore
	queue   ingest.TaskQueue
	gateway ingest.CrawlGateway
	engine  *chunker.Engine
	emitter events.Emitter
	clock   ingest.Clock
	ids     ingest.IDGenerator
	logger  *zap.Logger
}

// Deps bundles the collaborators a Service needs.
type Deps struct {
	Sources ingest.SourceStore
	Jobs    ingest.JobStore
	Docs    ingest.DocumentStore
	Chunks  ingest.ChunkWriter
	Blobs   ingest.BlobStore
	Queue   ingest.TaskQueue
	Gateway ingest.CrawlGateway
	Engine  *chunker.Engine
	Emitter events.Emitter
	Clock   ingest.Clock
	IDs     ingest.IDGenerator
	Logger  *zap.Logger
}

// New builds a Service. All Deps fields except Emitter and Logger are
// required.
func New(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Sources == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("source store is required"))
	case deps.Jobs == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("job store is required"))
	case deps.Docs == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("document store is required"))
	case deps.Chunks == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("chunk writer is required"))
	case deps.Blobs == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("blob store is required"))
	case deps.Queue == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("task queue is required"))
	case deps.Gateway == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("crawl gateway is required"))
	case deps.Engine == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("chunking engine is required"))
	case deps.Clock == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("clock is required"))
	case deps.IDs == nil:
		return nil, ingest.Configuration("new orchestrator", errors.New("id generator is required"))
	}
	if deps.Emitter == nil {
		deps.Emitter = events.NopEmitter{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		sources: deps.Sources,
		jobs:    deps.Jobs,
		docs:    deps.Docs,
		chunks:  deps.Chunks,
		blobs:   deps.Blobs,
		queue:   deps.Queue,
		gateway: deps.Gateway,
		engine:  deps.Engine,
		emitter: deps.Emitter,
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  deps.Logger,
	}, nil
}

// Submit registers a new source and schedules its crawl. It returns as soon
// as the source, job, and trigger task are persisted; the crawl itself runs
// asynchronously.
func (s *Service) Submit(ctx context.Context, cfg ingest.CrawlConfig) (ingest.Source, error) {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = s.cfg.DefaultPageLimit
	}
	if err := cfg.Validate(); err != nil {
		return ingest.Source{}, err
	}

	sourceID, err := s.ids.NewID()
	if err != nil {
		return ingest.Source{}, ingest.Internal("submit source", err)
	}
	now := s.clock.Now()
	src := ingest.Source{
		ID:        sourceID,
		URL:       cfg.URL,
		Config:    cfg,
		Status:    ingest.SourcePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sources.CreateSource(ctx, src); err != nil {
		return ingest.Source{}, err
	}

	job, err := s.createJob(ctx, sourceID, ingest.JobTypeCrawl, nil)
	if err != nil {
		s.failSource(ctx, sourceID, job.ID, fmt.Sprintf("schedule crawl: %v", err))
		return ingest.Source{}, err
	}
	src.JobID = job.ID

	task := ingest.Task{
		Name:       ingest.TaskCrawlStart,
		SourceID:   sourceID,
		JobID:      job.ID,
		EnqueuedAt: now.UnixMilli(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.failSource(ctx, sourceID, job.ID, fmt.Sprintf("enqueue crawl task: %v", err))
		return ingest.Source{}, err
	}

	s.emit(sourceID, job.ID, events.TypeCreated, map[string]string{"url": cfg.URL})
	s.logger.Info("source submitted",
		zap.String("source_id", sourceID),
		zap.String("job_id", job.ID),
		zap.String("url", cfg.URL))
	return src, nil
}

// GetSource returns a source by id.
func (s *Service) GetSource(ctx context.Context, id string) (ingest.Source, error) {
	return s.sources.GetSource(ctx, id)
}

// ListSources returns all known sources.
func (s *Service) ListSources(ctx context.Context) ([]ingest.Source, error) {
	return s.sources.ListSources(ctx)
}

// GetStatus reports the source's lifecycle status with progress counters
// aggregated across its jobs.
func (s *Service) GetStatus(ctx context.Context, sourceID string) (ingest.StatusReport, error) {
	src, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return ingest.StatusReport{}, err
	}
	report := ingest.StatusReport{
		SourceID:  src.ID,
		Status:    src.Status,
		ErrorText: src.ErrorText,
	}
	jobs, err := s.jobs.ListJobsBySource(ctx, sourceID)
	if err != nil {
		return ingest.StatusReport{}, err
	}
	for _, job := range jobs {
		report.Progress.PagesCrawled += job.Details.PagesCrawled
		report.Progress.DocsProcessed += job.Details.DocsProcessed
		report.Progress.DocsFailed += job.Details.DocsFailed
		report.Progress.ChunksProduced += job.Details.ChunksProduced
	}
	return report, nil
}

// Cancel stops a source's pipeline. The active job is marked CANCELLED so
// in-flight task executions halt at their next checkpoint; the source itself
// is marked failed with a cancellation note since it has no cancelled state.
func (s *Service) Cancel(ctx context.Context, sourceID string) error {
	src, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src.Status.Terminal() {
		return ingest.Validation("cancel source", fmt.Errorf("source is already %s", src.Status))
	}

	jobs, err := s.jobs.ListJobsBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		if err := s.jobs.UpdateJobStatus(ctx, job.ID, ingest.JobCancelled, "cancelled by user"); err != nil {
			// A concurrent worker may have finished the job; that is fine.
			if errors.Is(err, ingest.ErrStaleTransition) {
				continue
			}
			return err
		}
	}

	if err := s.sources.UpdateSourceStatus(ctx, sourceID, ingest.SourceFailed, "cancelled by user"); err != nil {
		if errors.Is(err, ingest.ErrStaleTransition) {
			return ingest.Validation("cancel source", errors.New("source reached a terminal state first"))
		}
		return err
	}
	s.emit(sourceID, src.JobID, events.TypeFailed, map[string]string{"reason": "cancelled"})
	s.logger.Info("source cancelled", zap.String("source_id", sourceID))
	return nil
}

// DeleteSource removes a source and everything derived from it: chunks first,
// then documents, then the source row.
func (s *Service) DeleteSource(ctx context.Context, sourceID string) error {
	if _, err := s.sources.GetSource(ctx, sourceID); err != nil {
		return err
	}
	if err := s.chunks.DeleteChunksBySource(ctx, sourceID); err != nil {
		return err
	}
	if err := s.docs.DeleteDocumentsBySource(ctx, sourceID); err != nil {
		return err
	}
	if err := s.sources.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	s.logger.Info("source deleted", zap.String("source_id", sourceID))
	return nil
}

// FailFromTask records a task that exhausted its retry budget or failed
// permanently. The worker pool calls this for dead tasks so the job and
// source do not stay active forever.
func (s *Service) FailFromTask(ctx context.Context, task ingest.Task, cause error) {
	s.logger.Error("task abandoned",
		zap.String("task", string(task.Name)),
		zap.String("source_id", task.SourceID),
		zap.String("job_id", task.JobID),
		zap.Error(cause))
	s.failJobAndSource(ctx, task.SourceID, task.JobID, ingest.Cause(cause))
}

// createJob persists a new pending job for the source and records it as the
// source's active job.
func (s *Service) createJob(ctx context.Context, sourceID string, typ ingest.JobType, docIDs []string) (ingest.Job, error) {
	jobID, err := s.ids.NewID()
	if err != nil {
		return ingest.Job{}, ingest.Internal("create job", err)
	}
	job := ingest.Job{
		ID:        jobID,
		Type:      typ,
		SourceID:  sourceID,
		Status:    ingest.JobPending,
		Details:   ingest.JobDetails{DocumentIDs: docIDs},
		CreatedAt: s.clock.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return ingest.Job{}, err
	}
	if err := s.sources.SetSourceJob(ctx, sourceID, jobID); err != nil {
		return ingest.Job{}, err
	}
	return job, nil
}

// failJobAndSource marks the job and its source failed and emits a FAILED
// event. Stale transitions are tolerated: something else already finished.
func (s *Service) failJobAndSource(ctx context.Context, sourceID, jobID, reason string) {
	if jobID != "" {
		if err := s.jobs.UpdateJobStatus(ctx, jobID, ingest.JobFailed, reason); err != nil && !errors.Is(err, ingest.ErrStaleTransition) {
			s.logger.Error("mark job failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	s.failSource(ctx, sourceID, jobID, reason)
}

func (s *Service) failSource(ctx context.Context, sourceID, jobID, reason string) {
	if err := s.sources.UpdateSourceStatus(ctx, sourceID, ingest.SourceFailed, reason); err != nil && !errors.Is(err, ingest.ErrStaleTransition) {
		s.logger.Error("mark source failed", zap.String("source_id", sourceID), zap.Error(err))
		return
	}
	s.emit(sourceID, jobID, events.TypeFailed, map[string]string{"error": reason})
}

func (s *Service) emit(sourceID, jobID string, typ events.Type, detail map[string]string) {
	s.emitter.Emit(events.Event{
		SourceID: sourceID,
		JobID:    jobID,
		Type:     typ,
		TS:       s.clock.Now().UTC(),
		Detail:   detail,
	})
}

// jobFresh reloads the job and reports whether it is still active. Used as
// the check-before-write guard at side-effect checkpoints.
func (s *Service) jobFresh(ctx context.Context, jobID string) (ingest.Job, bool, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return ingest.Job{}, false, err
	}
	return job, !job.Status.Terminal(), nil
}

// claimJob moves the job to IN_PROGRESS and reports whether the caller should
// run it. A job already in progress is resumed, not skipped: tasks are
// delivered at least once, and redelivery is the only path by which a
// half-finished job ever completes. Handlers are idempotent, so a resumed run
// repeating earlier work is safe.
func (s *Service) claimJob(ctx context.Context, job ingest.Job) (ingest.Job, bool, error) {
	if job.Status == ingest.JobInProgress {
		return job, true, nil
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, ingest.JobInProgress, ""); err != nil {
		if !errors.Is(err, ingest.ErrStaleTransition) {
			return ingest.Job{}, false, err
		}
		// Raced with a concurrent transition; trust the stored state.
		fresh, ferr := s.jobs.GetJob(ctx, job.ID)
		if ferr != nil {
			return ingest.Job{}, false, ferr
		}
		return fresh, fresh.Status == ingest.JobInProgress, nil
	}
	job.Status = ingest.JobInProgress
	return job, true, nil
}
