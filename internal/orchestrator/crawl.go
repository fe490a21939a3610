package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/events"
	"github.com/contextive/ingest/internal/ingest"
)

// RunCrawlStart handles crawl.start tasks: it claims the crawl job, registers
// the crawl with the gateway, and records the external id so later webhooks
// can be correlated. Completion arrives asynchronously via HandleCrawlWebhook.
func (s *Service) RunCrawlStart(ctx context.Context, task ingest.Task) error {
	job, err := s.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.logger.Warn("crawl task references unknown job", zap.String("job_id", task.JobID))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		// Duplicate delivery after the job finished; nothing to do.
		return nil
	}

	job, active, err := s.claimJob(ctx, job)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	src, err := s.sources.GetSource(ctx, job.SourceID)
	if err != nil {
		return err
	}

	// A resumed job that already registered its crawl keeps the external id;
	// starting a second crawl for the same source would double the work.
	externalID := job.ExternalID
	if externalID == "" {
		externalID, err = s.gateway.StartCrawl(ctx, src.Config)
		if err != nil {
			if !ingest.Retryable(err) {
				s.failJobAndSource(ctx, job.SourceID, job.ID, fmt.Sprintf("start crawl: %v", err))
			}
			return err
		}
		if err := s.jobs.SetJobExternalID(ctx, job.ID, externalID); err != nil {
			return err
		}
	}

	if err := s.sources.UpdateSourceStatus(ctx, job.SourceID, ingest.SourceCrawling, ""); err != nil && !errors.Is(err, ingest.ErrStaleTransition) {
		return err
	}
	s.emit(job.SourceID, job.ID, events.TypeCrawlingStarted, map[string]string{"external_id": externalID})
	s.logger.Info("crawl started",
		zap.String("source_id", job.SourceID),
		zap.String("job_id", job.ID),
		zap.String("external_id", externalID))
	return nil
}

// HandleCrawlWebhook processes a crawl-service callback. Unknown external ids
// and deliveries for already-terminal jobs are acknowledged without effect so
// the sender stops retrying; the job status is the guard that serializes
// concurrent deliveries.
func (s *Service) HandleCrawlWebhook(ctx context.Context, payload ingest.WebhookPayload) error {
	if err := payload.Validate(); err != nil {
		return ingest.Validation("handle crawl webhook", err)
	}

	job, err := s.jobs.GetJobByExternalID(ctx, payload.ExternalID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.logger.Warn("webhook for unknown crawl",
				zap.String("external_id", payload.ExternalID),
				zap.String("type", string(payload.Type)))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		s.logger.Debug("webhook after job reached terminal state",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.String("type", string(payload.Type)))
		return nil
	}

	switch payload.Type {
	case ingest.WebhookCrawlStarted:
		return nil
	case ingest.WebhookCrawlPage:
		job.Details.PagesCrawled++
		return s.jobs.UpdateJobDetails(ctx, job.ID, job.Details)
	case ingest.WebhookCrawlFailed:
		reason := payload.Error
		if reason == "" {
			reason = "crawl failed"
		}
		s.failJobAndSource(ctx, job.SourceID, job.ID, reason)
		return nil
	case ingest.WebhookCrawlCompleted:
		return s.completeCrawl(ctx, job)
	default:
		return ingest.Validation("handle crawl webhook", fmt.Errorf("unhandled event type %q", payload.Type))
	}
}

// completeCrawl fetches the crawl results, persists the documents, finishes
// the crawl job, and schedules the processing stage. Transient fetch errors
// propagate so the webhook delivery is retried by the sender.
func (s *Service) completeCrawl(ctx context.Context, job ingest.Job) error {
	raws, err := s.gateway.FetchResults(ctx, job.ExternalID)
	if err != nil {
		if !ingest.Retryable(err) {
			s.failJobAndSource(ctx, job.SourceID, job.ID, fmt.Sprintf("fetch crawl results: %v", err))
			return nil
		}
		return err
	}

	s.archiveResults(ctx, job, raws)

	docs := make([]ingest.Document, 0, len(raws))
	for _, raw := range raws {
		if strings.TrimSpace(raw.Markdown) == "" {
			s.logger.Warn("skipping empty crawl result",
				zap.String("source_id", job.SourceID),
				zap.String("url", raw.URL))
			continue
		}
		docID, err := s.ids.NewID()
		if err != nil {
			return ingest.Internal("complete crawl", err)
		}
		docs = append(docs, ingest.Document{
			ID:       docID,
			SourceID: job.SourceID,
			URL:      raw.URL,
			Title:    raw.Title,
			Content:  raw.Markdown,
			Metadata: raw.Metadata,
		})
	}
	if len(docs) > 0 {
		if err := s.docs.SaveDocuments(ctx, docs); err != nil {
			return err
		}
	}

	docIDs := make([]string, len(docs))
	for i, doc := range docs {
		docIDs[i] = doc.ID
	}
	job.Details.PagesCrawled = len(raws)
	job.Details.DocumentIDs = docIDs
	if err := s.jobs.UpdateJobDetails(ctx, job.ID, job.Details); err != nil {
		return err
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, ingest.JobCompleted, ""); err != nil {
		if errors.Is(err, ingest.ErrStaleTransition) {
			// A concurrent delivery or cancellation got there first.
			return nil
		}
		return err
	}

	if len(docs) == 0 {
		// Crawl finished but produced nothing to process.
		if err := s.sources.UpdateSourceStatus(ctx, job.SourceID, ingest.SourceCompleted, ""); err != nil && !errors.Is(err, ingest.ErrStaleTransition) {
			return err
		}
		s.emit(job.SourceID, job.ID, events.TypeCompleted, map[string]string{"documents": "0", "chunks": "0"})
		s.logger.Info("crawl produced no documents", zap.String("source_id", job.SourceID))
		return nil
	}

	processJob, err := s.createJob(ctx, job.SourceID, ingest.JobTypeProcess, docIDs)
	if err != nil {
		s.failSource(ctx, job.SourceID, job.ID, fmt.Sprintf("schedule processing: %v", err))
		return err
	}
	task := ingest.Task{
		Name:        ingest.TaskProcess,
		SourceID:    job.SourceID,
		JobID:       processJob.ID,
		DocumentIDs: docIDs,
		EnqueuedAt:  s.clock.Now().UnixMilli(),
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.failJobAndSource(ctx, job.SourceID, processJob.ID, fmt.Sprintf("enqueue processing task: %v", err))
		return err
	}
	if err := s.sources.UpdateSourceStatus(ctx, job.SourceID, ingest.SourceProcessing, ""); err != nil && !errors.Is(err, ingest.ErrStaleTransition) {
		return err
	}
	s.emit(job.SourceID, processJob.ID, events.TypeProcessingScheduled, map[string]string{
		"documents": fmt.Sprintf("%d", len(docs)),
	})
	s.logger.Info("processing scheduled",
		zap.String("source_id", job.SourceID),
		zap.String("job_id", processJob.ID),
		zap.Int("documents", len(docs)))
	return nil
}

// archiveResults stores the raw crawl payload for later inspection. Failures
// are logged and otherwise ignored; the archive is best effort.
func (s *Service) archiveResults(ctx context.Context, job ingest.Job, raws []ingest.RawDocument) {
	data, err := json.Marshal(raws)
	if err != nil {
		s.logger.Warn("marshal crawl archive", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	path := fmt.Sprintf("crawls/%s/%s.json", job.SourceID, job.ExternalID)
	uri, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("archive crawl results", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.logger.Debug("crawl results archived", zap.String("uri", uri))
}
