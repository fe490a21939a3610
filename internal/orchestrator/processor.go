package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contextive/ingest/internal/chunker"
	"github.com/contextive/ingest/internal/events"
	"github.com/contextive/ingest/internal/ingest"
)

// RunProcessing handles content.process tasks: it claims the processing job,
// chunks the crawled documents in batches, and persists the chunks. Before
// every chunk write and before completion it reloads the job and halts if it
// was cancelled. Chunk ids derive from document and ordinal, so a redelivered
// task resuming a half-finished job rewrites the same rows instead of
// duplicating them.
func (s *Service) RunProcessing(ctx context.Context, task ingest.Task) error {
	job, err := s.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.logger.Warn("processing task references unknown job", zap.String("job_id", task.JobID))
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	job, active, err := s.claimJob(ctx, job)
	if err != nil {
		return err
	}
	if !active {
		return nil
	}

	docIDs := task.DocumentIDs
	if len(docIDs) == 0 {
		docIDs = job.Details.DocumentIDs
	}
	docs, err := s.docs.GetDocuments(ctx, docIDs)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			s.failJobAndSource(ctx, job.SourceID, job.ID, "processing documents are missing")
			return nil
		}
		return err
	}

	details := job.Details
	details.DocsProcessed = 0
	details.DocsFailed = 0
	details.ChunksProduced = 0

	engineCfg := s.engine.Config()
	for start := 0; start < len(docs); start += engineCfg.DocumentBatchSize {
		end := start + engineCfg.DocumentBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		result := s.engine.ChunkDocuments(batch)

		for _, warning := range result.Warnings {
			s.logger.Warn("chunking warning", zap.String("job_id", job.ID), zap.String("detail", warning))
		}
		for _, issue := range result.Issues {
			s.logger.Warn("chunking issue",
				zap.String("job_id", job.ID),
				zap.String("document_id", issue.DocumentID),
				zap.String("detail", issue.Message))
		}

		failed := failedDocuments(batch, result)
		for _, doc := range batch {
			if msg, bad := failed[doc.ID]; bad {
				details.DocsFailed++
				s.logger.Warn("document failed chunking",
					zap.String("source_id", job.SourceID),
					zap.String("document_id", doc.ID),
					zap.String("reason", msg))
				if s.cfg.FailOnAnyDocument {
					s.failJobAndSource(ctx, job.SourceID, job.ID,
						fmt.Sprintf("document %s failed chunking: %s", doc.ID, msg))
					return nil
				}
				continue
			}
			details.DocsProcessed++
		}

		keep := make([]ingest.Chunk, 0, len(result.Chunks))
		for _, chunk := range result.Chunks {
			if _, bad := failed[chunk.DocumentID]; bad {
				continue
			}
			if !chunk.Validated {
				continue
			}
			chunk.ID = chunkID(chunk.DocumentID, chunk.Ordinal)
			keep = append(keep, chunk)
		}

		if err := s.persistChunks(ctx, job.ID, keep); err != nil {
			if errors.Is(err, errJobHalted) {
				s.logger.Info("processing halted before chunk write",
					zap.String("source_id", job.SourceID),
					zap.String("job_id", job.ID))
				return nil
			}
			// Transient store errors leave the job in progress; the
			// redelivered task resumes it.
			if !ingest.Retryable(err) {
				s.failJobAndSource(ctx, job.SourceID, job.ID, fmt.Sprintf("store chunks: %v", err))
			}
			return err
		}
		details.ChunksProduced += len(keep)
	}

	if err := s.jobs.UpdateJobDetails(ctx, job.ID, details); err != nil {
		return err
	}

	if len(docs) > 0 && details.DocsProcessed == 0 {
		s.failJobAndSource(ctx, job.SourceID, job.ID, "all documents failed chunking")
		return nil
	}

	// Check-before-write: a cancellation racing this worker must win.
	if _, active, err := s.jobFresh(ctx, job.ID); err != nil {
		return err
	} else if !active {
		s.logger.Info("processing halted before completion",
			zap.String("source_id", job.SourceID),
			zap.String("job_id", job.ID))
		return nil
	}
	if err := s.jobs.UpdateJobStatus(ctx, job.ID, ingest.JobCompleted, ""); err != nil {
		if errors.Is(err, ingest.ErrStaleTransition) {
			return nil
		}
		return err
	}
	if err := s.sources.UpdateSourceStatus(ctx, job.SourceID, ingest.SourceCompleted, ""); err != nil && !errors.Is(err, ingest.ErrStaleTransition) {
		return err
	}

	summary := map[string]string{
		"documents": fmt.Sprintf("%d", details.DocsProcessed),
		"failed":    fmt.Sprintf("%d", details.DocsFailed),
		"chunks":    fmt.Sprintf("%d", details.ChunksProduced),
		"digest":    processingDigest(job.SourceID, docIDs, details.ChunksProduced),
	}
	s.emit(job.SourceID, job.ID, events.TypeSummaryGenerated, summary)
	s.emit(job.SourceID, job.ID, events.TypeCompleted, summary)
	s.logger.Info("processing completed",
		zap.String("source_id", job.SourceID),
		zap.String("job_id", job.ID),
		zap.Int("documents", details.DocsProcessed),
		zap.Int("failed", details.DocsFailed),
		zap.Int("chunks", details.ChunksProduced))
	return nil
}

// errJobHalted signals that a checkpoint found the job in a terminal state.
var errJobHalted = errors.New("job is no longer active")

// persistChunks writes chunks in ChunkBatchSize groups, reloading the job
// before each write so a cancellation halts the remaining writes.
func (s *Service) persistChunks(ctx context.Context, jobID string, chunks []ingest.Chunk) error {
	batchSize := s.engine.Config().ChunkBatchSize
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if _, active, err := s.jobFresh(ctx, jobID); err != nil {
			return err
		} else if !active {
			return errJobHalted
		}
		if err := s.chunks.StoreChunks(ctx, chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// failedDocuments flags documents with no usable output: preprocessing
// stripped them empty, or every chunk they produced failed validation.
// Flagged-but-valid output (unmergeable runts, unclosed fences) stays in the
// pipeline; the issues are diagnostics, not verdicts.
func failedDocuments(batch []ingest.Document, result chunker.Result) map[string]string {
	type tally struct{ total, valid int }
	counts := make(map[string]tally, len(batch))
	for _, chunk := range result.Chunks {
		c := counts[chunk.DocumentID]
		c.total++
		if chunk.Validated {
			c.valid++
		}
		counts[chunk.DocumentID] = c
	}
	messages := make(map[string]string, len(result.Issues))
	for _, issue := range result.Issues {
		if _, seen := messages[issue.DocumentID]; !seen {
			messages[issue.DocumentID] = issue.Message
		}
	}

	failed := make(map[string]string)
	for _, doc := range batch {
		c := counts[doc.ID]
		switch {
		case c.total == 0:
			failed[doc.ID] = "no content after preprocessing"
		case c.valid == 0:
			msg := messages[doc.ID]
			if msg == "" {
				msg = "all chunks failed validation"
			}
			failed[doc.ID] = msg
		}
	}
	return failed
}

// chunkID derives a stable id from the chunk position. Resumed runs mint the
// same ids, which makes chunk persistence an upsert instead of a duplicate
// insert.
func chunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d", documentID, ordinal)).String()
}

// processingDigest derives a short stable fingerprint of a processing run,
// useful for spotting divergent reprocessing of the same source.
func processingDigest(sourceID string, docIDs []string, chunks int) string {
	sorted := append([]string(nil), docIDs...)
	sort.Strings(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", sourceID, chunks)
	for _, id := range sorted {
		fmt.Fprintf(h, "%s,", id)
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
