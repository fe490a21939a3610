// Package memory provides in-process implementations of the persistence
// interfaces. They enforce the same transition guards as the Postgres stores
// and back tests and single-node development deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/contextive/ingest/internal/ingest"
)

// SourceStore is an in-memory ingest.SourceStore.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]ingest.Source
	now     func() time.Time
}

// NewSourceStore returns an empty store.
func NewSourceStore() *SourceStore {
	return &SourceStore{
		sources: make(map[string]ingest.Source),
		now:     time.Now,
	}
}

// WithClock overrides the timestamp source, for tests.
func (s *SourceStore) WithClock(clk ingest.Clock) *SourceStore {
	s.now = clk.Now
	return s
}

// CreateSource inserts a new source. Duplicate IDs are rejected.
func (s *SourceStore) CreateSource(_ context.Context, src ingest.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; ok {
		return ingest.Internal("create source", fmt.Errorf("source %s already exists", src.ID))
	}
	s.sources[src.ID] = src
	return nil
}

// GetSource loads a source or returns ErrNotFound.
func (s *SourceStore) GetSource(_ context.Context, id string) (ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.Source{}, ingest.ErrNotFound
	}
	return src, nil
}

// ListSources returns all sources ordered by creation time.
func (s *SourceStore) ListSources(_ context.Context) ([]ingest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSourceStatus applies a guarded transition. Disallowed transitions
// return ErrStaleTransition and leave the record untouched.
func (s *SourceStore) UpdateSourceStatus(_ context.Context, id string, to ingest.SourceStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	if !ingest.CanTransitionSource(src.Status, to) {
		return fmt.Errorf("source %s: %s -> %s: %w", id, src.Status, to, ingest.ErrStaleTransition)
	}
	src.Status = to
	src.ErrorText = errText
	src.UpdatedAt = s.now().UTC()
	s.sources[id] = src
	return nil
}

// SetSourceJob records the job currently driving the source.
func (s *SourceStore) SetSourceJob(_ context.Context, id, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	src.JobID = jobID
	src.UpdatedAt = s.now().UTC()
	s.sources[id] = src
	return nil
}

// DeleteSource removes the source record.
func (s *SourceStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return ingest.ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

// JobStore is an in-memory ingest.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]ingest.Job
	now  func() time.Time
}

// NewJobStore returns an empty store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]ingest.Job),
		now:  time.Now,
	}
}

// WithClock overrides the timestamp source, for tests.
func (s *JobStore) WithClock(clk ingest.Clock) *JobStore {
	s.now = clk.Now
	return s
}

// CreateJob inserts a job, enforcing one non-terminal job per source and type.
func (s *JobStore) CreateJob(_ context.Context, job ingest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ingest.Internal("create job", fmt.Errorf("job %s already exists", job.ID))
	}
	for _, existing := range s.jobs {
		if existing.SourceID == job.SourceID && existing.Type == job.Type && !existing.Status.Terminal() {
			return fmt.Errorf("source %s already has an active %s job: %w",
				job.SourceID, job.Type, ingest.ErrActiveJobExists)
		}
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob loads a job or returns ErrNotFound.
func (s *JobStore) GetJob(_ context.Context, id string) (ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return ingest.Job{}, ingest.ErrNotFound
	}
	return job, nil
}

// GetJobByExternalID resolves the crawl service's identifier to our job.
func (s *JobStore) GetJobByExternalID(_ context.Context, externalID string) (ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if externalID == "" {
		return ingest.Job{}, ingest.ErrNotFound
	}
	for _, job := range s.jobs {
		if job.ExternalID == externalID {
			return job, nil
		}
	}
	return ingest.Job{}, ingest.ErrNotFound
}

// ListJobsBySource returns the source's jobs ordered by creation time.
func (s *JobStore) ListJobsBySource(_ context.Context, sourceID string) ([]ingest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Job
	for _, job := range s.jobs {
		if job.SourceID == sourceID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetJobExternalID binds the crawl service's identifier to the job.
func (s *JobStore) SetJobExternalID(_ context.Context, id, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ingest.ErrNotFound
	}
	job.ExternalID = externalID
	s.jobs[id] = job
	return nil
}

// UpdateJobStatus applies a guarded transition and stamps started/completed
// times. Disallowed transitions return ErrStaleTransition.
func (s *JobStore) UpdateJobStatus(_ context.Context, id string, to ingest.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ingest.ErrNotFound
	}
	if !ingest.CanTransitionJob(job.Status, to) {
		return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, to, ingest.ErrStaleTransition)
	}
	now := s.now().UTC()
	job.Status = to
	job.ErrorText = errText
	if to == ingest.JobInProgress && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	s.jobs[id] = job
	return nil
}

// UpdateJobDetails replaces the job's progress details.
func (s *JobStore) UpdateJobDetails(_ context.Context, id string, details ingest.JobDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ingest.ErrNotFound
	}
	job.Details = details
	s.jobs[id] = job
	return nil
}

// DocumentStore is an in-memory ingest.DocumentStore.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]ingest.Document
	// order preserves insertion so listings are stable.
	order []string
}

// NewDocumentStore returns an empty store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]ingest.Document)}
}

// SaveDocuments upserts documents; re-saving an ID overwrites in place.
func (s *DocumentStore) SaveDocuments(_ context.Context, docs []ingest.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		if doc.ID == "" {
			return ingest.Internal("save documents", fmt.Errorf("document without id"))
		}
		if _, ok := s.docs[doc.ID]; !ok {
			s.order = append(s.order, doc.ID)
		}
		s.docs[doc.ID] = doc
	}
	return nil
}

// GetDocuments loads the named documents, preserving the requested order.
// A missing ID fails the whole read.
func (s *DocumentStore) GetDocuments(_ context.Context, ids []string) ([]ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := s.docs[id]
		if !ok {
			return nil, fmt.Errorf("document %s: %w", id, ingest.ErrNotFound)
		}
		out = append(out, doc)
	}
	return out, nil
}

// ListDocumentsBySource returns the source's documents in insertion order.
func (s *DocumentStore) ListDocumentsBySource(_ context.Context, sourceID string) ([]ingest.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Document
	for _, id := range s.order {
		if doc := s.docs[id]; doc.SourceID == sourceID {
			out = append(out, doc)
		}
	}
	return out, nil
}

// DeleteDocumentsBySource removes every document belonging to the source.
func (s *DocumentStore) DeleteDocumentsBySource(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	for _, id := range s.order {
		if s.docs[id].SourceID == sourceID {
			delete(s.docs, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return nil
}
