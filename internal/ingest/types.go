// Package ingest defines core types shared across the ingestion pipeline.
package ingest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SourceStatus represents the lifecycle state of a content source.
type SourceStatus string

// Source status values persisted in the source store.
const (
	SourcePending    SourceStatus = "pending"
	SourceCrawling   SourceStatus = "crawling"
	SourceProcessing SourceStatus = "processing"
	SourceCompleted  SourceStatus = "completed"
	SourceFailed     SourceStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SourceStatus) Terminal() bool {
	return s == SourceCompleted || s == SourceFailed
}

// sourceRank orders the forward path of the source state machine.
var sourceRank = map[SourceStatus]int{
	SourcePending:    0,
	SourceCrawling:   1,
	SourceProcessing: 2,
	SourceCompleted:  3,
}

// CanTransitionSource reports whether a source may move from one status to
// another. The lifecycle only advances forward; FAILED is reachable from any
// non-terminal state.
func CanTransitionSource(from, to SourceStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == SourceFailed {
		return true
	}
	fromRank, ok := sourceRank[from]
	if !ok {
		return false
	}
	toRank, ok := sourceRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// JobStatus represents the lifecycle state of a crawl or processing job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the job status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionJob reports whether a job may move from one status to another.
// Terminal statuses never regress; PENDING may not be restored once work began.
func CanTransitionJob(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case JobInProgress:
		return from == JobPending
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobType distinguishes crawl jobs from processing jobs.
type JobType string

// Supported job types.
const (
	JobTypeCrawl   JobType = "crawl"
	JobTypeProcess JobType = "process"
)

// CrawlConfig captures per-source crawl parameters requested by the client.
type CrawlConfig struct {
	URL             string   `json:"url"`
	PageLimit       int      `json:"page_limit"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// Validate enforces the submission contract: an http(s) URL, a positive page
// limit, and well-formed path patterns.
func (c CrawlConfig) Validate() error {
	parsed, err := url.Parse(c.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Configuration("validate crawl config", fmt.Errorf("url must start with http:// or https://"))
	}
	if c.PageLimit <= 0 {
		return Configuration("validate crawl config", fmt.Errorf("page_limit must be > 0"))
	}
	for _, patterns := range [][]string{c.IncludePatterns, c.ExcludePatterns} {
		for _, p := range patterns {
			if strings.TrimSpace(p) == "" {
				return Configuration("validate crawl config", fmt.Errorf("empty patterns are not allowed"))
			}
			if !strings.HasPrefix(p, "/") {
				return Configuration("validate crawl config", fmt.Errorf("pattern must start with '/', got %q", p))
			}
		}
	}
	return nil
}

// Source represents a submitted crawl target and its lifecycle state.
type Source struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Config    CrawlConfig  `json:"config"`
	Status    SourceStatus `json:"status"`
	JobID     string       `json:"job_id,omitempty"`
	ErrorText string       `json:"error_text,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// JobDetails carries type-specific progress for a job. Fields are meaningful
// per JobType: crawl jobs track pages, processing jobs track documents.
type JobDetails struct {
	PagesCrawled   int      `json:"pages_crawled,omitempty"`
	DocumentIDs    []string `json:"document_ids,omitempty"`
	DocsProcessed  int      `json:"docs_processed,omitempty"`
	DocsFailed     int      `json:"docs_failed,omitempty"`
	ChunksProduced int      `json:"chunks_produced,omitempty"`
}

// Job is the durable record of one asynchronous stage of a source's lifecycle.
// The queued task referencing it is a disposable trigger; the Job row is the
// source of truth.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	SourceID    string     `json:"source_id"`
	Status      JobStatus  `json:"status"`
	ExternalID  string     `json:"external_id,omitempty"`
	Details     JobDetails `json:"details"`
	ErrorText   string     `json:"error_text,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Document is one crawled page, produced by the crawl stage and consumed
// unmodified by the chunking stage.
type Document struct {
	ID       string            `json:"id"`
	SourceID string            `json:"source_id"`
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Headers records the inherited section headers at the point a chunk was cut.
// Levels without an enclosing header are empty.
type Headers struct {
	H1 string `json:"h1"`
	H2 string `json:"h2"`
	H3 string `json:"h3"`
}

// Chunk is a bounded, token-limited slice of a document with header context.
type Chunk struct {
	ID              string  `json:"id"`
	DocumentID      string  `json:"document_id"`
	SourceID        string  `json:"source_id"`
	Ordinal         int     `json:"ordinal"`
	Content         string  `json:"content"`
	TokenCount      int     `json:"token_count"`
	Headers         Headers `json:"headers"`
	OverlapFromPrev bool    `json:"overlap_from_prev"`
	OversizedSplit  bool    `json:"oversized_split"`
	Validated       bool    `json:"validated"`
}

// RawDocument is a crawl-result page as returned by the crawl service.
type RawDocument struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Markdown string            `json:"markdown"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WebhookEventType enumerates the notifications the crawl service delivers.
type WebhookEventType string

// Webhook event types, aligned with the crawl provider's callback contract.
const (
	WebhookCrawlStarted   WebhookEventType = "crawl.started"
	WebhookCrawlPage      WebhookEventType = "crawl.page"
	WebhookCrawlCompleted WebhookEventType = "crawl.completed"
	WebhookCrawlFailed    WebhookEventType = "crawl.failed"
)

// WebhookPayload is the parsed body of a crawl-service callback.
type WebhookPayload struct {
	ExternalID string           `json:"external_id"`
	Type       WebhookEventType `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Error      string           `json:"error,omitempty"`
}

// Validate performs structural validation on the payload.
func (p WebhookPayload) Validate() error {
	if p.ExternalID == "" {
		return fmt.Errorf("external_id is required")
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	switch p.Type {
	case WebhookCrawlStarted, WebhookCrawlPage, WebhookCrawlCompleted, WebhookCrawlFailed:
		return nil
	default:
		return fmt.Errorf("unknown webhook event type %q", p.Type)
	}
}

// TaskName identifies a background task handler.
type TaskName string

// Background task names routed by the worker pool.
const (
	TaskCrawlStart TaskName = "crawl.start"
	TaskProcess    TaskName = "content.process"
)

// Task is the unit handed to the task queue. It carries just enough to
// re-derive all state from the job store, so a lost or duplicated task is
// always reconcilable.
type Task struct {
	Name        TaskName `json:"name"`
	SourceID    string   `json:"source_id"`
	JobID       string   `json:"job_id"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Attempt     int      `json:"attempt"`
	EnqueuedAt  int64    `json:"enqueued_at"`
}

// StatusReport is returned by the status endpoint.
type StatusReport struct {
	SourceID  string       `json:"source_id"`
	Status    SourceStatus `json:"status"`
	ErrorText string       `json:"error_text,omitempty"`
	Progress  Progress     `json:"progress"`
}

// Progress summarizes pipeline counters for a source.
type Progress struct {
	PagesCrawled   int `json:"pages_crawled"`
	DocsProcessed  int `json:"docs_processed"`
	DocsFailed     int `json:"docs_failed"`
	ChunksProduced int `json:"chunks_produced"`
}
