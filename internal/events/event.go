// Package events defines the lifecycle notifications emitted while a source
// moves through crawling and processing, plus the hub that fans them out to
// sinks (logs, metrics, live subscribers).
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type denotes the lifecycle milestone represented by an Event.
type Type string

// Supported lifecycle event types.
const (
	TypeCreated             Type = "CREATED"
	TypeCrawlingStarted     Type = "CRAWLING_STARTED"
	TypeProcessingScheduled Type = "PROCESSING_SCHEDULED"
	TypeSummaryGenerated    Type = "SUMMARY_GENERATED"
	TypeCompleted           Type = "COMPLETED"
	TypeFailed              Type = "FAILED"
)

// Event captures a single milestone in a source's lifecycle.
type Event struct {
	// SourceID identifies the source the event belongs to.
	SourceID string `json:"source_id"`
	// JobID optionally scopes the event to the job that produced it.
	JobID string `json:"job_id,omitempty"`
	// Type denotes which milestone occurred.
	Type Type `json:"type"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Detail carries low-volume extra context: page counts, chunk totals,
	// digests, or error text for failures.
	Detail map[string]string `json:"detail,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SourceID == "" {
		return errors.New("source id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeCreated, TypeCrawlingStarted, TypeProcessingScheduled,
		TypeSummaryGenerated, TypeCompleted, TypeFailed:
		return nil
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
}
