package chunker

import (
	"fmt"

	"github.com/contextive/ingest/internal/ingest"
)

// validate checks each chunk against the hard limits and marks the ones that
// pass. Oversized force-split chunks are exempt from the ceiling check since
// they are flagged already.
func (e *Engine) validate(chunks []ingest.Chunk, docID string, issues *[]Issue) {
	for i := range chunks {
		c := &chunks[i]
		ok := true
		if c.TokenCount > e.cfg.MaxTokens && !c.OversizedSplit {
			*issues = append(*issues, Issue{
				DocumentID: docID,
				Message:    fmt.Sprintf("chunk %d exceeds max tokens (%d > %d)", c.Ordinal, c.TokenCount, e.cfg.MaxTokens),
			})
			ok = false
		}
		if c.Content == "" {
			*issues = append(*issues, Issue{
				DocumentID: docID,
				Message:    fmt.Sprintf("chunk %d has empty content", c.Ordinal),
			})
			ok = false
		}
		c.Validated = ok
	}
}
