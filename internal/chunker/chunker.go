// Package chunker turns crawled markdown documents into bounded, validated
// text chunks. The engine is pure: no I/O, no clocks, no randomness, so the
// same documents and config always produce byte-identical chunk sequences.
package chunker

import (
	"fmt"
	"strings"

	"github.com/contextive/ingest/internal/ingest"
)

// Config controls chunk sizing. Zero values fall back to defaults.
type Config struct {
	MaxTokens         int     `mapstructure:"max_tokens"`
	SoftTokenLimit    int     `mapstructure:"soft_token_limit"`
	MinChunkSize      int     `mapstructure:"min_chunk_size"`
	OverlapPercentage float64 `mapstructure:"overlap_percentage"`
	MinOverlapTokens  int     `mapstructure:"min_overlap_tokens"`
	MaxOverlapTokens  int     `mapstructure:"max_overlap_tokens"`
	DocumentBatchSize int     `mapstructure:"document_batch_size"`
	ChunkBatchSize    int     `mapstructure:"chunk_batch_size"`
}

// Default sizing knobs.
const (
	defaultMaxTokens         = 512
	defaultSoftTokenLimit    = 450
	defaultMinChunkSize      = 100
	defaultOverlapPercentage = 0.05
	defaultMinOverlapTokens  = 50
	defaultMaxOverlapTokens  = 100
	defaultDocumentBatch     = 50
	defaultChunkBatch        = 500
)

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	if c.SoftTokenLimit <= 0 {
		c.SoftTokenLimit = defaultSoftTokenLimit
	}
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = defaultMinChunkSize
	}
	if c.OverlapPercentage <= 0 {
		c.OverlapPercentage = defaultOverlapPercentage
	}
	if c.MinOverlapTokens <= 0 {
		c.MinOverlapTokens = defaultMinOverlapTokens
	}
	if c.MaxOverlapTokens <= 0 {
		c.MaxOverlapTokens = defaultMaxOverlapTokens
	}
	if c.DocumentBatchSize <= 0 {
		c.DocumentBatchSize = defaultDocumentBatch
	}
	if c.ChunkBatchSize <= 0 {
		c.ChunkBatchSize = defaultChunkBatch
	}
	return c
}

// Validate rejects configs whose limits contradict each other.
func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.SoftTokenLimit > c.MaxTokens {
		return ingest.Configuration("validate chunker config", fmt.Errorf("soft_token_limit must be <= max_tokens"))
	}
	if c.MinChunkSize >= c.MaxTokens {
		return ingest.Configuration("validate chunker config", fmt.Errorf("min_chunk_size must be < max_tokens"))
	}
	if c.OverlapPercentage >= 1 {
		return ingest.Configuration("validate chunker config", fmt.Errorf("overlap_percentage must be < 1"))
	}
	return nil
}

// Issue records a per-document validation problem that does not necessarily
// fail the document.
type Issue struct {
	DocumentID string `json:"document_id"`
	Message    string `json:"message"`
}

// Result is the output of a chunking run.
type Result struct {
	Chunks   []ingest.Chunk
	Issues   []Issue
	Warnings []string
}

// Engine implements the chunking pipeline: preprocess, segment, pack, merge,
// overlap, validate.
type Engine struct {
	cfg Config
}

// New constructs an Engine with defaults applied.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.WithDefaults()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// ChunkDocuments processes documents in order and returns the combined
// chunks, per-document validation issues, and warnings. Chunk IDs are left
// empty; callers assign them at persistence time so the engine stays pure.
func (e *Engine) ChunkDocuments(docs []ingest.Document) Result {
	var result Result
	for _, doc := range docs {
		chunks, issues, warnings := e.chunkDocument(doc)
		result.Chunks = append(result.Chunks, chunks...)
		result.Issues = append(result.Issues, issues...)
		result.Warnings = append(result.Warnings, warnings...)
	}
	return result
}

// ChunkDocument processes a single document.
func (e *Engine) ChunkDocument(doc ingest.Document) Result {
	chunks, issues, warnings := e.chunkDocument(doc)
	return Result{Chunks: chunks, Issues: issues, Warnings: warnings}
}

// rawChunk is a chunk under construction, before validation and ordinals.
type rawChunk struct {
	headers   ingest.Headers
	content   string
	oversized bool
}

func (e *Engine) chunkDocument(doc ingest.Document) ([]ingest.Chunk, []Issue, []string) {
	var issues []Issue
	var warnings []string

	content := removeImages(removeBoilerplate(doc.Content))
	if strings.TrimSpace(content) == "" {
		warnings = append(warnings, fmt.Sprintf("document %s has no content after preprocessing", doc.ID))
		return nil, issues, warnings
	}

	sections, unclosedFence := identifySections(content)
	if unclosedFence {
		issues = append(issues, Issue{DocumentID: doc.ID, Message: "unclosed code block detected"})
	}

	var raw []rawChunk
	for _, sec := range sections {
		raw = append(raw, e.splitSection(sec)...)
	}

	raw = e.mergeUndersized(raw, &issues, doc.ID)

	chunks := make([]ingest.Chunk, 0, len(raw))
	for i, rc := range raw {
		chunks = append(chunks, ingest.Chunk{
			DocumentID:     doc.ID,
			SourceID:       doc.SourceID,
			Ordinal:        i,
			Content:        rc.content,
			TokenCount:     EstimateTokens(rc.content),
			Headers:        rc.headers,
			OversizedSplit: rc.oversized,
		})
	}

	e.applyOverlap(chunks, &warnings)

	// Pages without any leading header inherit the page title as h1.
	title := doc.Title
	if title == "" {
		title = "Untitled"
	}
	for i := range chunks {
		if chunks[i].Headers.H1 == "" {
			chunks[i].Headers.H1 = title
		}
	}

	e.validate(chunks, doc.ID, &issues)
	return chunks, issues, warnings
}

// splitSection packs a section's lines into chunks up to the soft token
// limit, keeping code fences atomic. A chunk is never closed inside an open
// fence; fenced blocks larger than the hard ceiling are force-split at line
// boundaries as a last resort.
func (e *Engine) splitSection(sec section) []rawChunk {
	var (
		chunks       []rawChunk
		current      = rawChunk{headers: sec.headers}
		inCodeBlock  bool
		codeFence    string
		codeBlockBuf strings.Builder
	)

	closeCurrent := func() {
		if strings.TrimSpace(current.content) != "" {
			chunks = append(chunks, current)
		}
		current = rawChunk{headers: sec.headers}
	}

	appendCodeBlock := func(block string) {
		blockTokens := EstimateTokens(block)
		if blockTokens > e.cfg.MaxTokens {
			closeCurrent()
			for _, part := range e.splitCodeBlock(block, codeFence) {
				chunks = append(chunks, rawChunk{headers: sec.headers, content: part, oversized: true})
			}
			return
		}
		combined := current.content + block
		if EstimateTokens(combined) <= e.cfg.SoftTokenLimit {
			current.content = combined
			return
		}
		closeCurrent()
		current.content = block
	}

	for _, line := range strings.Split(sec.content, "\n") {
		stripped := strings.TrimRight(line, " \t")

		if m := fenceStartRegex.FindStringSubmatch(strings.TrimSpace(stripped)); m != nil {
			if !inCodeBlock {
				inCodeBlock = true
				codeFence = m[1]
				codeBlockBuf.Reset()
				codeBlockBuf.WriteString(line)
				codeBlockBuf.WriteByte('\n')
				continue
			}
			if strings.TrimSpace(stripped) == codeFence {
				codeBlockBuf.WriteString(line)
				codeBlockBuf.WriteByte('\n')
				inCodeBlock = false
				appendCodeBlock(codeBlockBuf.String())
				codeBlockBuf.Reset()
				continue
			}
			codeBlockBuf.WriteString(line)
			codeBlockBuf.WriteByte('\n')
			continue
		}
		if inCodeBlock {
			codeBlockBuf.WriteString(line)
			codeBlockBuf.WriteByte('\n')
			continue
		}

		line = inlineCodeRegex.ReplaceAllString(line, "<code>$1</code>")
		candidate := current.content + line + "\n"
		if EstimateTokens(candidate) <= e.cfg.SoftTokenLimit {
			current.content = candidate
			continue
		}
		closeCurrent()
		if EstimateTokens(line+"\n") > e.cfg.MaxTokens {
			for _, part := range splitByTokenWindow(line, e.cfg.MaxTokens) {
				chunks = append(chunks, rawChunk{headers: sec.headers, content: part + "\n", oversized: true})
			}
			continue
		}
		current.content = line + "\n"
	}

	// Unclosed fence at section end: keep the remainder as part of the open
	// block rather than dropping it.
	if inCodeBlock && codeBlockBuf.Len() > 0 {
		appendCodeBlock(codeBlockBuf.String())
	}
	closeCurrent()

	return chunks
}

// splitCodeBlock divides an oversized fenced block at line boundaries into
// slices at or under the hard ceiling, re-wrapping each slice in the fence.
// A single line beyond the ceiling is window-split as the final fallback.
func (e *Engine) splitCodeBlock(block, fence string) []string {
	inner := strings.TrimSpace(block)
	inner = strings.TrimPrefix(inner, fence)
	if idx := strings.Index(inner, "\n"); idx >= 0 {
		inner = inner[idx+1:]
	}
	inner = strings.TrimSuffix(strings.TrimRight(inner, "\n"), fence)
	inner = strings.TrimRight(inner, "\n")

	fenceCost := EstimateTokens(fence+"\n"+fence+"\n") + 2
	budget := e.cfg.MaxTokens - fenceCost
	if budget <= 0 {
		budget = e.cfg.MaxTokens
	}

	var parts []string
	var currentLines []string
	currentTokens := 0

	flush := func() {
		if len(currentLines) == 0 {
			return
		}
		parts = append(parts, fence+"\n"+strings.Join(currentLines, "\n")+"\n"+fence+"\n")
		currentLines = nil
		currentTokens = 0
	}

	for _, line := range strings.Split(inner, "\n") {
		lineTokens := EstimateTokens(line + "\n")
		if lineTokens > budget {
			flush()
			for _, piece := range splitByTokenWindow(line, budget) {
				parts = append(parts, fence+"\n"+piece+"\n"+fence+"\n")
			}
			continue
		}
		if currentTokens+lineTokens > budget {
			flush()
		}
		currentLines = append(currentLines, line)
		currentTokens += lineTokens
	}
	flush()
	return parts
}

// mergeUndersized folds chunks below the minimum size into a neighbor,
// preferring the following chunk, provided the merge stays under the hard
// ceiling. Unmergeable runts are kept and recorded.
func (e *Engine) mergeUndersized(chunks []rawChunk, issues *[]Issue, docID string) []rawChunk {
	var adjusted []rawChunk
	i := 0
	for i < len(chunks) {
		current := chunks[i]
		if EstimateTokens(current.content) >= e.cfg.MinChunkSize {
			adjusted = append(adjusted, current)
			i++
			continue
		}

		if i+1 < len(chunks) {
			next := chunks[i+1]
			combined := current.content + next.content
			if EstimateTokens(combined) <= e.cfg.MaxTokens {
				chunks[i+1] = rawChunk{
					headers:   mergeHeaders(current.headers, next.headers),
					content:   combined,
					oversized: current.oversized || next.oversized,
				}
				i++
				continue
			}
		}
		if len(adjusted) > 0 {
			prev := adjusted[len(adjusted)-1]
			combined := prev.content + current.content
			if EstimateTokens(combined) <= e.cfg.MaxTokens {
				adjusted[len(adjusted)-1] = rawChunk{
					headers:   mergeHeaders(prev.headers, current.headers),
					content:   combined,
					oversized: prev.oversized || current.oversized,
				}
				i++
				continue
			}
		}
		*issues = append(*issues, Issue{
			DocumentID: docID,
			Message:    fmt.Sprintf("chunk below min size (%d tokens) could not be merged", EstimateTokens(current.content)),
		})
		adjusted = append(adjusted, current)
		i++
	}
	return adjusted
}

// mergeHeaders keeps the first non-empty header per level.
func mergeHeaders(a, b ingest.Headers) ingest.Headers {
	pick := func(x, y string) string {
		if strings.TrimSpace(x) != "" {
			return x
		}
		return y
	}
	return ingest.Headers{
		H1: pick(a.H1, b.H1),
		H2: pick(a.H2, b.H2),
		H3: pick(a.H3, b.H3),
	}
}

// applyOverlap copies the trailing slice of each chunk onto the start of the
// next one. The overlap size is the configured percentage of the previous
// chunk, clamped between the min and max overlap tokens, and skipped with a
// warning when it would push the next chunk over the hard ceiling. Chunks
// that open with a fence never receive overlap: text prepended before the
// wrapper would corrupt the code block.
func (e *Engine) applyOverlap(chunks []ingest.Chunk, warnings *[]string) {
	for i := 1; i < len(chunks); i++ {
		prev := &chunks[i-1]
		curr := &chunks[i]

		if curr.OversizedSplit || startsWithFence(curr.Content) {
			continue
		}

		overlap := int(float64(prev.TokenCount) * e.cfg.OverlapPercentage)
		if overlap < e.cfg.MinOverlapTokens {
			overlap = e.cfg.MinOverlapTokens
		}
		if overlap > e.cfg.MaxOverlapTokens {
			overlap = e.cfg.MaxOverlapTokens
		}

		available := e.cfg.MaxTokens - curr.TokenCount
		if overlap > available {
			overlap = available
		}
		if overlap <= 0 {
			*warnings = append(*warnings, fmt.Sprintf(
				"skipping overlap for chunk %d of document %s: would exceed max tokens", curr.Ordinal, curr.DocumentID))
			continue
		}

		overlapText := tailTokens(prev.Content, overlap)
		if overlapText == "" || strings.Contains(overlapText, "```") || strings.Contains(overlapText, "~~~") {
			// Overlap must never duplicate fence markers into the next chunk.
			continue
		}
		added := EstimateTokens(overlapText)
		if curr.TokenCount+added > e.cfg.MaxTokens {
			*warnings = append(*warnings, fmt.Sprintf(
				"skipping overlap for chunk %d of document %s: would exceed max tokens", curr.Ordinal, curr.DocumentID))
			continue
		}
		curr.Content = overlapText + "\n" + curr.Content
		curr.TokenCount += added
		curr.OverlapFromPrev = true
	}
}

func startsWithFence(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}
