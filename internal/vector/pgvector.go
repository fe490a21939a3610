// Package vector persists validated chunks into a pgvector-backed table.
// Embedding generation happens out of band; rows are written with a
// placeholder zero vector that the embedding worker overwrites later.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/pgvector/pgvector-go"

	"github.com/contextive/ingest/internal/ingest"
	"github.com/contextive/ingest/internal/store/postgres"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the chunk table and embedding dimensionality.
type Config struct {
	Table     string `mapstructure:"table"`
	VectorDim int    `mapstructure:"vector_dim"`
	BatchSize int    `mapstructure:"batch_size"`
}

// PgStore implements ingest.ChunkWriter on Postgres with the vector extension.
//
// Expected schema:
//
//	CREATE EXTENSION IF NOT EXISTS vector;
//	CREATE TABLE chunks (
//		id UUID PRIMARY KEY,
//		document_id UUID NOT NULL,
//		source_id UUID NOT NULL,
//		ordinal INTEGER NOT NULL,
//		content TEXT NOT NULL,
//		token_count INTEGER NOT NULL,
//		headers JSONB NOT NULL,
//		embedding vector(1536),
//		metadata JSONB
//	);
type PgStore struct {
	pool  postgres.Pool
	table string
	dim   int
	batch int
}

// NewPgStore wraps an existing pool (pgxmock in tests).
func NewPgStore(pool postgres.Pool, cfg Config) (*PgStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.Table == "" {
		cfg.Table = "chunks"
	}
	if !validTableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.VectorDim <= 0 {
		cfg.VectorDim = 1536
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &PgStore{pool: pool, table: cfg.Table, dim: cfg.VectorDim, batch: cfg.BatchSize}, nil
}

// StoreChunks upserts chunk rows with a zero placeholder embedding.
// Re-storing an ID overwrites in place, keeping retried processing runs
// idempotent.
func (s *PgStore) StoreChunks(ctx context.Context, chunks []ingest.Chunk) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, document_id, source_id, ordinal, content, token_count, headers, embedding, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	content = EXCLUDED.content,
	token_count = EXCLUDED.token_count,
	headers = EXCLUDED.headers,
	metadata = EXCLUDED.metadata`, s.table)

	placeholder := pgvector.NewVector(make([]float32, s.dim))
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk without id (document %s ordinal %d)", chunk.DocumentID, chunk.Ordinal)
		}
		headersJSON, err := json.Marshal(chunk.Headers)
		if err != nil {
			return fmt.Errorf("marshal chunk headers: %w", err)
		}
		meta := map[string]any{
			"overlap_from_prev": chunk.OverlapFromPrev,
			"oversized_split":   chunk.OversizedSplit,
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query,
			chunk.ID, chunk.DocumentID, chunk.SourceID, chunk.Ordinal,
			chunk.Content, chunk.TokenCount, headersJSON, placeholder, metaJSON,
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
		}
	}
	return nil
}

// DeleteChunksBySource removes all chunks belonging to the source.
func (s *PgStore) DeleteChunksBySource(ctx context.Context, sourceID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE source_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, sourceID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// CountChunksBySource reports how many chunks the source currently has.
func (s *PgStore) CountChunksBySource(ctx context.Context, sourceID string) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE source_id = $1`, s.table)
	var count int
	if err := s.pool.QueryRow(ctx, query, sourceID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}
