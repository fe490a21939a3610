package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/contextive/ingest/internal/ingest"
)

// DocumentStore implements ingest.DocumentStore on Postgres.
//
// Expected schema:
//
//	CREATE TABLE documents (
//		id UUID PRIMARY KEY,
//		source_id UUID NOT NULL,
//		url TEXT NOT NULL,
//		title TEXT NOT NULL,
//		content TEXT NOT NULL,
//		metadata JSONB,
//		ordinal BIGSERIAL
//	);
type DocumentStore struct {
	pool Pool
}

// NewDocumentStore wraps an existing pool (pgxmock in tests).
func NewDocumentStore(pool Pool) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{pool: pool}, nil
}

// SaveDocuments upserts documents one row at a time. Re-saving an ID
// overwrites the content, which keeps retried crawl completions idempotent.
func (s *DocumentStore) SaveDocuments(ctx context.Context, docs []ingest.Document) error {
	query := `
INSERT INTO documents (id, source_id, url, title, content, metadata)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET url = EXCLUDED.url, title = EXCLUDED.title,
	content = EXCLUDED.content, metadata = EXCLUDED.metadata`
	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document without id")
		}
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshal document metadata: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query,
			doc.ID, doc.SourceID, doc.URL, doc.Title, doc.Content, metaJSON); err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.ID, err)
		}
	}
	return nil
}

const documentColumns = `id, source_id, url, title, content, metadata`

// GetDocuments loads the named documents, preserving the requested order.
// A missing ID fails the whole read.
func (s *DocumentStore) GetDocuments(ctx context.Context, ids []string) ([]ingest.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]ingest.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}

	out := make([]ingest.Document, 0, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("document %s: %w", id, ingest.ErrNotFound)
		}
		out = append(out, doc)
	}
	return out, nil
}

// ListDocumentsBySource returns the source's documents in insertion order.
func (s *DocumentStore) ListDocumentsBySource(ctx context.Context, sourceID string) ([]ingest.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE source_id = $1 ORDER BY ordinal`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []ingest.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

// DeleteDocumentsBySource removes every document belonging to the source.
func (s *DocumentStore) DeleteDocumentsBySource(ctx context.Context, sourceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

func scanDocument(row rowScanner) (ingest.Document, error) {
	var (
		doc      ingest.Document
		metaJSON []byte
	)
	if err := row.Scan(&doc.ID, &doc.SourceID, &doc.URL, &doc.Title, &doc.Content, &metaJSON); err != nil {
		return ingest.Document{}, err
	}
	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return ingest.Document{}, fmt.Errorf("unmarshal document metadata: %w", err)
		}
	}
	return doc, nil
}
