package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/contextive/ingest/internal/ingest"
)

// MemoryStore is an in-process ingest.ChunkWriter for tests and development.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]ingest.Chunk
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]ingest.Chunk)}
}

// StoreChunks upserts the chunks by ID.
func (s *MemoryStore) StoreChunks(_ context.Context, chunks []ingest.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chunk := range chunks {
		if chunk.ID == "" {
			return fmt.Errorf("chunk without id (document %s ordinal %d)", chunk.DocumentID, chunk.Ordinal)
		}
		s.chunks[chunk.ID] = chunk
	}
	return nil
}

// DeleteChunksBySource removes all chunks belonging to the source.
func (s *MemoryStore) DeleteChunksBySource(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, chunk := range s.chunks {
		if chunk.SourceID == sourceID {
			delete(s.chunks, id)
		}
	}
	return nil
}

// ChunksBySource returns the stored chunks for a source, for assertions in
// tests.
func (s *MemoryStore) ChunksBySource(sourceID string) []ingest.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Chunk
	for _, chunk := range s.chunks {
		if chunk.SourceID == sourceID {
			out = append(out, chunk)
		}
	}
	return out
}

// CountChunksBySource reports how many chunks the source currently has.
func (s *MemoryStore) CountChunksBySource(_ context.Context, sourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	for _, chunk := range s.chunks {
		if chunk.SourceID == sourceID {
			count++
		}
	}
	return count, nil
}
