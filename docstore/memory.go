package docstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is a brute-force in-process store. Vectors are assumed to be L2-normalized,
// so the inner product equals cosine similarity.
type MemoryStore struct {
	mu     sync.RWMutex
	schema Schema
	rows   []Row
	nextID int64
}

func NewMemoryStore(schema Schema) *MemoryStore {
	return &MemoryStore{schema: schema}
}

func (s *MemoryStore) EnsureCollection(ctx context.Context) error { return nil }

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) DeleteBySource(ctx context.Context, sourceID, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(sourceID, collection)
	return nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.validate(rows); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(rows)
	return nil
}

func (s *MemoryStore) Replace(ctx context.Context, sourceID, collection string, rows []Row) error {
	if err := s.validate(rows); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(sourceID, collection)
	s.insertLocked(rows)
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, vector []float32, topK int, collection string, filter *Filter) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	if s.schema.Dimension > 0 && len(vector) != s.schema.Dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, expected %d", len(vector), s.schema.Dimension)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]Hit, 0, min(topK, len(s.rows)))
	for _, r := range s.rows {
		if collection != "" && r.Collection != collection {
			continue
		}
		if !filter.Match(r) {
			continue
		}
		hits = append(hits, Hit{Row: r, Similarity: dot(r.Vector, vector)})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	return hits, nil
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	return nil
}

// Rows returns a copy of the rows stored for a source, ordered by chunk index.
func (s *MemoryStore) Rows(sourceID, collection string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Row
	for _, r := range s.rows {
		if r.SourceID == sourceID && r.Collection == collection {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })

	return out
}

func (s *MemoryStore) validate(rows []Row) error {
	for i, r := range rows {
		if err := s.schema.Validate(r); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	return nil
}

func (s *MemoryStore) deleteLocked(sourceID, collection string) {
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.SourceID == sourceID && r.Collection == collection {
			continue
		}
		kept = append(kept, r)
	}
	s.rows = kept
}

func (s *MemoryStore) insertLocked(rows []Row) {
	for _, r := range rows {
		s.nextID++
		r.ID = strconv.FormatInt(s.nextID, 10)
		r.Vector = append([]float32(nil), r.Vector...)
		s.rows = append(s.rows, r)
	}
}
