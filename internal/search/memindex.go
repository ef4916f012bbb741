package search

import (
	"context"
	"sort"

	"github.com/pgvector/pgvector-go"
)

// entry is one row of an in-memory vector index.
type entry struct {
	id     string
	vector []float32
}

// MemIndex is a brute-force VectorIndex over an in-process slice — useful
// for tests and for small deployments that don't need internal/store's
// Postgres-backed pgvector index.
type MemIndex struct {
	entries []entry
}

// NewMemIndex creates an empty in-memory vector index.
func NewMemIndex() *MemIndex {
	return &MemIndex{}
}

// Add inserts or replaces a node's embedding.
func (m *MemIndex) Add(id string, vec []float32) {
	for i := range m.entries {
		if m.entries[i].id == id {
			m.entries[i].vector = vec
			return
		}
	}
	m.entries = append(m.entries, entry{id: id, vector: vec})
}

// Nearest returns the limit closest entries by cosine similarity.
func (m *MemIndex) Nearest(ctx context.Context, query pgvector.Vector, limit int) ([]Neighbor, error) {
	q := query.Slice()
	scored := make([]Neighbor, 0, len(m.entries))
	for _, e := range m.entries {
		scored = append(scored, Neighbor{ID: e.id, Semantic: CosineSimilarity(q, e.vector)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Semantic > scored[j].Semantic })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
