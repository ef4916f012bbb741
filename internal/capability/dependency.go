package capability

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// EdgeType classifies a dependency edge the same way internal/graph does;
// duplicated here (rather than imported) because the dependency store
// tracks capability-to-capability/tool relations before they're synced
// into the knowledge graph by internal/graphsync, and shouldn't take a
// compile-time dependency on the graph package to do it.
type EdgeType string

const (
	EdgeDependency EdgeType = "dependency"
	EdgeSequence   EdgeType = "sequence"
	EdgeContains   EdgeType = "contains"
	EdgeSimilarity EdgeType = "similarity"
)

// EdgeSource tracks how a dependency edge was learned.
type EdgeSource string

const (
	SourceInferred EdgeSource = "inferred"
	SourceObserved EdgeSource = "observed"
	SourceDeclared EdgeSource = "declared"
)

// Direction selects which end of a dependency edge to filter by in
// GetDependencies.
type Direction string

const (
	DirectionFrom Direction = "from"
	DirectionTo   Direction = "to"
	DirectionBoth Direction = "both"
)

// Dependency is one directed edge between two capability/tool ids.
type Dependency struct {
	ID         string
	From       string
	To         string
	EdgeType   EdgeType
	EdgeSource EdgeSource
	Count      uint
}

// typeWeight must stay numerically identical to internal/graph's copy:
// dependency and sequence are pinned; contains and similarity are Open
// Question decisions recorded in DESIGN.md.
func typeWeight(t EdgeType) float64 {
	switch t {
	case EdgeDependency:
		return 1.0
	case EdgeSequence:
		return 0.5
	case EdgeContains:
		return 0.9
	case EdgeSimilarity:
		return 0.6
	default:
		return 0.5
	}
}

func sourceModifier(s EdgeSource) float64 {
	if s == EdgeSource(SourceInferred) {
		return 0.7
	}
	return 1.0
}

// Confidence is confidence = typeWeight(edgeType) x sourceModifier(edgeSource).
func (d Dependency) Confidence() float64 {
	return typeWeight(d.EdgeType) * sourceModifier(d.EdgeSource)
}

// DependencyStore tracks dependency edges between capabilities/tools,
// independent of the knowledge graph itself (internal/graphsync is what
// eventually projects these into internal/graph).
type DependencyStore struct {
	mu     sync.RWMutex
	byID   map[string]Dependency
	byPair map[string]string // from|to|type -> id
}

// NewDependencyStore creates an empty store.
func NewDependencyStore() *DependencyStore {
	return &DependencyStore{
		byID:   make(map[string]Dependency),
		byPair: make(map[string]string),
	}
}

// Seed loads dependency edges straight into the store, preserving their
// stored IDs, for restoring a persisted dependency graph at startup.
func (s *DependencyStore) Seed(deps []Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deps {
		s.byID[d.ID] = d
		s.byPair[d.From+"|"+d.To+"|"+string(d.EdgeType)] = d.ID
	}
}

// AddDependency creates a new edge, or increments count on re-observation;
// at count >= 3 edgeSource upgrades to observed regardless of what the
// caller passed.
func (s *DependencyStore) AddDependency(from, to string, edgeType EdgeType, edgeSource EdgeSource) (Dependency, error) {
	if from == "" || to == "" {
		return Dependency{}, gwerrors.Validation("from and to are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := from + "|" + to + "|" + string(edgeType)
	if id, ok := s.byPair[key]; ok {
		d := s.byID[id]
		d.Count++
		if d.Count >= 3 {
			d.EdgeSource = SourceObserved
		}
		s.byID[id] = d
		return d, nil
	}

	d := Dependency{
		ID: uuid.NewString(), From: from, To: to,
		EdgeType: edgeType, EdgeSource: edgeSource, Count: 1,
	}
	s.byID[d.ID] = d
	s.byPair[key] = d.ID
	return d, nil
}

// Get returns a dependency by id.
func (s *DependencyStore) Get(id string) (Dependency, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	return d, ok
}

// GetDependencies returns every dependency touching capabilityID in the
// given direction.
func (s *DependencyStore) GetDependencies(capabilityID string, dir Direction) []Dependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Dependency
	for _, d := range s.byID {
		matches := false
		switch dir {
		case DirectionFrom:
			matches = d.From == capabilityID
		case DirectionTo:
			matches = d.To == capabilityID
		default:
			matches = d.From == capabilityID || d.To == capabilityID
		}
		if matches {
			out = append(out, d)
		}
	}
	return out
}

// GetAllDependencies returns every dependency with confidence >=
// minConfidence.
func (s *DependencyStore) GetAllDependencies(minConfidence float64) []Dependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Dependency
	for _, d := range s.byID {
		if d.Confidence() >= minConfidence {
			out = append(out, d)
		}
	}
	return out
}

// RemoveDependency deletes a dependency edge by id.
func (s *DependencyStore) RemoveDependency(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byID[id]
	if !ok {
		return gwerrors.NotFound("dependency %q not found", id)
	}
	delete(s.byID, id)
	delete(s.byPair, d.From+"|"+d.To+"|"+string(d.EdgeType))
	return nil
}
