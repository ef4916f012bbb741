package search

import (
	"context"
	"testing"

	"github.com/pgvector/pgvector-go"

	"github.com/pmlrun/gateway/internal/graph"
	"github.com/pmlrun/gateway/internal/tracer"
)

func ptr(f float64) *float64 { return &f }

func TestUnifiedSearchScoresBySemanticTimesReliability(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("fetch", []float32{1, 0, 0})
	idx.Add("parse", []float32{0, 1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "fetch", Type: graph.NodeTool, Name: "fetch", SuccessRate: ptr(0.9)})
	g.UpsertNode(graph.Node{ID: "parse", Type: graph.NodeTool, Name: "parse", SuccessRate: ptr(0.2)})

	eng := New(idx, g)
	results, err := eng.UnifiedSearch(context.Background(), pgvector.NewVector([]float32{1, 0, 0}), Options{Limit: 5})
	if err != nil {
		t.Fatalf("UnifiedSearch: %v", err)
	}
	if len(results) == 0 || results[0].ID != "fetch" {
		t.Fatalf("expected fetch to rank first, got %+v", results)
	}
	want := 1.0 * 0.9
	if got := results[0].Score; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected score %f, got %f", want, got)
	}
}

func TestUnifiedSearchDefaultsReliabilityWhenUnknown(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("a", []float32{1, 0})

	eng := New(idx, graph.New())
	results, err := eng.UnifiedSearch(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5})
	if err != nil {
		t.Fatalf("UnifiedSearch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if got, want := results[0].Score, 0.7; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected default-reliability score %f, got %f", want, got)
	}
}

func TestUnifiedSearchFiltersByType(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("fetch", []float32{1, 0})
	idx.Add("bundle.a", []float32{1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "fetch", Type: graph.NodeTool, Name: "fetch"})
	g.UpsertNode(graph.Node{ID: "bundle.a", Type: graph.NodeCapability, Name: "bundle.a"})

	eng := New(idx, g)
	results, err := eng.UnifiedSearch(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Type: "capability", Limit: 5})
	if err != nil {
		t.Fatalf("UnifiedSearch: %v", err)
	}
	for _, r := range results {
		if r.Type != "capability" {
			t.Fatalf("expected only capability results, got %q", r.Type)
		}
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly 1 capability result, got %d", len(results))
	}
}

func TestDiscoverPenalizesLowSuccessRate(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("flaky", []float32{1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "flaky", Type: graph.NodeTool, Name: "flaky", SuccessRate: ptr(0.3)})

	eng := New(idx, g)
	results, err := eng.Discover(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := 1.0 * 0.3 * 0.1
	if got := results[0].Score; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected penalized score %f, got %f", want, got)
	}
}

func TestDiscoverBoostsHighSuccessRate(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("proven", []float32{1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "proven", Type: graph.NodeTool, Name: "proven", SuccessRate: ptr(0.95)})

	eng := New(idx, g)
	results, err := eng.Discover(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := 1.0 * 0.95 * 1.2
	if got := results[0].Score; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected boosted score %f, got %f", want, got)
	}
}

func TestDiscoverMidRangeSuccessRateIsUnscaled(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("typical", []float32{1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "typical", Type: graph.NodeTool, Name: "typical", SuccessRate: ptr(0.7)})

	eng := New(idx, g)
	results, err := eng.Discover(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := 1.0 * 0.7 * 1.0
	if got := results[0].Score; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected unscaled score %f, got %f", want, got)
	}
}

func TestUnifiedSearchRecordsActiveSearchDecision(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("fetch", []float32{1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "fetch", Type: graph.NodeTool, Name: "fetch", SuccessRate: ptr(0.9)})

	eng := New(idx, g)
	eng.Tracer = tracer.New(nil, nil, 10, 10)

	if _, err := eng.UnifiedSearch(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5}); err != nil {
		t.Fatalf("UnifiedSearch: %v", err)
	}
	recent := eng.Tracer.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("expected one recorded decision, got %d", len(recent))
	}
	if recent[0].AlgorithmMode != tracer.ModeActiveSearch {
		t.Fatalf("expected active_search mode, got %q", recent[0].AlgorithmMode)
	}
	if recent[0].Verdict != tracer.VerdictAccepted {
		t.Fatalf("expected accepted verdict, got %q", recent[0].Verdict)
	}
}

func TestDiscoverRecordsPassiveSuggestionDecision(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("flaky", []float32{1, 0})

	g := graph.New()
	g.UpsertNode(graph.Node{ID: "flaky", Type: graph.NodeTool, Name: "flaky", SuccessRate: ptr(0.3)})

	eng := New(idx, g)
	eng.Tracer = tracer.New(nil, nil, 10, 10)

	if _, err := eng.Discover(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5}); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	recent := eng.Tracer.Recent(1)
	if len(recent) != 1 || recent[0].AlgorithmMode != tracer.ModePassiveSuggestion {
		t.Fatalf("expected one passive_suggestion decision, got %+v", recent)
	}
}

func TestNilTracerIsANoop(t *testing.T) {
	idx := NewMemIndex()
	idx.Add("fetch", []float32{1, 0})

	eng := New(idx, graph.New())
	if _, err := eng.UnifiedSearch(context.Background(), pgvector.NewVector([]float32{1, 0}), Options{Limit: 5}); err != nil {
		t.Fatalf("UnifiedSearch: %v", err)
	}
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	sim := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if sim < 0.999 {
		t.Fatalf("expected similarity near 1, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonalVectors(t *testing.T) {
	sim := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if sim != 0 {
		t.Fatalf("expected similarity 0, got %f", sim)
	}
}
