package graph

import (
	"math"
	"testing"
)

func buildLinear(t *testing.T) *Graph {
	t.Helper()
	g := New()
	for _, id := range []string{"a", "b", "c"} {
		g.UpsertNode(Node{ID: id, Type: NodeTool})
	}
	if err := g.AddEdge(Edge{From: "a", To: "b", Type: EdgeDependency, Confidence: 1.0}); err != nil {
		t.Fatalf("add edge a->b: %v", err)
	}
	if err := g.AddEdge(Edge{From: "b", To: "c", Type: EdgeDependency, Confidence: 1.0}); err != nil {
		t.Fatalf("add edge b->c: %v", err)
	}
	return g
}

func TestAddEdgeRequiresExistingNodes(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	if err := g.AddEdge(Edge{From: "a", To: "missing", Type: EdgeDependency, Confidence: 1}); err == nil {
		t.Fatal("expected error adding edge to a nonexistent node")
	}
}

func TestRemoveNodeDropsIncidentEdges(t *testing.T) {
	g := buildLinear(t)
	g.RemoveNode("b")

	if _, ok := g.Node("b"); ok {
		t.Fatal("expected node b removed")
	}
	if n := g.Neighbors("a"); len(n) != 0 {
		t.Fatalf("expected no outgoing edges from a after b removed, got %v", n)
	}
}

func TestPageRankSumsToOne(t *testing.T) {
	g := buildLinear(t)
	ranks := g.PageRank(0.85, 100)

	var sum float64
	for _, r := range ranks {
		sum += r
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Fatalf("expected pagerank to sum to ~1.0, got %f", sum)
	}
	if ranks["c"] <= ranks["a"] {
		t.Fatalf("expected sink node c to accumulate more rank than source a: a=%f c=%f", ranks["a"], ranks["c"])
	}
}

func TestPageRankEmptyGraph(t *testing.T) {
	g := New()
	ranks := g.PageRank(0.85, 10)
	if len(ranks) != 0 {
		t.Fatalf("expected empty rank map for empty graph, got %v", ranks)
	}
}

func TestShortestPathPrefersHigherConfidence(t *testing.T) {
	g := New()
	for _, id := range []string{"a", "b", "c"} {
		g.UpsertNode(Node{ID: id, Type: NodeTool})
	}
	// Direct low-confidence edge vs. two high-confidence hops.
	if err := g.AddEdge(Edge{From: "a", To: "c", Type: EdgeDependency, Confidence: 0.2}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(Edge{From: "a", To: "b", Type: EdgeDependency, Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(Edge{From: "b", To: "c", Type: EdgeDependency, Confidence: 0.9}); err != nil {
		t.Fatal(err)
	}

	path, cost, err := g.ShortestPath("a", "c")
	if err != nil {
		t.Fatalf("shortest path: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(path) != len(want) {
		t.Fatalf("expected path through b, got %v", path)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, path)
		}
	}
	if cost <= 0 {
		t.Fatalf("expected positive path cost, got %f", cost)
	}
}

func TestShortestPathNoPath(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	g.UpsertNode(Node{ID: "b", Type: NodeTool})
	if _, _, err := g.ShortestPath("a", "b"); err == nil {
		t.Fatal("expected error when no path exists")
	}
}

func TestShortestPathSameNode(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	path, cost, err := g.ShortestPath("a", "a")
	if err != nil {
		t.Fatalf("shortest path to self: %v", err)
	}
	if len(path) != 1 || path[0] != "a" || cost != 0 {
		t.Fatalf("expected trivial self path, got %v cost=%f", path, cost)
	}
}

func TestCommunitiesGroupsDenselyConnectedNodes(t *testing.T) {
	g := New()
	for _, id := range []string{"a1", "a2", "a3", "b1", "b2", "b3"} {
		g.UpsertNode(Node{ID: id, Type: NodeTool})
	}
	// Dense cluster A
	mustEdge := func(from, to string) {
		if err := g.AddEdge(Edge{From: from, To: to, Type: EdgeDependency, Confidence: 1}); err != nil {
			t.Fatal(err)
		}
	}
	mustEdge("a1", "a2")
	mustEdge("a2", "a3")
	mustEdge("a3", "a1")
	// Dense cluster B
	mustEdge("b1", "b2")
	mustEdge("b2", "b3")
	mustEdge("b3", "b1")
	// One weak bridge
	mustEdge("a1", "b1")

	communities := g.Communities()
	if len(communities) < 2 {
		t.Fatalf("expected at least 2 communities for two dense clusters, got %d", len(communities))
	}
}

func TestCommunitiesNoEdgesIsolatesEveryNode(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	g.UpsertNode(Node{ID: "b", Type: NodeTool})

	communities := g.Communities()
	if len(communities) != 2 {
		t.Fatalf("expected 2 isolated communities, got %d", len(communities))
	}
}

func TestSizeReportsNodesAndEdges(t *testing.T) {
	g := buildLinear(t)
	nodes, edges := g.Size()
	if nodes != 3 || edges != 2 {
		t.Fatalf("expected 3 nodes / 2 edges, got %d/%d", nodes, edges)
	}
}

func TestObserveUpsertsAndIncrementsCount(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	g.UpsertNode(Node{ID: "b", Type: NodeTool})

	for i := 0; i < 3; i++ {
		if _, err := g.Observe("a", "b", EdgeSequence); err != nil {
			t.Fatalf("observe %d: %v", i, err)
		}
	}

	if _, edges := g.Size(); edges != 1 {
		t.Fatalf("expected observations of the same edge to upsert, not duplicate; got %d edges", edges)
	}
	edge := g.Neighbors("a")[0]
	if edge.Count != 3 {
		t.Fatalf("expected count 3 after 3 observations, got %d", edge.Count)
	}
	if edge.Source != SourceObserved {
		t.Fatalf("expected source upgraded to observed at count 3, got %q", edge.Source)
	}
}

func TestObserveStaysInferredBelowThreeObservations(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	g.UpsertNode(Node{ID: "b", Type: NodeTool})

	if _, err := g.Observe("a", "b", EdgeDependency); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Observe("a", "b", EdgeDependency); err != nil {
		t.Fatal(err)
	}

	edge := g.Neighbors("a")[0]
	if edge.Count != 2 {
		t.Fatalf("expected count 2, got %d", edge.Count)
	}
	if edge.Source != SourceInferred {
		t.Fatalf("expected source still inferred below count 3, got %q", edge.Source)
	}
}

func TestObserveRequiresExistingNodes(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	if _, err := g.Observe("a", "missing", EdgeDependency); err == nil {
		t.Fatal("expected error observing an edge to a nonexistent node")
	}
}

func TestAddEdgeUpsertsRatherThanDuplicates(t *testing.T) {
	g := New()
	g.UpsertNode(Node{ID: "a", Type: NodeTool})
	g.UpsertNode(Node{ID: "b", Type: NodeTool})

	if err := g.AddEdge(Edge{From: "a", To: "b", Type: EdgeContains, Confidence: 1.0}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge(Edge{From: "a", To: "b", Type: EdgeContains, Confidence: 0.5}); err != nil {
		t.Fatal(err)
	}

	if _, edges := g.Size(); edges != 1 {
		t.Fatalf("expected re-adding the same (from,to,type) edge to replace it, got %d edges", edges)
	}
	if got := g.Neighbors("a")[0].Confidence; got != 0.5 {
		t.Fatalf("expected the later AddEdge call to win, got confidence %f", got)
	}
}

func TestGetEdgeWeightPinnedConstants(t *testing.T) {
	if w := GetEdgeWeight(EdgeDependency, SourceDeclared); w != 1.0 {
		t.Fatalf("expected dependency/declared weight 1.0, got %f", w)
	}
	if w := GetEdgeWeight(EdgeSequence, SourceDeclared); w != 0.5 {
		t.Fatalf("expected sequence/declared weight 0.5, got %f", w)
	}
	if w := GetEdgeWeight(EdgeDependency, SourceInferred); w >= GetEdgeWeight(EdgeDependency, SourceObserved) {
		t.Fatalf("expected an inferred edge to weigh less than the same observed edge")
	}
}
