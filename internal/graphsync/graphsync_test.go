package graphsync

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/graph"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCapabilityZoneCreatedMakesContainsEdges(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "capability.zone.created", Payload: CapabilityEvent{
		CapabilityID: "org.proj.ns.action.abc123",
		ContainsIDs:  []string{"fetch", "parse"},
	}})

	waitUntil(t, func() bool {
		n, _ := g.Size()
		return n >= 3
	})
	neighbors := g.Neighbors("org.proj.ns.action.abc123")
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 contains edges, got %d", len(neighbors))
	}
	for _, e := range neighbors {
		if e.Type != graph.EdgeContains {
			t.Fatalf("expected contains edge type, got %v", e.Type)
		}
	}
}

func TestCapabilityZoneUpdatedAddsNewContainsEdge(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "capability.zone.updated", Payload: CapabilityEvent{
		CapabilityID: "org.proj.ns.action.abc123",
		ContainsIDs:  []string{"fetch"},
	}})

	waitUntil(t, func() bool {
		return len(g.Neighbors("org.proj.ns.action.abc123")) == 1
	})
}

type fakeLearner struct {
	registered []string
}

func (f *fakeLearner) RegisterCapability(id string, embedding []float32) error {
	f.registered = append(f.registered, id)
	return nil
}

func TestExternalLearnerRegistrationRequiresEmbedding(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	learner := &fakeLearner{}
	ctrl.Learner = learner
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "capability.zone.created", Payload: CapabilityEvent{
		CapabilityID: "no-embedding",
	}})
	b.Emit(bus.Event{Type: "capability.zone.created", Payload: CapabilityEvent{
		CapabilityID: "with-embedding",
		Embedding:    []float32{0.1, 0.2},
	}})

	waitUntil(t, func() bool { return len(learner.registered) == 1 })
	if learner.registered[0] != "with-embedding" {
		t.Fatalf("expected only the embedded capability to register, got %v", learner.registered)
	}
}

type fakeStore struct {
	nodes []graph.Node
	edges []graph.Edge
	err   error
}

func (f *fakeStore) SyncFromDatabase() ([]graph.Node, []graph.Edge, error) {
	return f.nodes, f.edges, f.err
}

func TestMergeTriggersFullResync(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Store = &fakeStore{
		nodes: []graph.Node{{ID: "a", Type: graph.NodeTool}, {ID: "b", Type: graph.NodeTool}},
		edges: []graph.Edge{{From: "a", To: "b", Type: graph.EdgeDependency, Confidence: 1.0}},
	}
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "capability.merged"})

	waitUntil(t, func() bool {
		n, _ := g.Size()
		return n == 2
	})
}

func TestMergeFailureIsLoggedNotPanicked(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Store = &fakeStore{err: errors.New("db unavailable")}
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "capability.merged"})
	time.Sleep(20 * time.Millisecond)
}

func TestSequenceCreatesSequenceEdge(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "dag.task.completed", Payload: SequenceEvent{
		FromID: "step1", ToID: "step2", Confidence: 0.8,
	}})

	waitUntil(t, func() bool {
		return len(g.Neighbors("step1")) == 1
	})
	edge := g.Neighbors("step1")[0]
	if edge.Type != graph.EdgeSequence || edge.To != "step2" {
		t.Fatalf("expected sequence edge step1->step2, got %+v", edge)
	}
}

func TestStopIsIdempotentAndDropsLateEvents(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	ctrl.Stop()
	ctrl.Stop() // idempotent

	b.Emit(bus.Event{Type: "capability.zone.created", Payload: CapabilityEvent{CapabilityID: "x"}})
	time.Sleep(20 * time.Millisecond)

	if _, ok := g.Node("x"); ok {
		t.Fatal("expected no graph mutation after controller Stop")
	}
}

func TestCodeTraceMintsContainsAndSequenceEdges(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "trace.code.event", Payload: CodeTraceEvent{
		Type: "tool_end", TraceID: "root", Tool: "parent-op", Success: true,
	}})
	waitUntil(t, func() bool { _, ok := g.Node("parent-op"); return ok })

	b.Emit(bus.Event{Type: "trace.code.event", Payload: CodeTraceEvent{
		Type: "tool_end", TraceID: "child-1", ParentTraceID: "root", Tool: "step-a", Success: true,
	}})
	waitUntil(t, func() bool { return len(g.Neighbors("parent-op")) == 1 })

	b.Emit(bus.Event{Type: "trace.code.event", Payload: CodeTraceEvent{
		Type: "tool_end", TraceID: "child-2", ParentTraceID: "root", Tool: "step-b", Success: true,
	}})
	waitUntil(t, func() bool { return len(g.Neighbors("parent-op")) == 2 })

	contains := g.Neighbors("parent-op")
	for _, e := range contains {
		if e.Type != graph.EdgeContains {
			t.Fatalf("expected contains edges from parent-op, got %v", e.Type)
		}
	}

	waitUntil(t, func() bool { return len(g.Neighbors("step-a")) == 1 })
	seq := g.Neighbors("step-a")[0]
	if seq.Type != graph.EdgeSequence || seq.To != "step-b" {
		t.Fatalf("expected sequence edge step-a->step-b from sibling order, got %+v", seq)
	}
}

func TestCodeTraceIgnoresFailedCalls(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	defer ctrl.Stop()

	b.Emit(bus.Event{Type: "trace.code.event", Payload: CodeTraceEvent{
		Type: "tool_end", TraceID: "root", Tool: "failed-op", Success: false,
	}})
	time.Sleep(20 * time.Millisecond)

	if _, ok := g.Node("failed-op"); ok {
		t.Fatal("expected no graph mutation for a failed trace event")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	g := graph.New()
	ctrl := New(zap.NewNop(), b, g)
	ctrl.Start()
	ctrl.Start() // should not double-subscribe

	b.Emit(bus.Event{Type: "dag.task.completed", Payload: SequenceEvent{FromID: "p", ToID: "q", Confidence: 0.5}})
	waitUntil(t, func() bool { return len(g.Neighbors("p")) == 1 })
	if len(g.Neighbors("p")) != 1 {
		t.Fatalf("expected exactly 1 edge from a single subscription, got %d", len(g.Neighbors("p")))
	}
	ctrl.Stop()
}
