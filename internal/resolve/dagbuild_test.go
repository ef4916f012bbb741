package resolve

import "testing"

func TestIsValidForDagConversionRejectsEmpty(t *testing.T) {
	if IsValidForDagConversion(StaticStructure{}) {
		t.Fatal("expected empty structure to be invalid")
	}
}

func TestIsValidForDagConversionRejectsDuplicateID(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{{ID: "a"}, {ID: "a"}}}
	if IsValidForDagConversion(s) {
		t.Fatal("expected duplicate id to be invalid")
	}
}

func TestIsValidForDagConversionRejectsUnknownDependency(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{{ID: "a", DependsOn: []string{"ghost"}}}}
	if IsValidForDagConversion(s) {
		t.Fatal("expected unknown dependency to be invalid")
	}
}

func TestIsValidForDagConversionRejectsCycle(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	if IsValidForDagConversion(s) {
		t.Fatal("expected cycle to be invalid")
	}
}

func TestIsValidForDagConversionAcceptsValidStructure(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	if !IsValidForDagConversion(s) {
		t.Fatal("expected valid structure to pass")
	}
}

func TestBuildDAGFromStructurePrefixesTaskIDs(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	tasks, ok := BuildDAGFromStructure(s, false)
	if !ok {
		t.Fatal("expected conversion to succeed")
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	byID := map[string][]string{}
	for _, task := range tasks {
		byID[task.ID] = task.DependsOn
	}
	deps, ok := byID["task_b"]
	if !ok {
		t.Fatal("expected task_b to exist")
	}
	if len(deps) != 1 || deps[0] != "task_a" {
		t.Fatalf("expected task_b to depend on task_a, got %v", deps)
	}
}

func TestBuildDAGFromStructureMaterializesDecisionGate(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{{ID: "branch", Decision: true}}}

	tasks, ok := BuildDAGFromStructure(s, true)
	if !ok {
		t.Fatal("expected conversion to succeed")
	}
	if tasks[0].Gate == "" {
		t.Fatal("expected decision task to carry a gate when materializeDecisions is true")
	}

	tasks, ok = BuildDAGFromStructure(s, false)
	if !ok {
		t.Fatal("expected conversion to succeed")
	}
	if tasks[0].Gate != "" {
		t.Fatal("expected decision task to be ungated when materializeDecisions is false")
	}
}

func TestBuildDAGFromStructureRejectsInvalidStructure(t *testing.T) {
	s := StaticStructure{Nodes: []StaticNode{{ID: "a", DependsOn: []string{"ghost"}}}}
	if _, ok := BuildDAGFromStructure(s, false); ok {
		t.Fatal("expected invalid structure to signal fallback to sandbox execution")
	}
}
