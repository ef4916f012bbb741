package resolve

import "github.com/pmlrun/gateway/internal/dagexec"

// StaticNode is one node of a code-to-nodes analysis produced by an
// external static analyzer: a call site or branch point discovered by
// reading source, not by observing an execution trace.
type StaticNode struct {
	ID        string
	DependsOn []string

	// Decision marks a branch point (an if/switch the analyzer found)
	// rather than a plain call. Materialized as an AIL gate task when the
	// caller asks for it; otherwise carried through as an ungated task.
	Decision bool
}

// StaticStructure is the analyzer's whole-graph output.
type StaticStructure struct {
	Nodes []StaticNode
}

// IsValidForDagConversion reports whether structure has unique, fully
// resolvable node ids and no dependency cycle — the precondition
// BuildDAGFromStructure requires before it will emit a DAG. A structure
// that fails this check means the caller must fall back to sandbox
// execution instead of trying to run it as a DAG.
func IsValidForDagConversion(s StaticStructure) bool {
	if len(s.Nodes) == 0 {
		return false
	}
	seen := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" || seen[n.ID] {
			return false
		}
		seen[n.ID] = true
	}
	for _, n := range s.Nodes {
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return false
			}
		}
	}
	return !hasCycle(s)
}

func hasCycle(s StaticStructure) bool {
	deps := make(map[string][]string, len(s.Nodes))
	for _, n := range s.Nodes {
		deps[n.ID] = n.DependsOn
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(s.Nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for _, n := range s.Nodes {
		if visit(n.ID) {
			return true
		}
	}
	return false
}

// BuildDAGFromStructure converts a validated static structure into
// dagexec.Task stubs: task ids are prefixed "task_<nodeId>", dependencies
// follow the structure's edges under the same prefix, and a Decision node
// is materialized as an AIL gate task when materializeDecisions is true
// (an ungated pass-through task otherwise). Every Task's Run is left nil —
// the caller binds the real work before handing the graph to
// dagexec.NewGraph, since a static analysis alone doesn't know how to
// execute a node. Returns (nil, false) when structure fails
// IsValidForDagConversion, signaling the caller to fall back to sandbox
// execution.
func BuildDAGFromStructure(s StaticStructure, materializeDecisions bool) ([]dagexec.Task, bool) {
	if !IsValidForDagConversion(s) {
		return nil, false
	}
	tasks := make([]dagexec.Task, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		deps := make([]string, len(n.DependsOn))
		for i, d := range n.DependsOn {
			deps[i] = "task_" + d
		}
		t := dagexec.Task{ID: "task_" + n.ID, DependsOn: deps}
		if n.Decision && materializeDecisions {
			t.Gate = dagexec.GateAIL
		}
		tasks = append(tasks, t)
	}
	return tasks, true
}
