// Package dagexec implements the Controlled DAG Executor (component H):
// topological depth-layering with per-layer bounded parallelism,
// failed_safe propagation for pure tasks, AIL/HIL decision gates, and
// idempotent checkpointing.
//
// The depth-staged dispatch loop (compute per-node depth as the longest
// dependency chain to a root, sort each depth's names lexically, run a
// worker pool fed by a work channel, advance a stage only once every node
// at that depth has started and finished) is grounded directly on the
// RunParallel method of the pack's DAG executor (script-weaver), reworked
// from a single concurrency-capped worker pool over a static task list into
// one that also stops to await an external decision at gate nodes.
package dagexec

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// Status is a task's terminal or in-flight state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusWaitGate   Status = "waiting_gate"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusFailedSafe Status = "failed_safe"
	StatusSkipped    Status = "skipped"
)

// GateKind distinguishes the two decision-gate flavors a task can require
// before it runs: AIL (another algorithm/model decides) or HIL (a human
// decides).
type GateKind string

const (
	GateNone GateKind = ""
	GateAIL  GateKind = "ail"
	GateHIL  GateKind = "hil"
)

// RunFunc executes one task's work, given the already-resolved results of
// its dependencies keyed by task ID.
type RunFunc func(ctx context.Context, deps map[string]interface{}) (interface{}, error)

// Task is one node in the DAG.
type Task struct {
	ID        string
	DependsOn []string
	Pure      bool // metadata.pure: a failure here is classified failed_safe, not failed
	Gate      GateKind
	Run       RunFunc
}

// Graph is an immutable set of tasks to execute. Build with NewGraph, which
// validates there are no missing dependencies and no cycles.
type Graph struct {
	tasks map[string]Task
	depth map[string]int
	order []string // topological, by increasing depth then lexical id
}

// NewGraph validates tasks (every DependsOn id exists, no cycles) and
// precomputes each task's depth as the longest dependency chain to a root
// (a task with no dependencies has depth 0).
func NewGraph(tasks []Task) (*Graph, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, gwerrors.Validation("duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, gwerrors.Validation("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	depth := make(map[string]int, len(tasks))
	visiting := make(map[string]bool, len(tasks))

	var resolve func(id string) (int, error)
	resolve = func(id string) (int, error) {
		if d, ok := depth[id]; ok {
			return d, nil
		}
		if visiting[id] {
			return 0, gwerrors.Validation("dependency cycle detected at task %q", id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		d := 0
		for _, dep := range byID[id].DependsOn {
			dd, err := resolve(dep)
			if err != nil {
				return 0, err
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		depth[id] = d
		return d, nil
	}

	ids := make([]string, 0, len(tasks))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := resolve(id); err != nil {
			return nil, err
		}
	}

	order := append([]string(nil), ids...)
	sort.Slice(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})

	return &Graph{tasks: byID, depth: depth, order: order}, nil
}

// byDepth groups task ids into depth-ordered stages, each stage's ids
// lexically sorted, matching the teacher's byDepth/sort.Strings step.
func (g *Graph) byDepth() [][]string {
	maxDepth := 0
	for _, d := range g.depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	stages := make([][]string, maxDepth+1)
	for id, d := range g.depth {
		stages[d] = append(stages[d], id)
	}
	for _, stage := range stages {
		sort.Strings(stage)
	}
	return stages
}

// Checkpointer persists task results so a crashed or restarted run can
// resume without redoing completed work — Save/Load must be idempotent:
// calling Save twice with the same (id, result) is a no-op on replay, and
// Load before any Save reports !ok rather than erroring.
type Checkpointer interface {
	Save(ctx context.Context, taskID string, result interface{}) error
	Load(ctx context.Context, taskID string) (result interface{}, ok bool, err error)
}

// GateDecider resolves an AIL/HIL gate for a task, blocking until a
// decision arrives or ctx is done. approve=false means the task (and
// everything downstream of it) is skipped, not failed.
type GateDecider interface {
	Decide(ctx context.Context, taskID string, kind GateKind) (approve bool, err error)
}

// Observer is notified as tasks complete, fail, or are skipped —
// typically wired to internal/bus.Emit so other components can react.
type Observer interface {
	OnTaskTerminal(taskID string, status Status, result interface{}, err error)
}

// Result is one task's outcome.
type Result struct {
	TaskID string
	Status Status
	Value  interface{}
	Err    error
}

// Executor runs a Graph's tasks depth-stage by depth-stage, bounded by
// Concurrency in-flight tasks per stage, never starting a stage's tasks
// before every task at the previous depth has reached a terminal state.
type Executor struct {
	log         *zap.Logger
	Graph       *Graph
	Concurrency int
	Checkpoint  Checkpointer
	Gate        GateDecider
	Observer    Observer
}

// New creates an Executor. concurrency <= 0 defaults to 4.
func New(log *zap.Logger, g *Graph, concurrency int) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Executor{log: log.Named("dagexec"), Graph: g, Concurrency: concurrency}
}

type workItem struct {
	id string
}

type workResult struct {
	id     string
	status Status
	value  interface{}
	err    error
}

// Run executes every task in the graph and returns each task's terminal
// Result, keyed by task ID. A pure task's failure does not
// fail the run: downstream tasks depending on it are marked Skipped, and
// the failing task itself is recorded as StatusFailedSafe rather than
// StatusFailed.
func (e *Executor) Run(ctx context.Context) (map[string]Result, error) {
	results := make(map[string]Result, len(e.Graph.tasks))
	var mu sync.Mutex

	skipped := make(map[string]bool)

	stages := e.Graph.byDepth()
	for _, names := range stages {
		if err := e.runStage(ctx, names, results, &mu, skipped); err != nil {
			return results, err
		}
	}

	return results, nil
}

func (e *Executor) runStage(ctx context.Context, names []string, results map[string]Result, mu *sync.Mutex, skipped map[string]bool) error {
	workCh := make(chan workItem, e.Concurrency)
	doneCh := make(chan workResult, len(names))

	var wg sync.WaitGroup
	for i := 0; i < e.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range workCh {
				doneCh <- e.runOne(ctx, item.id, results, mu, skipped)
			}
		}()
	}

	go func() {
		for _, name := range names {
			select {
			case workCh <- workItem{id: name}:
			case <-ctx.Done():
			}
		}
		close(workCh)
	}()

	go func() {
		wg.Wait()
		close(doneCh)
	}()

	for wr := range doneCh {
		mu.Lock()
		results[wr.id] = Result{TaskID: wr.id, Status: wr.status, Value: wr.value, Err: wr.err}
		if wr.status == StatusFailed || wr.status == StatusFailedSafe || wr.status == StatusSkipped {
			e.propagateSkip(wr.id, names, skipped)
		}
		mu.Unlock()
		if e.Observer != nil {
			e.Observer.OnTaskTerminal(wr.id, wr.status, wr.value, wr.err)
		}
	}

	if ctx.Err() != nil {
		return gwerrors.Timeout("dag execution cancelled: %v", ctx.Err())
	}
	return nil
}

// propagateSkip marks every task in the graph that (transitively) depends
// on failedID as skipped — a lightweight analogue of the teacher DAG
// executor's downstreamReachable/FailAndPropagate. Dependents in later
// stages see the mark when runOne checks skipped[] before running them.
func (e *Executor) propagateSkip(failedID string, stageNames []string, skipped map[string]bool) {
	skipped[failedID] = true
	changed := true
	for changed {
		changed = false
		for id, t := range e.Graph.tasks {
			if skipped[id] {
				continue
			}
			for _, dep := range t.DependsOn {
				if skipped[dep] {
					skipped[id] = true
					changed = true
					break
				}
			}
		}
	}
}

func (e *Executor) runOne(ctx context.Context, id string, results map[string]Result, mu *sync.Mutex, skipped map[string]bool) workResult {
	mu.Lock()
	isSkipped := skipped[id]
	mu.Unlock()
	if isSkipped {
		return workResult{id: id, status: StatusSkipped}
	}

	task := e.Graph.tasks[id]

	if e.Checkpoint != nil {
		if v, ok, err := e.Checkpoint.Load(ctx, id); err == nil && ok {
			return workResult{id: id, status: StatusCompleted, value: v}
		}
	}

	if task.Gate != GateNone {
		if e.Gate == nil {
			return e.fail(task, fmt.Errorf("task %q requires a %s gate but no GateDecider is configured", id, task.Gate))
		}
		approve, err := e.Gate.Decide(ctx, id, task.Gate)
		if err != nil {
			return e.fail(task, err)
		}
		if !approve {
			return workResult{id: id, status: StatusSkipped}
		}
	}

	deps := make(map[string]interface{}, len(task.DependsOn))
	mu.Lock()
	for _, dep := range task.DependsOn {
		deps[dep] = results[dep].Value
	}
	mu.Unlock()

	value, err := task.Run(ctx, deps)
	if err != nil {
		return e.fail(task, err)
	}

	if e.Checkpoint != nil {
		_ = e.Checkpoint.Save(ctx, id, value)
	}

	return workResult{id: id, status: StatusCompleted, value: value}
}

func (e *Executor) fail(task Task, err error) workResult {
	status := StatusFailed
	if task.Pure {
		status = StatusFailedSafe
	}
	return workResult{id: task.ID, status: status, err: err}
}
