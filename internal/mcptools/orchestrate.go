package mcptools

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/pmlrun/gateway/internal/dagexec"
	"github.com/pmlrun/gateway/internal/gwerrors"
	"github.com/pmlrun/gateway/internal/resolve"
	"github.com/pmlrun/gateway/internal/sandbox"
	"github.com/pmlrun/gateway/internal/search"
)

// pml:discover and pml:execute are the two builtin tools
// internal/dispatch's MCP surface always advertises (plus their
// deprecated synonyms, already folded onto these two canonical names by
// dispatch.CanonicalToolName before a Bridge ever sees them). Wiring them
// here — rather than in internal/dispatch itself — keeps dispatch a thin
// JSON-RPC/HTTP shell: every tool call, builtin or backend-provided, goes
// through the same Bridge.InvokeTool front door.

// SetSearch wires e as the handler for the "pml:discover" builtin tool. A
// nil engine (the default) makes pml:discover return gwerrors.Unavailable.
func (b *Bridge) SetSearch(e *search.Engine) { b.search = e }

// SetDAGConcurrency bounds how many tasks in one "pml:execute" DAG layer
// run concurrently. 0 (the default) falls back to dagexec.New's own
// default.
func (b *Bridge) SetDAGConcurrency(n int) { b.dagConcurrency = n }

// discoverArgs is pml:discover's argument contract: an already-computed
// query embedding plus the same filters internal/search.Options exposes.
// There is no embedding model in this gateway's own dependency stack, so
// callers (the MCP client, or a capability wrapping one) are expected to
// supply the vector themselves; this tool is the scoring/ranking step,
// not the embedding step.
type discoverArgs struct {
	Embedding []float32 `json:"embedding"`
	Mode      string    `json:"mode"`     // "unified" (default) or "discover"
	Type      string    `json:"type"`     // "tool" | "capability" | "all"
	Limit     int       `json:"limit"`
	MinScore  float64   `json:"min_score"`
}

func (b *Bridge) runDiscover(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if b.search == nil {
		return nil, gwerrors.Unavailable("search engine not configured")
	}
	da := decodeDiscoverArgs(args)
	if len(da.Embedding) == 0 {
		return nil, gwerrors.Validation("pml:discover requires a non-empty embedding")
	}

	opts := search.Options{Type: da.Type, Limit: da.Limit, MinScore: da.MinScore}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	query := pgvector.NewVector(da.Embedding)

	if da.Mode == "discover" {
		return b.search.Discover(ctx, query, opts)
	}
	return b.search.UnifiedSearch(ctx, query, opts)
}

func decodeDiscoverArgs(args map[string]interface{}) discoverArgs {
	var da discoverArgs
	if v, ok := args["mode"].(string); ok {
		da.Mode = v
	}
	if v, ok := args["type"].(string); ok {
		da.Type = v
	}
	if v, ok := args["limit"].(float64); ok {
		da.Limit = int(v)
	}
	if v, ok := args["min_score"].(float64); ok {
		da.MinScore = v
	}
	if raw, ok := args["embedding"].([]interface{}); ok {
		da.Embedding = make([]float32, len(raw))
		for i, v := range raw {
			if f, ok := v.(float64); ok {
				da.Embedding[i] = float32(f)
			}
		}
	}
	return da
}

// executeArgs is pml:execute's argument contract: a single capability_id
// (the sequential CallCapability path), an inline DAG of tasks run through
// internal/dagexec, or inline code run through the sandbox worker bridge.
type executeArgs struct {
	CapabilityID  string
	Tasks         []taskSpec
	Code          string
	Permission    sandbox.PermissionSet
	ParentTraceID string
}

type taskSpec struct {
	ID         string
	DependsOn  []string
	ToolID     string
	Pure       bool
	Gate       dagexec.GateKind
	Args       map[string]interface{}
	ArgsSchema resolve.ArgsSchema
}

func (b *Bridge) runExecute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	ea, err := decodeExecuteArgs(args)
	if err != nil {
		return nil, err
	}
	if ea.CapabilityID != "" {
		return b.CallCapability(ctx, ea.CapabilityID, args)
	}
	if ea.Code != "" {
		return b.runCode(ctx, ea.Code, ea.Permission, ea.ParentTraceID)
	}
	if len(ea.Tasks) == 0 {
		return nil, gwerrors.Validation("pml:execute requires capability_id, code, or tasks")
	}
	return b.runDAG(ctx, ea.Tasks)
}

func (b *Bridge) runDAG(ctx context.Context, specs []taskSpec) (map[string]dagexec.Result, error) {
	tasks := make([]dagexec.Task, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		tasks = append(tasks, dagexec.Task{
			ID:        spec.ID,
			DependsOn: spec.DependsOn,
			Pure:      spec.Pure,
			Gate:      spec.Gate,
			Run: func(ctx context.Context, deps map[string]interface{}) (interface{}, error) {
				callArgs := spec.Args
				if spec.ArgsSchema != nil {
					resolved := resolve.ResolveArguments(spec.ArgsSchema, resolve.Context{Parameters: spec.Args}, deps)
					callArgs = resolve.MergeArguments(resolved, spec.Args)
				}
				return b.InvokeTool(ctx, spec.ToolID, callArgs)
			},
		})
	}

	graph, err := dagexec.NewGraph(tasks)
	if err != nil {
		return nil, fmt.Errorf("pml:execute: %w", err)
	}
	executor := dagexec.New(b.execLog, graph, b.dagConcurrency)
	executor.Gate = b.gate
	return executor.Run(ctx)
}

func decodeExecuteArgs(args map[string]interface{}) (executeArgs, error) {
	var ea executeArgs
	if v, ok := args["capability_id"].(string); ok {
		ea.CapabilityID = v
	}
	if v, ok := args["code"].(string); ok {
		ea.Code = v
	}
	if v, ok := args["permission"].(string); ok {
		ea.Permission = sandbox.PermissionSet(v)
	}
	if v, ok := args["parent_trace_id"].(string); ok {
		ea.ParentTraceID = v
	}
	raw, ok := args["tasks"].([]interface{})
	if !ok {
		return ea, nil
	}
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return executeArgs{}, gwerrors.Validation("pml:execute: each task must be an object")
		}
		spec := taskSpec{}
		if v, ok := m["id"].(string); ok {
			spec.ID = v
		}
		if v, ok := m["tool_id"].(string); ok {
			spec.ToolID = v
		}
		if v, ok := m["pure"].(bool); ok {
			spec.Pure = v
		}
		if v, ok := m["gate"].(string); ok {
			spec.Gate = dagexec.GateKind(v)
		}
		if deps, ok := m["depends_on"].([]interface{}); ok {
			for _, d := range deps {
				if s, ok := d.(string); ok {
					spec.DependsOn = append(spec.DependsOn, s)
				}
			}
		}
		if a, ok := m["args"].(map[string]interface{}); ok {
			spec.Args = a
		}
		if spec.ID == "" || spec.ToolID == "" {
			return executeArgs{}, gwerrors.Validation("pml:execute: task requires id and tool_id")
		}
		ea.Tasks = append(ea.Tasks, spec)
	}
	return ea, nil
}
