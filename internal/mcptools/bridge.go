// Package mcptools bridges the Sandbox Worker Bridge (component G) back to
// the gateway's own tool surface: a sandboxed worker's mcp.<server>.<tool>
// and capabilities.<name> calls (internal/sandbox.RPCHandler) are resolved
// here against a pooled internal/mcpclient.Connection or the capability
// registry, respectively.
//
// The registry-of-named-backends shape is grounded on the teacher's
// internal/tools.Registry (a name -> implementation map other subsystems
// call through), generalized from one flat tool namespace into two:
// backing MCP servers (acquired through internal/pool, which owns their
// connection lifecycle) and in-gateway capabilities (resolved through
// internal/capability.Registry directly, no pool needed since nothing
// external is dialed).
package mcptools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/capability"
	"github.com/pmlrun/gateway/internal/dagexec"
	"github.com/pmlrun/gateway/internal/graphsync"
	"github.com/pmlrun/gateway/internal/gwerrors"
	"github.com/pmlrun/gateway/internal/mcpclient"
	"github.com/pmlrun/gateway/internal/mcptools/ssh"
	"github.com/pmlrun/gateway/internal/pool"
	"github.com/pmlrun/gateway/internal/sandbox"
	"github.com/pmlrun/gateway/internal/search"
)

// toolCaller is the subset of *internal/mcpclient.Connection a Bridge
// needs, declared locally so tests can stand in a fake pool.Conn without
// dialing a real MCP server.
type toolCaller interface {
	pool.Conn
	InvokeTool(ctx context.Context, toolName string, args map[string]any) (any, error)
}

// Bridge calls one backing tool by its qualified "mcp.<server>.<tool>" or
// bare tool id. internal/dispatch.ToolInvoker and internal/sandbox.Worker's
// RPCHandler are both satisfied by a Bridge through thin wrapper methods,
// so a single bridge serves both the MCP transports and the sandbox.
type Bridge struct {
	pool          *pool.Pool
	capabilities  *capability.Registry
	ssh           *ssh.Tool
	search        *search.Engine
	gate          dagexec.GateDecider
	sandboxWorker *sandbox.Worker
	bus           *bus.Bus

	execLog        *zap.Logger
	dagConcurrency int

	mu        sync.RWMutex
	endpoints map[string]string
}

// SetSSHTool wires t as the handler for the ssh.ToolName ("ssh.exec") tool
// id, letting operators expose SSH-backed hosts the same way they expose
// MCP backends.
func (b *Bridge) SetSSHTool(t *ssh.Tool) { b.ssh = t }

// SetGateDecider wires g as the gate resolver for "pml:execute" DAG tasks
// declared with a non-empty gate kind (see taskSpec.Gate). Left nil, any
// task requiring a gate fails immediately rather than running unattended.
func (b *Bridge) SetGateDecider(g dagexec.GateDecider) { b.gate = g }

// SetSandboxWorker wires w as the executor for "pml:execute" calls carrying
// inline code. Left nil, such calls fail with gwerrors.Unavailable.
func (b *Bridge) SetSandboxWorker(w *sandbox.Worker) { b.sandboxWorker = w }

// SetBus wires b's event bus so runCode can publish the code-trace events
// internal/graphsync's Graph-Sync Controller mines for contains/sequence
// edges. Left nil, inline code still runs; the graph simply never learns
// from it.
func (b *Bridge) SetBus(bb *bus.Bus) { b.bus = bb }

// New creates a Bridge, owning its own internal/pool.Pool whose factory
// dials mcpclient connections against whatever endpoint was last
// registered for a backend name via RegisterMCPServer. capabilities may be
// nil if the gateway runs with no capability registry wired yet.
func New(log *zap.Logger, capabilities *capability.Registry) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bridge{capabilities: capabilities, execLog: log, endpoints: make(map[string]string)}
	b.pool = pool.New(log, b.dial)
	return b
}

func (b *Bridge) dial(ctx context.Context, backend string) (pool.Conn, error) {
	b.mu.RLock()
	endpoint, ok := b.endpoints[backend]
	b.mu.RUnlock()
	if !ok {
		return nil, gwerrors.NotFound("no endpoint registered for MCP backend %q", backend)
	}
	return mcpclient.Dial(ctx, backend, endpoint, 0)
}

// RegisterMCPServer registers server as a pool backend whose connections
// are dialed against endpoint.
func (b *Bridge) RegisterMCPServer(name, endpoint string, maxSize int, acquireWait time.Duration) {
	b.mu.Lock()
	b.endpoints[name] = endpoint
	b.mu.Unlock()
	b.pool.Register(pool.Backend{Name: name, MaxSize: maxSize, AcquireWait: acquireWait})
}

// Pool exposes the underlying connection pool for health/metrics reporting.
func (b *Bridge) Pool() *pool.Pool { return b.pool }

// CallMCPTool implements internal/sandbox.RPCHandler: proxies a sandboxed
// worker's mcp.<server>.<tool>(args) call to a pooled backend connection.
func (b *Bridge) CallMCPTool(ctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error) {
	conn, err := b.pool.Acquire(ctx, server)
	if err != nil {
		return nil, err
	}
	mcpConn, ok := conn.(toolCaller)
	if !ok {
		b.pool.Release(ctx, server, conn)
		return nil, gwerrors.Internal(nil, "backend %q is not an MCP connection", server)
	}
	result, err := mcpConn.InvokeTool(ctx, tool, args)
	b.pool.Release(ctx, server, conn)
	return result, err
}

// CallCapability implements internal/sandbox.RPCHandler: runs every tool a
// registered capability wraps, in declaration order, recording the
// capability's usage outcome on the registry. This is a simplified,
// sequential invocation — the full dependency-ordered DAG execution path
// (argument resolution, parallel stages) belongs to the Controlled DAG
// Executor once a capability call needs to fan out across tools with
// interdependent arguments.
func (b *Bridge) CallCapability(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if b.capabilities == nil {
		return nil, gwerrors.Unavailable("capability registry not configured")
	}
	cap, err := b.capabilities.Get(name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := make(map[string]interface{}, len(cap.ToolIDs))
	for _, toolID := range cap.ToolIDs {
		result, err := b.InvokeTool(ctx, toolID, args)
		if err != nil {
			_ = b.capabilities.RecordUsage(name, false, uint64(time.Since(start).Milliseconds()))
			return nil, fmt.Errorf("capability %q: tool %q: %w", name, toolID, err)
		}
		results[toolID] = result
	}
	_ = b.capabilities.RecordUsage(name, true, uint64(time.Since(start).Milliseconds()))
	return results, nil
}

// runCode executes an inline code snippet through the sandbox worker
// bridge, proxying its mcp./capabilities. calls back through this same
// Bridge (it implements sandbox.RPCHandler) and publishing the resulting
// trace timeline onto the bus so internal/graphsync can mint contains and
// sequence edges between whatever tools/capabilities the code called.
func (b *Bridge) runCode(ctx context.Context, code string, perm sandbox.PermissionSet, parentTraceID string) (interface{}, error) {
	if b.sandboxWorker == nil {
		return nil, gwerrors.Unavailable("sandbox worker not configured")
	}
	if perm == "" {
		perm = sandbox.PermMinimal
	}

	res, err := b.sandboxWorker.Run(ctx, code, perm, b, parentTraceID)
	b.publishTraces(res.Traces)
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, gwerrors.Internal(nil, "sandbox execution failed: %s", res.Error)
	}
	return map[string]interface{}{
		"success": res.Success,
		"result":  res.Value,
		"traces":  res.Traces,
	}, nil
}

func (b *Bridge) publishTraces(traces []sandbox.TraceEvent) {
	if b.bus == nil {
		return
	}
	for _, ev := range traces {
		if ev.Type != "tool_end" && ev.Type != "capability_end" {
			continue
		}
		b.bus.Emit(bus.Event{
			Type:   "trace.code.event",
			Source: "sandbox",
			Payload: graphsync.CodeTraceEvent{
				Type:          ev.Type,
				TraceID:       ev.TraceID,
				ParentTraceID: ev.ParentTraceID,
				Server:        ev.Server,
				Tool:          ev.Tool,
				Capability:    ev.Capability,
				Success:       ev.Success,
			},
		})
	}
}

// InvokeTool implements internal/dispatch.ToolInvoker, so a Bridge can be
// handed straight to internal/dispatch.Deps.Tools and
// internal/transport/stdio.New: toolID is "pml:discover", "pml:execute",
// "mcp.<server>.<tool>" (routed through the pool), ssh.ToolName (when an
// SSH tool is set), or otherwise a bare capability id (routed through the
// registry).
func (b *Bridge) InvokeTool(ctx context.Context, toolID string, args map[string]interface{}) (interface{}, error) {
	switch toolID {
	case "pml:discover":
		return b.runDiscover(ctx, args)
	case "pml:execute":
		return b.runExecute(ctx, args)
	}
	if rest, ok := strings.CutPrefix(toolID, "mcp."); ok {
		server, tool, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, gwerrors.Validation("malformed mcp tool id %q, expected mcp.<server>.<tool>", toolID)
		}
		return b.CallMCPTool(ctx, server, tool, args)
	}
	if toolID == ssh.ToolName && b.ssh != nil {
		return b.ssh.Execute(ctx, args)
	}
	return b.CallCapability(ctx, toolID, args)
}
