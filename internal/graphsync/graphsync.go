// Package graphsync implements the Graph-Sync Controller (component K): an
// internal/bus subscriber that turns capability-lifecycle and
// DAG-execution events into internal/graph node/edge mutations, keeping the
// Knowledge Graph eventually consistent with what the rest of the gateway
// actually does rather than requiring every component to write to the
// graph directly.
//
// This inversion-of-control shape (components only ever Emit; the graph
// never gets written to except through this one subscriber) is the design
// called for directly — no single teacher file owns it, so the wiring
// style is grounded on how the teacher assembles subsystems around its own
// event bus in internal/controlplane/server/server.go (components are
// handed a shared *events.Bus at construction and react to it, rather than
// polling or being polled).
package graphsync

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/graph"
)

// ToolCallEvent is the Payload shape emitted for "tool.call.completed".
type ToolCallEvent struct {
	ToolID       string
	DependsOnIDs []string
	Confidence   float64
}

// CapabilityEvent is the Payload shape emitted for "capability.zone.created"
// / "capability.zone.updated". Embedding is nil when the capability has no
// stored embedding yet — registration with the external Learner is skipped
// in that case.
type CapabilityEvent struct {
	CapabilityID string
	ContainsIDs  []string // tool/operation ids this capability wraps
	Embedding    []float32
}

// SequenceEvent is the Payload shape emitted for "dag.task.completed",
// recording that FromID ran immediately before ToID within one DAG run.
type SequenceEvent struct {
	FromID     string
	ToID       string
	Confidence float64
}

// CodeTraceEvent is the Payload shape emitted for "trace.code.event",
// carrying one tool_end/capability_end entry from a sandboxed code
// execution's trace timeline. ParentTraceID links it back to whatever
// trace (a capability call, or another code execution) invoked it.
type CodeTraceEvent struct {
	Type          string // "tool_end" | "capability_end"
	TraceID       string
	ParentTraceID string
	Server        string
	Tool          string
	Capability    string
	Success       bool
}

// nodeID resolves the graph node this trace event taught the gateway
// about: serverId:toolName for a tool call, the capability id itself for
// a capability call.
func (e CodeTraceEvent) nodeID() string {
	if e.Type == "capability_end" {
		return e.Capability
	}
	if e.Server != "" {
		return e.Server + ":" + e.Tool
	}
	return e.Tool
}

func (e CodeTraceEvent) nodeType() graph.NodeType {
	if e.Type == "capability_end" {
		return graph.NodeCapability
	}
	return graph.NodeTool
}

// Store is the full-resync source consulted on "capability.merged": loads
// every node and edge, the same way C's own syncFromDatabase does.
type Store interface {
	SyncFromDatabase() (nodes []graph.Node, edges []graph.Edge, err error)
}

// Learner is the external capability learner. RegisterCapability is called
// only for capabilities that carry a stored embedding.
type Learner interface {
	RegisterCapability(capabilityID string, embedding []float32) error
}

// Controller subscribes to a bus and mutates a graph in response.
// Start/Stop are idempotent; events observed after Stop are ignored even
// if they were already in flight on the bus's async delivery.
type Controller struct {
	log     *zap.Logger
	Graph   *graph.Graph
	Store   Store
	Learner Learner
	bus     *bus.Bus

	mu      sync.Mutex
	running bool
	unsubs  []func()

	// traceNodes maps a trace's own TraceID to the graph node it resolved
	// to, so a later event whose ParentTraceID references it can mint the
	// parent->child contains edge. lastSibling maps a parentTraceId to the
	// most recently completed child's node id, so consecutive children of
	// the same parent mint a sequence edge between themselves in call
	// order.
	traceNodes  map[string]string
	lastSibling map[string]string
}

// New creates a Controller bound to b and g. Call Start to begin
// subscribing and Stop to unsubscribe.
func New(log *zap.Logger, b *bus.Bus, g *graph.Graph) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log: log.Named("graphsync"), Graph: g, bus: b,
		traceNodes:  make(map[string]string),
		lastSibling: make(map[string]string),
	}
}

// Start subscribes to the capability lifecycle events. Idempotent: calling
// Start while already running is a no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.unsubs = []func(){
		c.bus.On("capability.zone.created", c.onCapabilityCreated),
		c.bus.On("capability.zone.updated", c.onCapabilityCreated),
		c.bus.On("capability.merged", c.onMerged),
		c.bus.On("dag.task.completed", c.onSequence),
		c.bus.On("trace.code.event", c.onCodeTrace),
	}
}

// Stop unsubscribes from the bus. Idempotent: calling Stop while already
// stopped is a no-op. Events that were already queued on the bus before
// Stop ran are dropped rather than applied, since every handler checks
// c.isRunning() before mutating the graph.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

// Close is an alias for Stop, kept for callers using the
// subscribe-on-construct / unsubscribe-on-shutdown convention used
// elsewhere in the gateway.
func (c *Controller) Close() { c.Stop() }

func (c *Controller) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Controller) ensureNode(id string, t graph.NodeType) {
	if _, ok := c.Graph.Node(id); ok {
		return
	}
	c.Graph.UpsertNode(graph.Node{ID: id, Type: t, Labels: map[string]string{
		"synced_at": time.Now().UTC().Format(time.RFC3339),
	}})
}

func (c *Controller) onCapabilityCreated(evt bus.Event) {
	if !c.isRunning() {
		return
	}
	payload, ok := evt.Payload.(CapabilityEvent)
	if !ok {
		return
	}
	c.ensureNode(payload.CapabilityID, graph.NodeCapability)
	for _, contained := range payload.ContainsIDs {
		c.ensureNode(contained, graph.NodeOperation)
		if err := c.Graph.AddEdge(graph.Edge{
			From:       payload.CapabilityID,
			To:         contained,
			Type:       graph.EdgeContains,
			Confidence: 1.0,
		}); err != nil {
			c.log.Warn("graph sync: add contains edge failed", zap.Error(err))
		}
	}

	if payload.Embedding != nil && c.Learner != nil {
		if err := c.Learner.RegisterCapability(payload.CapabilityID, payload.Embedding); err != nil {
			c.log.Warn("graph sync: external learner registration failed",
				zap.String("capability_id", payload.CapabilityID), zap.Error(err))
		}
	}
}

// onMerged performs a full resync rather than an incremental update: a
// merge can rewrite capability identity (FQDN collisions folding two
// records into one), which an incremental contains-edge patch can't express.
func (c *Controller) onMerged(evt bus.Event) {
	if !c.isRunning() || c.Store == nil {
		return
	}
	if err := c.FullResync(); err != nil {
		c.log.Warn("graph sync: full resync on merge failed", zap.Error(err))
	}
}

// FullResync reloads every node and edge from Store and replays them into
// Graph, the same catch-up path onMerged takes. Exported so cmd/emergated
// can also drive it on a cron schedule: a merge event guarantees resync on
// that one write path, but a cron tick is the backstop against any drift
// a future write path introduces without remembering to emit one.
func (c *Controller) FullResync() error {
	if c.Store == nil {
		return nil
	}
	nodes, edges, err := c.Store.SyncFromDatabase()
	if err != nil {
		return err
	}
	for _, n := range nodes {
		c.Graph.UpsertNode(n)
	}
	for _, e := range edges {
		if err := c.Graph.AddEdge(e); err != nil {
			c.log.Warn("graph sync: add edge during full resync failed", zap.Error(err))
		}
	}
	return nil
}

// onSequence implements "update from execution": each completed DAG task
// observes a sequence edge from the task that ran immediately before it,
// upserting the edge and letting Observe's count/source upgrade apply
// rather than overwriting a prior observation's provenance.
func (c *Controller) onSequence(evt bus.Event) {
	if !c.isRunning() {
		return
	}
	payload, ok := evt.Payload.(SequenceEvent)
	if !ok {
		return
	}
	c.ensureNode(payload.FromID, nodeTypeFromID(payload.FromID))
	c.ensureNode(payload.ToID, nodeTypeFromID(payload.ToID))
	if _, err := c.Graph.Observe(payload.FromID, payload.ToID, graph.EdgeSequence); err != nil {
		c.log.Warn("graph sync: observe sequence edge failed", zap.Error(err))
	}
}

// onCodeTrace implements "update from code trace": a code execution's
// tool_end/capability_end events mint a contains edge from the parent
// trace's resolved node to this call's node, and a sequence edge from the
// previous sibling call (under the same parent) to this one — the same
// parent->child / sibling-order shape a capability_end nested inside
// another code execution produces naturally, since its own TraceID becomes
// the parent for whatever it called in turn.
func (c *Controller) onCodeTrace(evt bus.Event) {
	if !c.isRunning() {
		return
	}
	payload, ok := evt.Payload.(CodeTraceEvent)
	if !ok || !payload.Success {
		return
	}
	childID := payload.nodeID()
	if childID == "" {
		return
	}
	c.ensureNode(childID, payload.nodeType())

	if payload.TraceID != "" {
		c.mu.Lock()
		c.traceNodes[payload.TraceID] = childID
		c.mu.Unlock()
	}
	if payload.ParentTraceID == "" {
		return
	}

	c.mu.Lock()
	parentID, hasParent := c.traceNodes[payload.ParentTraceID]
	prevSibling, hasSibling := c.lastSibling[payload.ParentTraceID]
	c.lastSibling[payload.ParentTraceID] = childID
	c.mu.Unlock()

	if hasParent {
		if _, err := c.Graph.Observe(parentID, childID, graph.EdgeContains); err != nil {
			c.log.Warn("graph sync: observe contains edge from code trace failed", zap.Error(err))
		}
	}
	if hasSibling && prevSibling != childID {
		if _, err := c.Graph.Observe(prevSibling, childID, graph.EdgeSequence); err != nil {
			c.log.Warn("graph sync: observe sequence edge from code trace failed", zap.Error(err))
		}
	}
}

// nodeTypeFromID infers a node type from its FQDN-style id prefix
// (org.project.namespace.action.hash for capabilities vs. a bare tool
// name for tools) since sequence events may reference either.
func nodeTypeFromID(id string) graph.NodeType {
	if strings.Count(id, ".") >= 4 {
		return graph.NodeCapability
	}
	return graph.NodeTool
}
