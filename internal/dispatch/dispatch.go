// Package dispatch assembles the gateway's HTTP surface on top of Router,
// an ordered {method, pattern, handler} table (see router.go) grounded on
// SPEC_FULL.md's request dispatcher rather than on Go 1.22's ServeMux,
// which cannot express the spec's regex patterns or registration-order
// tie-breaking. Optional subsystems that haven't been wired up yet degrade
// to a 503 "unavailable" stub rather than a panic, mirroring the teacher's
// nil-handler-falls-back-to-Unavailable convention in routes.go.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/approval"
	"github.com/pmlrun/gateway/internal/audit"
	"github.com/pmlrun/gateway/internal/auth"
	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/capability"
	"github.com/pmlrun/gateway/internal/dagexec"
	"github.com/pmlrun/gateway/internal/graph"
	"github.com/pmlrun/gateway/internal/gwerrors"
	"github.com/pmlrun/gateway/internal/sse"
)

// ToolInvoker dispatches a resolved tool/capability call. Implemented by
// internal/mcptools.Bridge; kept as an interface here so the router can be
// assembled and tested without it.
type ToolInvoker interface {
	InvokeTool(ctx context.Context, toolID string, args map[string]any) (any, error)
}

// Deps bundles every component the router can expose. Fields left nil
// degrade their routes to an "unavailable" stub rather than being omitted,
// so a client always gets a crisp 503 instead of a 404 for a recognized
// but not-yet-wired path.
type Deps struct {
	Log          *zap.Logger
	Bus          *bus.Bus
	Graph        *graph.Graph
	Auth         *auth.KeyStore
	AuthMode     auth.Mode
	SSE          *sse.Manager
	Executor     *dagexec.Executor
	Tools        ToolInvoker
	Capabilities *capability.Registry
	Dependencies *capability.DependencyStore
	Approvals    *approval.Queue
	Metrics      prometheus.Gatherer
	RateLimiter  *auth.RateLimiter
	Audit        *audit.Log

	// DashboardOrigin is where GET /dashboard 302-redirects to.
	DashboardOrigin string

	// Domain names the public hostname used for the CORS origin in cloud
	// mode ("https://" + Domain). LocalPort is the port advertised as
	// "http://localhost:<port>" in local mode. Neither ever widens to "*":
	// the auth gate's spec explicitly forbids a wildcard origin.
	Domain    string
	LocalPort int
}

// Version info injected at build time by cmd/emergated.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRouter assembles the full HTTP handler: routes wrapped by the auth
// gate, wrapped by CORS. CORS sits outermost so its headers are present on
// every response, including a 401 the auth gate rejects before the route
// table ever runs.
func NewRouter(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	rt := newRouter()
	registerRoutes(rt, d)

	var handler http.Handler = rt
	if d.RateLimiter != nil {
		handler = auth.RateLimitMiddleware(d.RateLimiter)(handler)
	}
	if d.Auth != nil {
		mw := auth.NewMiddleware(d.Auth, d.AuthMode, []string{"/health"})
		handler = mw.Wrap(handler)
	}
	return corsMiddleware(corsOrigin(d), handler)
}

func corsOrigin(d Deps) string {
	if d.AuthMode == auth.ModeCloud {
		return "https://" + d.Domain
	}
	port := d.LocalPort
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

func registerRoutes(rt *Router, d Deps) {
	rt.Get("/health", handleHealth)

	rt.Get("/api/graph/snapshot", handleGraphSnapshot(d))
	rt.Get("/api/graph/path", handleGraphPath(d))
	rt.Get("/api/graph/related", handleGraphRelated(d))
	rt.Get("/api/graph/hypergraph", handleGraphHypergraph(d))

	rt.Get("/api/capabilities", handleCapabilitiesList(d))
	rt.Get("/api/capabilities/:id/dependencies", handleDependenciesList(d))
	rt.Post("/api/capabilities/:id/dependencies", handleDependenciesCreate(d))
	rt.Delete("/api/capabilities/:id/dependencies/:depId", handleDependenciesDelete(d))

	rt.Get("/api/approvals", handleApprovalsList(d))
	rt.Post("/api/approvals/:id/decide", handleApprovalsDecide(d))

	rt.Get("/api/keys", handleKeysList(d))
	rt.Post("/api/keys", handleKeysCreate(d))
	rt.Delete("/api/keys/:id", handleKeysRevoke(d))

	rt.Get("/api/metrics", handleMetrics(d))
	rt.Get("/api/audit", handleAuditList(d))
	rt.Get("/events/stream", handleEventsStream(d))

	rt.Post("/mcp", handleMCP(d))
	rt.Get("/dashboard", handleDashboard(d))
}

// corsMiddleware applies the spec's non-wildcard CORS contract: a fixed,
// mode-derived origin on every response, and a bare 200 (not 204) for
// preflight.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "x-api-key,Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleUnavailable(reason string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusServiceUnavailable, "unavailable", reason)
	}
}

func handleGraphSnapshot(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Graph == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "graph not configured")
			return
		}
		nodes := d.Graph.AllNodes()
		edges := d.Graph.AllEdges()
		writeJSON(w, http.StatusOK, map[string]any{
			"nodes": nodes,
			"edges": edges,
			"metadata": map[string]any{
				"node_count": len(nodes),
				"edge_count": len(edges),
			},
		})
	}
}

func handleGraphPath(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Graph == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "graph not configured")
			return
		}
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if from == "" || to == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "both 'from' and 'to' query parameters are required")
			return
		}
		path, _, err := d.Graph.ShortestPath(from, to)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": path})
	}
}

func handleGraphRelated(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Graph == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "graph not configured")
			return
		}
		toolID := r.URL.Query().Get("tool_id")
		if toolID == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "'tool_id' query parameter is required")
			return
		}
		limit := 10
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		related := d.Graph.Neighbors(toolID)
		if len(related) > limit {
			related = related[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"tool_id": toolID, "related": related})
	}
}

func handleGraphHypergraph(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Graph == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "graph not configured")
			return
		}
		q := r.URL.Query()
		includeTools := q.Get("include_tools") != "false"
		minSuccessRate := 0.0
		if raw := q.Get("min_success_rate"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 || v > 1 {
				writeError(w, http.StatusBadRequest, "validation_error", "min_success_rate must be a number in [0,1]")
				return
			}
			minSuccessRate = v
		}

		nodes := make([]graph.Node, 0)
		for _, n := range d.Graph.AllNodes() {
			if n.Type == graph.NodeTool && !includeTools {
				continue
			}
			rate := 0.7
			if n.SuccessRate != nil {
				rate = *n.SuccessRate
			}
			if rate < minSuccessRate {
				continue
			}
			nodes = append(nodes, n)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"nodes": nodes,
			"edges": d.Graph.AllEdges(),
		})
	}
}

func handleCapabilitiesList(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Capabilities == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "capability registry not configured")
			return
		}
		q := r.URL.Query()
		query := capability.ListQuery{Sort: q.Get("sort")}
		if raw := q.Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				query.Limit = n
			}
		}
		if raw := q.Get("offset"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				query.Offset = n
			}
		}
		if raw := q.Get("min_success_rate"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 || v > 1 {
				writeError(w, http.StatusBadRequest, "validation_error", "min_success_rate must be a number in [0,1]")
				return
			}
			query.MinSuccessRate = v
		}
		page, total := d.Capabilities.ListFiltered(query)
		writeJSON(w, http.StatusOK, map[string]any{"capabilities": page, "total": total})
	}
}

func handleDependenciesList(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Dependencies == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "dependency store not configured")
			return
		}
		id := Param(r, "id")
		writeJSON(w, http.StatusOK, map[string]any{
			"dependencies": d.Dependencies.GetDependencies(id, capability.DirectionBoth),
		})
	}
}

func handleDependenciesCreate(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Dependencies == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "dependency store not configured")
			return
		}
		id := Param(r, "id")
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "capability id must be a valid UUID")
			return
		}
		var body struct {
			To         string                `json:"to"`
			EdgeType   capability.EdgeType   `json:"edge_type"`
			EdgeSource capability.EdgeSource `json:"edge_source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" || body.EdgeType == "" {
			writeError(w, http.StatusBadRequest, "validation_error", "'to' and 'edge_type' are required")
			return
		}
		if body.EdgeSource == "" {
			body.EdgeSource = capability.SourceDeclared
		}
		dep, err := d.Dependencies.AddDependency(id, body.To, body.EdgeType, body.EdgeSource)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		if d.Audit != nil {
			d.Audit.Emit(audit.EventDependencyAdded, actorFromRequest(r), dep.ID, fmt.Sprintf("%s -> %s", id, body.To))
		}
		writeJSON(w, http.StatusOK, dep)
	}
}

func handleDependenciesDelete(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Dependencies == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "dependency store not configured")
			return
		}
		depID := Param(r, "depId")
		if _, err := uuid.Parse(depID); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "dependency id must be a valid UUID")
			return
		}
		if err := d.Dependencies.RemoveDependency(depID); err != nil {
			writeGatewayError(w, err)
			return
		}
		if d.Audit != nil {
			d.Audit.Emit(audit.EventDependencyRemoved, actorFromRequest(r), depID, "dependency removed")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleApprovalsList(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Approvals == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "approval queue not configured")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pending": d.Approvals.Pending()})
	}
}

func handleApprovalsDecide(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Approvals == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "approval queue not configured")
			return
		}
		id := Param(r, "id")
		var body struct {
			Approve   bool   `json:"approve"`
			DecidedBy string `json:"decided_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "request body must be JSON")
			return
		}
		req, err := d.Approvals.Decide(id, body.Approve, body.DecidedBy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		if d.Audit != nil {
			decision := "rejected"
			if body.Approve {
				decision = "approved"
			}
			d.Audit.Emit(audit.EventApprovalDecided, body.DecidedBy, id, decision)
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// isAdmin reports whether r is allowed to manage API keys: local mode has
// no caller identity to check (the gate itself is open), so it's always
// allowed; cloud mode requires the caller's own key to carry the "admin"
// permission (or the wildcard "*").
func isAdmin(d Deps, r *http.Request) bool {
	if d.AuthMode != auth.ModeCloud {
		return true
	}
	key, ok := auth.FromContext(r.Context())
	return ok && auth.HasPermission(key, "admin")
}

func handleKeysList(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "key store not configured")
			return
		}
		if !isAdmin(d, r) {
			writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": d.Auth.List()})
	}
}

func handleKeysCreate(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "key store not configured")
			return
		}
		if !isAdmin(d, r) {
			writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
			return
		}
		var body struct {
			Permissions []string `json:"permissions"`
			TTL         string   `json:"ttl,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "request body must be JSON")
			return
		}
		if len(body.Permissions) == 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "at least one permission is required")
			return
		}
		var ttl time.Duration
		if body.TTL != "" {
			parsed, err := time.ParseDuration(body.TTL)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "ttl must be a valid duration string")
				return
			}
			ttl = parsed
		}
		raw, key, err := d.Auth.Create(body.Permissions, ttl)
		if err != nil {
			writeGatewayError(w, err)
			return
		}
		if d.Audit != nil {
			d.Audit.Emit(audit.EventAPIKeyCreated, actorFromRequest(r), key.ID, "api key created")
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"key":       key,
			"plain_key": raw,
			"warning":   "store this key securely, it will not be shown again",
		})
	}
}

func handleKeysRevoke(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Auth == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "key store not configured")
			return
		}
		if !isAdmin(d, r) {
			writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
			return
		}
		id := Param(r, "id")
		d.Auth.Revoke(id)
		if d.Audit != nil {
			d.Audit.Emit(audit.EventAPIKeyRevoked, actorFromRequest(r), id, "api key revoked")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// actorFromRequest names the caller for an audit entry: the authenticated
// key's id in cloud mode, or "local" when the auth gate is a no-op.
func actorFromRequest(r *http.Request) string {
	if key, ok := auth.FromContext(r.Context()); ok {
		return key.ID
	}
	return "local"
}

func handleAuditList(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Audit == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "audit log not configured")
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		f := audit.Filter{Type: audit.EventType(r.URL.Query().Get("type")), Limit: limit}
		writeJSON(w, http.StatusOK, map[string]any{"events": d.Audit.Query(f)})
	}
}

func handleMetrics(d Deps) http.HandlerFunc {
	if d.Metrics == nil {
		return handleUnavailable("metrics registry not configured")
	}
	h := promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})
	return h.ServeHTTP
}

func handleEventsStream(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.SSE == nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
			return
		}
		filters := sse.ParseFilters(r.URL.Query().Get("filter"))
		err := d.SSE.Serve(w, r, filters, 15*time.Second)
		if err == nil {
			return
		}
		var capErr *sse.CapacityError
		if errors.As(err, &capErr) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": "Too many clients", "max": capErr.Max,
			})
			return
		}
		d.Log.Warn("sse stream ended", zap.Error(err))
	}
}

func handleDashboard(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := d.DashboardOrigin
		if origin == "" {
			origin = "/"
		}
		http.Redirect(w, r, origin, http.StatusFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}

func writeGatewayError(w http.ResponseWriter, err error) {
	ge, ok := gwerrors.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeError(w, gwerrors.HTTPStatus(ge.Kind), string(ge.Kind), ge.Message)
}
