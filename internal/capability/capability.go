// Package capability implements the Capability Registry (component E): the
// catalog of composed, reusable tool bundles the gateway can expose as a
// single callable unit, plus the permission tier each capability runs
// under.
//
// The CRUD-registry-that-emits-bus-events shape is grounded on how the
// teacher's internal/skills package is wired into the rest of the system
// (a registry other subsystems subscribe to rather than poll) and on
// internal/bus's event-typed Emit convention already used by components A
// and K.
package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/graphsync"
	"github.com/pmlrun/gateway/internal/gwerrors"
	"github.com/pmlrun/gateway/internal/sandbox"
)

// Visibility controls whether a capability can be resolved by bare name
// from outside its own scope.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Routing selects whether a capability's tools run against local
// connections or are proxied to a remote gateway.
type Routing string

const (
	RoutingLocal  Routing = "local"
	RoutingRemote Routing = "remote"
)

// Capability is a named, versioned bundle of tools exposed as one callable
// unit, running under a single permission tier.
//
// Its identity is split in two: ID is the stable primary key callers
// address it by; Org/Project/Namespace/Action/Hash are the FQDN
// components that make re-creation with the same logical identity an
// idempotent update rather than a new record (see Registry.Register).
type Capability struct {
	ID string

	Org       string
	Project   string
	Namespace string
	Action    string
	Hash      string // 4-char code-content hash

	Name        string
	Description string
	Version     int

	Visibility           Visibility
	Routing              Routing
	Verified             bool
	WorkflowPatternID    string
	PermissionConfidence float64

	Permission sandbox.PermissionSet
	ToolIDs    []string // operations/tools this capability wraps
	CreatedAt  time.Time
	UpdatedAt  time.Time

	UsageCount     uint64
	SuccessCount   uint64
	TotalLatencyMs uint64
}

// SuccessRate is successCount/usageCount, or 0 if never called.
func (c Capability) SuccessRate() float64 {
	if c.UsageCount == 0 {
		return 0
	}
	return float64(c.SuccessCount) / float64(c.UsageCount)
}

// hasFQDN reports whether every FQDN component is set. A capability
// without one (e.g. seeded with only a bare ID, as most of this package's
// own tests do) is addressed purely by ID and never collides on FQDN.
func (c Capability) hasFQDN() bool {
	return c.Org != "" && c.Project != "" && c.Namespace != "" && c.Action != "" && c.Hash != ""
}

// FQDN returns the org.project.namespace.action.hash naming key. Empty if
// hasFQDN is false.
func (c Capability) FQDN() string {
	if !c.hasFQDN() {
		return ""
	}
	return strings.Join([]string{c.Org, c.Project, c.Namespace, c.Action, c.Hash}, ".")
}

// DisplayName is namespace:action, falling back to Name or Action alone
// when namespace is unset.
func (c Capability) DisplayName() string {
	switch {
	case c.Namespace != "" && c.Action != "":
		return c.Namespace + ":" + c.Action
	case c.Action != "":
		return c.Action
	default:
		return c.Name
	}
}

// Scope identifies the org/project a bare-name lookup resolves within.
type Scope struct {
	Org     string
	Project string
}

// Registry stores capabilities and publishes lifecycle events onto the
// bus so internal/graphsync can keep the knowledge graph in sync without
// this package importing internal/graph directly.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Capability
	byFQDN map[string]string // fqdn -> id
	bus    *bus.Bus
}

// New creates a Registry. b may be nil to disable event publication
// (useful in tests that don't care about graph sync).
func New(b *bus.Bus) *Registry {
	return &Registry{byID: make(map[string]Capability), byFQDN: make(map[string]string), bus: b}
}

// Seed loads capabilities straight into the registry without validation or
// bus publication, for restoring a persisted catalog at startup — the
// knowledge graph is already caught up via internal/graphsync's own
// SyncFromDatabase pass, so re-emitting lifecycle events here would be
// redundant.
func (r *Registry) Seed(capabilities []Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range capabilities {
		r.byID[c.ID] = c
		if fqdn := c.FQDN(); fqdn != "" {
			r.byFQDN[fqdn] = c.ID
		}
	}
}

// Register creates a new capability, or, if one with the same identity
// already exists, performs an idempotent update-in-place: the id is kept,
// Version strictly increases, and usage counters carry forward rather than
// resetting. Identity is the FQDN tuple when c carries one; otherwise it
// falls back to the bare ID, so a second Register of the same ID updates
// instead of erroring.
func (r *Registry) Register(c Capability) error {
	if err := sandbox.Validate(c.Permission); err != nil {
		return err
	}
	if c.Visibility == "" {
		c.Visibility = VisibilityPrivate
	}
	if c.Routing == "" {
		c.Routing = RoutingLocal
	}

	r.mu.Lock()
	fqdn := c.FQDN()
	existingID := ""
	if fqdn != "" {
		existingID = r.byFQDN[fqdn]
	} else if c.ID != "" {
		if _, ok := r.byID[c.ID]; ok {
			existingID = c.ID
		}
	}

	if existingID != "" {
		existing := r.byID[existingID]
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		c.Version = existing.Version + 1
		c.UsageCount = existing.UsageCount
		c.SuccessCount = existing.SuccessCount
		c.TotalLatencyMs = existing.TotalLatencyMs
		c.UpdatedAt = time.Now().UTC()
		r.byID[c.ID] = c
		if fqdn != "" {
			r.byFQDN[fqdn] = c.ID
		}
		r.mu.Unlock()
		r.publish("capability.zone.updated", c)
		return nil
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Version = 1
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	r.byID[c.ID] = c
	if fqdn != "" {
		r.byFQDN[fqdn] = c.ID
	}
	r.mu.Unlock()

	r.publish("capability.zone.created", c)
	return nil
}

// Update replaces an existing capability's definition, preserving CreatedAt
// but not bumping Version — that's reserved for the FQDN-collision path in
// Register, since Update is an explicit edit by id rather than a
// re-creation.
func (r *Registry) Update(c Capability) error {
	if err := sandbox.Validate(c.Permission); err != nil {
		return err
	}

	r.mu.Lock()
	existing, ok := r.byID[c.ID]
	if !ok {
		r.mu.Unlock()
		return gwerrors.NotFound("capability %q not registered", c.ID)
	}
	c.CreatedAt = existing.CreatedAt
	c.Version = existing.Version
	c.UpdatedAt = time.Now().UTC()
	r.byID[c.ID] = c
	if oldFQDN := existing.FQDN(); oldFQDN != "" && oldFQDN != c.FQDN() {
		delete(r.byFQDN, oldFQDN)
	}
	if fqdn := c.FQDN(); fqdn != "" {
		r.byFQDN[fqdn] = c.ID
	}
	r.mu.Unlock()

	r.publish("capability.zone.updated", c)
	return nil
}

// Get returns a capability by ID.
func (r *Registry) Get(id string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return Capability{}, gwerrors.NotFound("capability %q not found", id)
	}
	return c, nil
}

// GetByFQDN returns a capability by its org/project/namespace/action/hash
// components.
func (r *Registry) GetByFQDN(org, project, namespace, action, hash string) (Capability, error) {
	key := strings.Join([]string{org, project, namespace, action, hash}, ".")
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFQDN[key]
	if !ok {
		return Capability{}, gwerrors.NotFound("capability %q not found", key)
	}
	return r.byID[id], nil
}

// ResolveByName resolves a bare name (either "namespace:action" or a plain
// "action") against scope first, falling back to any public capability
// with a matching name when nothing in scope matches.
func (r *Registry) ResolveByName(scope Scope, name string) (Capability, error) {
	namespace, action := splitName(name)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var scoped, public []Capability
	for _, c := range r.byID {
		if c.Action != action {
			continue
		}
		if namespace != "" && c.Namespace != namespace {
			continue
		}
		if c.Org == scope.Org && c.Project == scope.Project {
			scoped = append(scoped, c)
		} else if c.Visibility == VisibilityPublic {
			public = append(public, c)
		}
	}

	candidates := scoped
	if len(candidates) == 0 {
		candidates = public
	}
	if len(candidates) == 0 {
		return Capability{}, gwerrors.NotFound("capability %q not resolvable in scope %s/%s", name, scope.Org, scope.Project)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Version > best.Version || (c.Version == best.Version && c.ID < best.ID) {
			best = c
		}
	}
	return best, nil
}

func splitName(name string) (namespace, action string) {
	if idx := strings.Index(name, ":"); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

// List returns every registered capability.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// RecordUsage increments usageCount (and successCount, totalLatencyMs) for
// one completed call to id.
func (r *Registry) RecordUsage(id string, success bool, latencyMs uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return gwerrors.NotFound("capability %q not registered", id)
	}
	c.UsageCount++
	if success {
		c.SuccessCount++
	}
	c.TotalLatencyMs += latencyMs
	r.byID[id] = c
	return nil
}

// ListQuery bounds a filtered, sorted, paginated capability listing.
type ListQuery struct {
	Limit          int
	Offset         int
	MinSuccessRate float64
	Sort           string // "name" | "usage" | "success_rate" | "" (id order)
}

// ListFiltered applies ListQuery to the registry's capabilities, returning
// the page plus the total count of capabilities matching MinSuccessRate
// (before pagination).
func (r *Registry) ListFiltered(q ListQuery) (page []Capability, total int) {
	all := r.List()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	filtered := make([]Capability, 0, len(all))
	for _, c := range all {
		if c.SuccessRate() >= q.MinSuccessRate {
			filtered = append(filtered, c)
		}
	}

	switch q.Sort {
	case "name":
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].Name < filtered[j].Name })
	case "usage":
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].UsageCount > filtered[j].UsageCount })
	case "success_rate":
		sort.Slice(filtered, func(i, j int) bool { return filtered[i].SuccessRate() > filtered[j].SuccessRate() })
	}

	total = len(filtered)
	start := q.Offset
	if start > total {
		start = total
	}
	end := total
	if q.Limit > 0 && start+q.Limit < end {
		end = start + q.Limit
	}
	return filtered[start:end], total
}

// Remove deletes a capability from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return gwerrors.NotFound("capability %q not found", id)
	}
	delete(r.byID, id)
	if fqdn := c.FQDN(); fqdn != "" {
		delete(r.byFQDN, fqdn)
	}
	return nil
}

func (r *Registry) publish(eventType string, c Capability) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(bus.Event{
		Type:   eventType,
		Source: "capability",
		Payload: graphsync.CapabilityEvent{
			CapabilityID: c.ID,
			ContainsIDs:  c.ToolIDs,
		},
	})
}
