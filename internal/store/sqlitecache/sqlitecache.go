// Package sqlitecache is the embeddable local store cmd/emergated falls
// back to when no Postgres DSN is configured (standalone mode), the same
// role internal/controlplane/audit.Store plays
// for the teacher: a modernc.org/sqlite-backed table set opened once at
// startup, WAL-mode for concurrent reads, with a small hand-rolled
// migration (CREATE TABLE IF NOT EXISTS rather than a schema-version
// table, since there is exactly one schema generation so far).
package sqlitecache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pmlrun/gateway/internal/auth"
	"github.com/pmlrun/gateway/internal/capability"
	"github.com/pmlrun/gateway/internal/graph"
	"github.com/pmlrun/gateway/internal/sandbox"
)

// Cache is a SQLite-backed persistence layer for the knowledge graph and
// capability registry, satisfying internal/graphsync.Store and serving as
// the capability registry's durability backstop.
type Cache struct {
	db *sql.DB
}

// Open creates (or opens) a SQLite database at path. path == "" opens an
// in-memory database, useful for tests and ephemeral standalone runs.
func Open(path string) (*Cache, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT,
			server_id TEXT,
			labels TEXT,
			success_rate REAL,
			category TEXT,
			pure INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			type TEXT NOT NULL,
			edge_source TEXT NOT NULL DEFAULT 'declared',
			count INTEGER NOT NULL DEFAULT 1,
			confidence REAL NOT NULL,
			PRIMARY KEY (from_id, to_id, type)
		)`,
		`CREATE TABLE IF NOT EXISTS capabilities (
			id TEXT PRIMARY KEY,
			org TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			namespace TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL DEFAULT '',
			hash TEXT NOT NULL DEFAULT '',
			name TEXT,
			description TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			visibility TEXT NOT NULL DEFAULT 'private',
			routing TEXT NOT NULL DEFAULT 'local',
			verified INTEGER NOT NULL DEFAULT 0,
			workflow_pattern_id TEXT,
			permission_confidence REAL,
			permission TEXT NOT NULL,
			tool_ids TEXT,
			usage_count INTEGER,
			success_count INTEGER,
			total_latency_ms INTEGER,
			created_at TEXT,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dependencies (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			edge_source TEXT NOT NULL,
			count INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			permissions TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			expires_at TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// UpsertNode persists one graph node.
func (c *Cache) UpsertNode(n graph.Node) error {
	labels, _ := json.Marshal(n.Labels)
	var successRate any
	if n.SuccessRate != nil {
		successRate = *n.SuccessRate
	}
	_, err := c.db.Exec(`INSERT INTO graph_nodes (id, type, name, server_id, labels, success_rate, category, pure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type=excluded.type, name=excluded.name, server_id=excluded.server_id,
			labels=excluded.labels, success_rate=excluded.success_rate, category=excluded.category, pure=excluded.pure`,
		n.ID, string(n.Type), n.Name, n.ServerID, string(labels), successRate, n.Category, n.Pure)
	return err
}

// UpsertEdge persists one graph edge.
func (c *Cache) UpsertEdge(e graph.Edge) error {
	source := e.Source
	if source == "" {
		source = graph.SourceDeclared
	}
	count := e.Count
	if count == 0 {
		count = 1
	}
	_, err := c.db.Exec(`INSERT INTO graph_edges (from_id, to_id, type, edge_source, count, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_id, to_id, type) DO UPDATE SET edge_source=excluded.edge_source, count=excluded.count,
			confidence=excluded.confidence`,
		e.From, e.To, string(e.Type), string(source), count, e.Confidence)
	return err
}

// SyncFromDatabase loads the full persisted graph, satisfying
// internal/graphsync.Store for a capability-merge full resync.
func (c *Cache) SyncFromDatabase() ([]graph.Node, []graph.Edge, error) {
	nodes, err := c.loadNodes()
	if err != nil {
		return nil, nil, err
	}
	edges, err := c.loadEdges()
	if err != nil {
		return nil, nil, err
	}
	return nodes, edges, nil
}

func (c *Cache) loadNodes() ([]graph.Node, error) {
	rows, err := c.db.Query(`SELECT id, type, name, server_id, labels, success_rate, category, pure FROM graph_nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Node
	for rows.Next() {
		var n graph.Node
		var typ, labels string
		var successRate sql.NullFloat64
		var pure int
		if err := rows.Scan(&n.ID, &typ, &n.Name, &n.ServerID, &labels, &successRate, &n.Category, &pure); err != nil {
			return nil, err
		}
		n.Type = graph.NodeType(typ)
		n.Pure = pure != 0
		if labels != "" {
			_ = json.Unmarshal([]byte(labels), &n.Labels)
		}
		if successRate.Valid {
			v := successRate.Float64
			n.SuccessRate = &v
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (c *Cache) loadEdges() ([]graph.Edge, error) {
	rows, err := c.db.Query(`SELECT from_id, to_id, type, edge_source, count, confidence FROM graph_edges`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var typ, source string
		if err := rows.Scan(&e.From, &e.To, &typ, &source, &e.Count, &e.Confidence); err != nil {
			return nil, err
		}
		e.Type = graph.EdgeType(typ)
		e.Source = graph.EdgeSource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveCapability persists one capability record.
func (c *Cache) SaveCapability(cap capability.Capability) error {
	toolIDs, _ := json.Marshal(cap.ToolIDs)
	_, err := c.db.Exec(`INSERT INTO capabilities
		(id, org, project, namespace, action, hash, name, description, version, visibility, routing,
		 verified, workflow_pattern_id, permission_confidence, permission, tool_ids,
		 usage_count, success_count, total_latency_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET org=excluded.org, project=excluded.project, namespace=excluded.namespace,
			action=excluded.action, hash=excluded.hash, name=excluded.name, description=excluded.description,
			version=excluded.version, visibility=excluded.visibility, routing=excluded.routing,
			verified=excluded.verified, workflow_pattern_id=excluded.workflow_pattern_id,
			permission_confidence=excluded.permission_confidence,
			permission=excluded.permission, tool_ids=excluded.tool_ids, usage_count=excluded.usage_count,
			success_count=excluded.success_count, total_latency_ms=excluded.total_latency_ms, updated_at=excluded.updated_at`,
		cap.ID, cap.Org, cap.Project, cap.Namespace, cap.Action, cap.Hash, cap.Name, cap.Description, cap.Version,
		string(cap.Visibility), string(cap.Routing), cap.Verified, cap.WorkflowPatternID, cap.PermissionConfidence,
		string(cap.Permission), string(toolIDs),
		cap.UsageCount, cap.SuccessCount, cap.TotalLatencyMs,
		cap.CreatedAt.Format(time.RFC3339Nano), cap.UpdatedAt.Format(time.RFC3339Nano))
	return err
}

// LoadCapabilities returns every persisted capability, used to warm the
// in-process capability.Registry on startup.
func (c *Cache) LoadCapabilities() ([]capability.Capability, error) {
	rows, err := c.db.Query(`SELECT id, org, project, namespace, action, hash, name, description, version,
		visibility, routing, verified, workflow_pattern_id, permission_confidence, permission, tool_ids,
		usage_count, success_count, total_latency_ms, created_at, updated_at FROM capabilities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capability.Capability
	for rows.Next() {
		var cap capability.Capability
		var perm, toolIDs, createdAt, updatedAt, visibility, routing string
		var verified int
		var workflowPatternID sql.NullString
		var permConfidence sql.NullFloat64
		if err := rows.Scan(&cap.ID, &cap.Org, &cap.Project, &cap.Namespace, &cap.Action, &cap.Hash,
			&cap.Name, &cap.Description, &cap.Version, &visibility, &routing, &verified,
			&workflowPatternID, &permConfidence, &perm, &toolIDs,
			&cap.UsageCount, &cap.SuccessCount, &cap.TotalLatencyMs, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		cap.Permission = sandbox.PermissionSet(perm)
		cap.Visibility = capability.Visibility(visibility)
		cap.Routing = capability.Routing(routing)
		cap.Verified = verified != 0
		cap.WorkflowPatternID = workflowPatternID.String
		cap.PermissionConfidence = permConfidence.Float64
		if toolIDs != "" {
			_ = json.Unmarshal([]byte(toolIDs), &cap.ToolIDs)
		}
		cap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		cap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, cap)
	}
	return out, rows.Err()
}

// SaveDependency persists one dependency edge.
func (c *Cache) SaveDependency(d capability.Dependency) error {
	_, err := c.db.Exec(`INSERT INTO dependencies (id, from_id, to_id, edge_type, edge_source, count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET count=excluded.count, edge_source=excluded.edge_source`,
		d.ID, d.From, d.To, string(d.EdgeType), string(d.EdgeSource), d.Count)
	return err
}

// DeleteDependency removes a persisted dependency edge by id.
func (c *Cache) DeleteDependency(id string) error {
	_, err := c.db.Exec(`DELETE FROM dependencies WHERE id = ?`, id)
	return err
}

// LoadDependencies returns every persisted dependency edge, used to warm
// the in-process capability.DependencyStore on startup.
func (c *Cache) LoadDependencies() ([]capability.Dependency, error) {
	rows, err := c.db.Query(`SELECT id, from_id, to_id, edge_type, edge_source, count FROM dependencies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capability.Dependency
	for rows.Next() {
		var d capability.Dependency
		var edgeType, edgeSource string
		if err := rows.Scan(&d.ID, &d.From, &d.To, &edgeType, &edgeSource, &d.Count); err != nil {
			return nil, err
		}
		d.EdgeType = capability.EdgeType(edgeType)
		d.EdgeSource = capability.EdgeSource(edgeSource)
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveAPIKey persists one auth.KeyStore entry so issued keys survive a
// restart, satisfying internal/auth.Persister.
func (c *Cache) SaveAPIKey(id string, hashed []byte, permissions []string, createdAt, expiresAt time.Time) error {
	permsJSON, _ := json.Marshal(permissions)
	var expiresStr sql.NullString
	if !expiresAt.IsZero() {
		expiresStr = sql.NullString{String: expiresAt.Format(time.RFC3339Nano), Valid: true}
	}
	_, err := c.db.Exec(`INSERT INTO api_keys (id, key_hash, permissions, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET key_hash=excluded.key_hash, permissions=excluded.permissions,
			expires_at=excluded.expires_at`,
		id, string(hashed), string(permsJSON), createdAt.Format(time.RFC3339Nano), expiresStr)
	return err
}

// DeleteAPIKey removes a persisted key by id, satisfying
// internal/auth.Persister.
func (c *Cache) DeleteAPIKey(id string) error {
	_, err := c.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// LoadAPIKeys returns every persisted key's id, hash, and metadata, used to
// rehydrate an internal/auth.KeyStore on startup via KeyStore.Hydrate.
func (c *Cache) LoadAPIKeys() ([]auth.PersistedKey, error) {
	rows, err := c.db.Query(`SELECT id, key_hash, permissions, created_at, expires_at FROM api_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.PersistedKey
	for rows.Next() {
		var k auth.PersistedKey
		var hash, permsJSON, createdAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&k.ID, &hash, &permsJSON, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		k.Hashed = []byte(hash)
		if permsJSON != "" {
			_ = json.Unmarshal([]byte(permsJSON), &k.Permissions)
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if expiresAt.Valid {
			k.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt.String)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
