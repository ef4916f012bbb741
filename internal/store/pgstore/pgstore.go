// Package pgstore is the Postgres-backed persistence layer cmd/emergated
// wires up when a DSN is configured, the non-standalone counterpart to
// internal/store/sqlitecache. It follows the same database/sql-plus-driver
// shape as the teacher's internal/tools.SQLTool (pgx/v5's stdlib adapter
// registered under the "pgx" driver name) rather than a pgxpool-native
// client, so the two stores share a connection-handling idiom even though
// sqlitecache and pgstore serve different databases.
//
// pgstore additionally satisfies internal/search.VectorIndex, storing
// capability/tool embeddings in a pgvector column and answering nearest-
// neighbor queries with pgvector's "<=>" cosine-distance operator —
// github.com/pgvector/pgvector-go supplies the Vector type's SQL
// marshaling, the same library internal/search already depends on for its
// query type.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pmlrun/gateway/internal/auth"
	"github.com/pmlrun/gateway/internal/capability"
	"github.com/pmlrun/gateway/internal/graph"
	"github.com/pmlrun/gateway/internal/sandbox"
	"github.com/pmlrun/gateway/internal/search"
)

// Store is a Postgres-backed persistence layer for the knowledge graph,
// capability registry, and embedding index.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists, including the
// pgvector extension the embeddings table depends on.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT,
			server_id TEXT,
			labels JSONB,
			success_rate DOUBLE PRECISION,
			category TEXT,
			pure BOOLEAN
		)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			type TEXT NOT NULL,
			edge_source TEXT NOT NULL DEFAULT 'declared',
			count BIGINT NOT NULL DEFAULT 1,
			confidence DOUBLE PRECISION NOT NULL,
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
			version BIGINT NOT NULL DEFAULT 1,
			visibility TEXT NOT NULL DEFAULT 'private',
			routing TEXT NOT NULL DEFAULT 'local',
			verified BOOLEAN NOT NULL DEFAULT false,
			workflow_pattern_id TEXT,
			permission_confidence DOUBLE PRECISION,
			permission TEXT NOT NULL,
			tool_ids JSONB,
			usage_count BIGINT,
			success_count BIGINT,
			total_latency_ms BIGINT,
			created_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS dependencies (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			edge_type TEXT NOT NULL,
			edge_source TEXT NOT NULL,
			count BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			permissions JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			embedding vector
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// UpsertNode persists one graph node.
func (s *Store) UpsertNode(ctx context.Context, n graph.Node) error {
	labels, _ := json.Marshal(n.Labels)
	var successRate any
	if n.SuccessRate != nil {
		successRate = *n.SuccessRate
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO graph_nodes (id, type, name, server_id, labels, success_rate, category, pure)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET type=excluded.type, name=excluded.name, server_id=excluded.server_id,
			labels=excluded.labels, success_rate=excluded.success_rate, category=excluded.category, pure=excluded.pure`,
		n.ID, string(n.Type), n.Name, n.ServerID, string(labels), successRate, n.Category, n.Pure)
	return err
}

// UpsertEdge persists one graph edge.
func (s *Store) UpsertEdge(ctx context.Context, e graph.Edge) error {
	source := e.Source
	if source == "" {
		source = graph.SourceDeclared
	}
	count := e.Count
	if count == 0 {
		count = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO graph_edges (from_id, to_id, type, edge_source, count, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (from_id, to_id, type) DO UPDATE SET edge_source=excluded.edge_source, count=excluded.count,
			confidence=excluded.confidence`,
		e.From, e.To, string(e.Type), string(source), count, e.Confidence)
	return err
}

// SyncFromDatabase loads the full persisted graph, satisfying
// internal/graphsync.Store for a capability-merge full resync.
func (s *Store) SyncFromDatabase() ([]graph.Node, []graph.Edge, error) {
	ctx := context.Background()

	rows, err := s.db.QueryContext(ctx, `SELECT id, type, name, server_id, labels, success_rate, category, pure FROM graph_nodes`)
	if err != nil {
		return nil, nil, err
	}
	var nodes []graph.Node
	for rows.Next() {
		var n graph.Node
		var typ string
		var labels []byte
		var successRate sql.NullFloat64
		if err := rows.Scan(&n.ID, &typ, &n.Name, &n.ServerID, &labels, &successRate, &n.Category, &n.Pure); err != nil {
			rows.Close()
			return nil, nil, err
		}
		n.Type = graph.NodeType(typ)
		if len(labels) > 0 {
			_ = json.Unmarshal(labels, &n.Labels)
		}
		if successRate.Valid {
			v := successRate.Float64
			n.SuccessRate = &v
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT from_id, to_id, type, edge_source, count, confidence FROM graph_edges`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var edges []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var typ, source string
		if err := rows.Scan(&e.From, &e.To, &typ, &source, &e.Count, &e.Confidence); err != nil {
			return nil, nil, err
		}
		e.Type = graph.EdgeType(typ)
		e.Source = graph.EdgeSource(source)
		edges = append(edges, e)
	}
	return nodes, edges, rows.Err()
}

// SaveCapability persists one capability record.
func (s *Store) SaveCapability(ctx context.Context, cap capability.Capability) error {
	toolIDs, _ := json.Marshal(cap.ToolIDs)
	_, err := s.db.ExecContext(ctx, `INSERT INTO capabilities
		(id, org, project, namespace, action, hash, name, description, version, visibility, routing,
		 verified, workflow_pattern_id, permission_confidence, permission, tool_ids,
		 usage_count, success_count, total_latency_ms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET org=excluded.org, project=excluded.project, namespace=excluded.namespace,
			action=excluded.action, hash=excluded.hash, name=excluded.name, description=excluded.description,
			version=excluded.version, visibility=excluded.visibility, routing=excluded.routing,
			verified=excluded.verified, workflow_pattern_id=excluded.workflow_pattern_id,
			permission_confidence=excluded.permission_confidence,
			permission=excluded.permission, tool_ids=excluded.tool_ids, usage_count=excluded.usage_count,
			success_count=excluded.success_count, total_latency_ms=excluded.total_latency_ms, updated_at=excluded.updated_at`,
		cap.ID, cap.Org, cap.Project, cap.Namespace, cap.Action, cap.Hash, cap.Name, cap.Description, cap.Version,
		string(cap.Visibility), string(cap.Routing), cap.Verified, cap.WorkflowPatternID, cap.PermissionConfidence,
		string(cap.Permission), string(toolIDs),
		cap.UsageCount, cap.SuccessCount, cap.TotalLatencyMs, cap.CreatedAt, cap.UpdatedAt)
	return err
}

// LoadCapabilities returns every persisted capability, used to warm the
// in-process capability.Registry on startup.
func (s *Store) LoadCapabilities(ctx context.Context) ([]capability.Capability, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, org, project, namespace, action, hash, name, description, version,
		visibility, routing, verified, workflow_pattern_id, permission_confidence, permission, tool_ids,
		usage_count, success_count, total_latency_ms, created_at, updated_at FROM capabilities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []capability.Capability
	for rows.Next() {
		var cap capability.Capability
		var perm, visibility, routing string
		var workflowPatternID sql.NullString
		var permConfidence sql.NullFloat64
		var toolIDs []byte
		if err := rows.Scan(&cap.ID, &cap.Org, &cap.Project, &cap.Namespace, &cap.Action, &cap.Hash,
			&cap.Name, &cap.Description, &cap.Version, &visibility, &routing, &cap.Verified,
			&workflowPatternID, &permConfidence, &perm, &toolIDs,
			&cap.UsageCount, &cap.SuccessCount, &cap.TotalLatencyMs, &cap.CreatedAt, &cap.UpdatedAt); err != nil {
			return nil, err
		}
		cap.Permission = sandbox.PermissionSet(perm)
		cap.Visibility = capability.Visibility(visibility)
		cap.Routing = capability.Routing(routing)
		cap.WorkflowPatternID = workflowPatternID.String
		cap.PermissionConfidence = permConfidence.Float64
		if len(toolIDs) > 0 {
			_ = json.Unmarshal(toolIDs, &cap.ToolIDs)
		}
		out = append(out, cap)
	}
	return out, rows.Err()
}

// SaveDependency persists one dependency edge.
func (s *Store) SaveDependency(ctx context.Context, d capability.Dependency) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO dependencies (id, from_id, to_id, edge_type, edge_source, count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET count=excluded.count, edge_source=excluded.edge_source`,
		d.ID, d.From, d.To, string(d.EdgeType), string(d.EdgeSource), d.Count)
	return err
}

// DeleteDependency removes a persisted dependency edge by id.
func (s *Store) DeleteDependency(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dependencies WHERE id = $1`, id)
	return err
}

// LoadDependencies returns every persisted dependency edge, used to warm
// the in-process capability.DependencyStore on startup.
func (s *Store) LoadDependencies(ctx context.Context) ([]capability.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, from_id, to_id, edge_type, edge_source, count FROM dependencies`)
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

// SaveEmbedding stores (or replaces) the embedding associated with id —
// a tool, operation, or capability id shared with the knowledge graph.
func (s *Store) SaveEmbedding(ctx context.Context, id string, vec []float32) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO embeddings (id, embedding) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET embedding=excluded.embedding`,
		id, pgvector.NewVector(vec))
	return err
}

// Nearest implements internal/search.VectorIndex, answering a nearest-
// neighbor query with pgvector's cosine-distance operator. Semantic
// similarity is reported as 1 - distance, so closer vectors score higher.
func (s *Store) Nearest(ctx context.Context, query pgvector.Vector, limit int) ([]search.Neighbor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, 1 - (embedding <=> $1) AS similarity
		FROM embeddings ORDER BY embedding <=> $1 LIMIT $2`, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []search.Neighbor
	for rows.Next() {
		var n search.Neighbor
		if err := rows.Scan(&n.ID, &n.Semantic); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveAPIKey persists one auth.KeyStore entry so issued keys survive a
// restart, satisfying internal/auth.Persister.
func (s *Store) SaveAPIKey(id string, hashed []byte, permissions []string, createdAt, expiresAt time.Time) error {
	permsJSON, _ := json.Marshal(permissions)
	var expires any
	if !expiresAt.IsZero() {
		expires = expiresAt
	}
	_, err := s.db.Exec(`INSERT INTO api_keys (id, key_hash, permissions, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET key_hash=excluded.key_hash, permissions=excluded.permissions,
			expires_at=excluded.expires_at`,
		id, string(hashed), string(permsJSON), createdAt, expires)
	return err
}

// DeleteAPIKey removes a persisted key by id, satisfying
// internal/auth.Persister.
func (s *Store) DeleteAPIKey(id string) error {
	_, err := s.db.Exec(`DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// LoadAPIKeys returns every persisted key's id, hash, and metadata, used to
// rehydrate an internal/auth.KeyStore on startup via KeyStore.Hydrate.
func (s *Store) LoadAPIKeys(ctx context.Context) ([]auth.PersistedKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key_hash, permissions, created_at, expires_at FROM api_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.PersistedKey
	for rows.Next() {
		var k auth.PersistedKey
		var hash string
		var permsJSON []byte
		var expiresAt sql.NullTime
		if err := rows.Scan(&k.ID, &hash, &permsJSON, &k.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		k.Hashed = []byte(hash)
		if len(permsJSON) > 0 {
			_ = json.Unmarshal(permsJSON, &k.Permissions)
		}
		if expiresAt.Valid {
			k.ExpiresAt = expiresAt.Time
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// PurgeOldTraces is a small retention hook mirroring the teacher's
// audit.Store.Purge, kept here so a future migration can fold decision
// trace persistence into Postgres without a second store type.
func (s *Store) PurgeOldTraces(ctx context.Context, table string, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, table), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
