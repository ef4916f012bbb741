package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/approval"
	"github.com/pmlrun/gateway/internal/audit"
	"github.com/pmlrun/gateway/internal/auth"
	"github.com/pmlrun/gateway/internal/bus"
	"github.com/pmlrun/gateway/internal/capability"
	"github.com/pmlrun/gateway/internal/config"
	"github.com/pmlrun/gateway/internal/graph"
	"github.com/pmlrun/gateway/internal/graphsync"
	"github.com/pmlrun/gateway/internal/mcptools"
	"github.com/pmlrun/gateway/internal/sandbox"
	"github.com/pmlrun/gateway/internal/search"
	"github.com/pmlrun/gateway/internal/sse"
	"github.com/pmlrun/gateway/internal/store/pgstore"
	"github.com/pmlrun/gateway/internal/store/sqlitecache"
	"github.com/pmlrun/gateway/internal/tracer"
)

// store is the subset of sqlitecache.Cache / pgstore.Store an app needs,
// covering both standalone and external-Postgres deployments so the rest
// of app wiring doesn't care which backing store is live.
type store interface {
	graphsync.Store
	Close() error
}

// app holds every assembled component, wired the way the teacher's
// internal/controlplane/server/server.go hands a shared bus and store to
// each subsystem at construction rather than letting them reach for
// globals.
type app struct {
	log     *zap.Logger
	cfg     config.Config
	store   store
	closers []func() error

	bus          *bus.Bus
	graph        *graph.Graph
	graphSync    *graphsync.Controller
	capabilities *capability.Registry
	dependencies *capability.DependencyStore
	sse          *sse.Manager
	authStore    *auth.KeyStore
	bridge       *mcptools.Bridge
	tracer       *tracer.Tracer
	registry     *prometheus.Registry
	approvals    *approval.Queue
	rateLimiter  *auth.RateLimiter
	audit        *audit.Log
}

// newApp assembles every component from cfg. Returns an error for any
// failure a caller should treat as unrecoverable (store open/migrate,
// seed loading) — cmd/emergated's top-level Execute maps that to exit
// code 1 unless it's specifically an address-in-use failure.
func newApp(log *zap.Logger, cfg config.Config) (*app, error) {
	a := &app{log: log, cfg: cfg}

	st, vectors, err := openStore(log, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.bus = bus.New(log, 1024)
	a.graph = graph.New()
	a.graph.SetBus(a.bus)

	nodes, edges, err := st.SyncFromDatabase()
	if err != nil {
		return nil, fmt.Errorf("load graph snapshot: %w", err)
	}
	for _, n := range nodes {
		a.graph.UpsertNode(n)
	}
	for _, e := range edges {
		if err := a.graph.AddEdge(e); err != nil {
			log.Warn("dropping edge from stored snapshot", zap.Error(err))
		}
	}

	a.graphSync = graphsync.New(log, a.bus, a.graph)
	a.graphSync.Store = st
	a.graphSync.Start()
	a.closers = append(a.closers, func() error { a.graphSync.Stop(); return nil })

	a.capabilities = capability.New(a.bus)
	capRows, err := loadCapabilities(cfg, st)
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	a.capabilities.Seed(capRows)

	a.dependencies = capability.NewDependencyStore()
	depRows, err := loadDependencies(cfg, st)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	a.dependencies.Seed(depRows)

	a.sse = sse.New(log, a.bus, cfg.SSEMaxClients, 32)
	a.closers = append(a.closers, func() error { a.sse.Close(); return nil })

	a.authStore = auth.NewKeyStore()
	persistedKeys, err := loadAPIKeys(cfg, st)
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	a.authStore.Hydrate(persistedKeys)
	if p, ok := st.(auth.Persister); ok {
		a.authStore.SetPersister(p)
	}
	if cfg.RateLimitPerMinute > 0 {
		a.rateLimiter = auth.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	}

	a.audit = audit.NewLog(1000)

	a.registry = prometheus.NewRegistry()
	a.tracer = tracer.New(log, a.registry, 10000, 200)

	shutdownTracing, err := tracer.InitTraceProvider(context.Background(), cfg.TracingEndpoint, Version)
	if err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdownTracing(context.Background()) })

	a.bridge = mcptools.New(log, a.capabilities)
	for _, srv := range cfg.MCPServers {
		a.bridge.RegisterMCPServer(srv.Name, srv.Endpoint, orDefault(srv.MaxSize, cfg.PoolSizePerBackend), srv.AcquireWait)
	}
	searchEngine := search.New(vectors, a.graph)
	searchEngine.Tracer = a.tracer
	a.bridge.SetSearch(searchEngine)
	a.bridge.SetBus(a.bus)
	if cfg.SandboxCommand != "" {
		a.bridge.SetSandboxWorker(sandbox.NewWorker(log, cfg.SandboxCommand, cfg.SandboxArgs, cfg.SandboxTimeout))
	}

	a.approvals = approval.NewQueue(cfg.ApprovalTTL, cfg.ApprovalQueueSize)
	a.bridge.SetGateDecider(approval.NewGate(a.approvals))

	return a, nil
}

func orDefault(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

// openStore opens the configured backing store and returns a
// search.VectorIndex backed by the same store: pgstore.Store implements
// Nearest directly against its pgvector column, and sqlitecache has no
// vector index of its own, so standalone deployments fall back to an
// in-memory one seeded from nothing (nearest-neighbor discovery degrades
// gracefully to "no candidates" until capabilities are pushed with
// embeddings the Graph-Sync Controller's Learner hook would populate, were
// one wired — see DESIGN.md).
func openStore(log *zap.Logger, cfg config.Config) (store, search.VectorIndex, error) {
	if !cfg.Standalone() {
		ctx := context.Background()
		pg, err := pgstore.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg, nil
	}
	sc, err := sqlitecache.Open(cfg.SQLiteCachePath)
	if err != nil {
		return nil, nil, err
	}
	return sc, search.NewMemIndex(), nil
}

func loadCapabilities(cfg config.Config, st store) ([]capability.Capability, error) {
	switch s := st.(type) {
	case *pgstore.Store:
		return s.LoadCapabilities(context.Background())
	case *sqlitecache.Cache:
		return s.LoadCapabilities()
	default:
		return nil, nil
	}
}

func loadDependencies(cfg config.Config, st store) ([]capability.Dependency, error) {
	switch s := st.(type) {
	case *pgstore.Store:
		return s.LoadDependencies(context.Background())
	case *sqlitecache.Cache:
		return s.LoadDependencies()
	default:
		return nil, nil
	}
}

func loadAPIKeys(cfg config.Config, st store) ([]auth.PersistedKey, error) {
	switch s := st.(type) {
	case *pgstore.Store:
		return s.LoadAPIKeys(context.Background())
	case *sqlitecache.Cache:
		return s.LoadAPIKeys()
	default:
		return nil, nil
	}
}

// close tears down every component that owns a resource, in reverse
// wiring order, logging but not failing on individual close errors — by
// the time close runs, the process is already on its way out.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("error during shutdown", zap.Error(err))
		}
	}
}
