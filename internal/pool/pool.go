// Package pool implements the gateway's Connection Pool (component B): a
// sized, health-checked set of connections to backing MCP tool servers.
//
// Grounded on the teacher's MCP connection manager (a map of named
// *ServerConnection guarded by an RWMutex, with ConnectAll/HealthCheck/Close)
// generalized from "exactly one connection per named server" into a sized
// pool per backend, with blocking acquire/release and a PoolExhaustedError
// when a backend's pool is saturated and the caller's context expires first.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// Conn is anything the pool can own the lifecycle of: a connection to one
// backing MCP server instance. Implementations come from internal/mcpclient.
type Conn interface {
	// Ping verifies liveness; a non-nil error marks the connection unhealthy
	// and causes it to be replaced rather than returned to callers.
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a new Conn for backend.
type Factory func(ctx context.Context, backend string) (Conn, error)

// Backend configures one named pool of connections (e.g. one MCP server).
type Backend struct {
	Name        string
	MaxSize     int
	AcquireWait time.Duration // max time Acquire blocks before PoolExhaustedError
}

// idleConn pairs an idle connection with the time it was released, so
// SweepIdle can close connections that have sat unused past a TTL.
type idleConn struct {
	conn  Conn
	since time.Time
}

type backendPool struct {
	cfg       Backend
	factory   Factory
	mu        sync.Mutex
	idle      []idleConn
	numActive int
	closed    bool
}

// Pool manages one backendPool per named backend.
type Pool struct {
	log     *zap.Logger
	factory Factory

	mu       sync.RWMutex
	backends map[string]*backendPool
}

// New creates an empty pool. Backends are registered with Register.
func New(log *zap.Logger, factory Factory) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:      log.Named("pool"),
		factory:  factory,
		backends: make(map[string]*backendPool),
	}
}

// Register adds (or reconfigures, if called again before any connection is
// outstanding) a named backend pool.
func (p *Pool) Register(cfg Backend) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4
	}
	if cfg.AcquireWait <= 0 {
		cfg.AcquireWait = 5 * time.Second
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends[cfg.Name] = &backendPool{cfg: cfg, factory: p.factory}
}

// Backends lists every registered backend name.
func (p *Pool) Backends() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.backends))
	for n := range p.backends {
		names = append(names, n)
	}
	return names
}

// Acquire returns a healthy connection for backend, creating one if the
// backend's idle set is empty and it has not reached MaxSize, or blocking
// (up to the backend's AcquireWait, bounded by ctx) until one is released.
func (p *Pool) Acquire(ctx context.Context, backend string) (Conn, error) {
	p.mu.RLock()
	bp, ok := p.backends[backend]
	p.mu.RUnlock()
	if !ok {
		return nil, gwerrors.NotFound("no connection pool registered for backend %q", backend)
	}
	return bp.acquire(ctx)
}

// Release returns conn to its backend's idle set, or discards+replaces it
// if unhealthy.
func (p *Pool) Release(ctx context.Context, backend string, conn Conn) {
	p.mu.RLock()
	bp, ok := p.backends[backend]
	p.mu.RUnlock()
	if !ok {
		_ = conn.Close()
		return
	}
	bp.release(ctx, conn, p.log)
}

// Close tears down every backend's connections.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, bp := range p.backends {
		if err := bp.closeAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports the current idle/active counts for backend.
type Stats struct {
	Idle   int
	Active int
	Max    int
}

func (p *Pool) Stats(backend string) (Stats, bool) {
	p.mu.RLock()
	bp, ok := p.backends[backend]
	p.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return Stats{Idle: len(bp.idle), Active: bp.numActive, Max: bp.cfg.MaxSize}, true
}

// SweepIdle closes every idle connection, across every backend, that has
// sat unused longer than maxIdle, and reports how many it closed. Meant to
// be driven by a cron schedule (see cmd/emergated), the same way the
// Algorithm Tracer's Cleanup is.
func (p *Pool) SweepIdle(maxIdle time.Duration) int {
	p.mu.RLock()
	pools := make([]*backendPool, 0, len(p.backends))
	for _, bp := range p.backends {
		pools = append(pools, bp)
	}
	p.mu.RUnlock()

	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, bp := range pools {
		closed += bp.sweepIdle(cutoff)
	}
	return closed
}

func (bp *backendPool) sweepIdle(cutoff time.Time) int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	kept := bp.idle[:0:0]
	closed := 0
	for _, ic := range bp.idle {
		if ic.since.Before(cutoff) {
			_ = ic.conn.Close()
			closed++
			continue
		}
		kept = append(kept, ic)
	}
	bp.idle = kept
	return closed
}

func (bp *backendPool) acquire(ctx context.Context) (Conn, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if bp.cfg.AcquireWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, bp.cfg.AcquireWait)
		defer cancel()
	}

	for {
		bp.mu.Lock()
		if bp.closed {
			bp.mu.Unlock()
			return nil, gwerrors.Unavailable("pool for backend %q is closed", bp.cfg.Name)
		}
		if n := len(bp.idle); n > 0 {
			conn := bp.idle[n-1].conn
			bp.idle = bp.idle[:n-1]
			bp.numActive++
			bp.mu.Unlock()
			return conn, nil
		}
		if bp.numActive < bp.cfg.MaxSize {
			bp.numActive++
			bp.mu.Unlock()
			conn, err := bp.factory(ctx, bp.cfg.Name)
			if err != nil {
				bp.mu.Lock()
				bp.numActive--
				bp.mu.Unlock()
				return nil, gwerrors.Internal(err, "connect to backend %q", bp.cfg.Name)
			}
			return conn, nil
		}
		bp.mu.Unlock()

		select {
		case <-waitCtx.Done():
			return nil, gwerrors.PoolExhausted("backend %q: pool at max size %d", bp.cfg.Name, bp.cfg.MaxSize)
		case <-time.After(10 * time.Millisecond):
			// poll for a release; pools are small enough that a short
			// poll interval is cheaper than a per-backend condvar/waiter
			// queue while keeping Acquire's ctx-cancellation prompt.
		}
	}
}

func (bp *backendPool) release(ctx context.Context, conn Conn, log *zap.Logger) {
	healthy := conn.Ping(ctx) == nil

	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.numActive--
	if bp.closed || !healthy {
		if !healthy {
			log.Warn("discarding unhealthy connection", zap.String("backend", bp.cfg.Name))
		}
		_ = conn.Close()
		return
	}
	bp.idle = append(bp.idle, idleConn{conn: conn, since: time.Now()})
}

func (bp *backendPool) closeAll() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.closed = true
	var firstErr error
	for _, ic := range bp.idle {
		if err := ic.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
	}
	bp.idle = nil
	return firstErr
}
