package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

type fakeConn struct {
	id      int
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeConn(id int) *fakeConn {
	c := &fakeConn{id: id}
	c.healthy.Store(true)
	return c
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.healthy.Load() {
		return nil
	}
	return context.DeadlineExceeded
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func newTestPool(maxSize int) (*Pool, *int32) {
	var created int32
	factory := func(ctx context.Context, backend string) (Conn, error) {
		id := atomic.AddInt32(&created, 1)
		return newFakeConn(int(id)), nil
	}
	p := New(zap.NewNop(), factory)
	p.Register(Backend{Name: "svc", MaxSize: maxSize, AcquireWait: 200 * time.Millisecond})
	return p, &created
}

func TestAcquireCreatesUpToMaxSize(t *testing.T) {
	p, created := newTestPool(2)
	ctx := context.Background()

	c1, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	c2, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if *created != 2 {
		t.Fatalf("expected 2 connections created, got %d", *created)
	}
	_ = c1
	_ = c2
}

func TestAcquireBlocksThenExhausts(t *testing.T) {
	p, _ := newTestPool(1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_ = conn

	_, err = p.Acquire(ctx, "svc")
	if err == nil {
		t.Fatal("expected PoolExhaustedError once MaxSize is reached")
	}
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindPoolExhausted {
		t.Fatalf("expected PoolExhausted kind, got %v", err)
	}
}

func TestReleaseReturnsToIdleForReuse(t *testing.T) {
	p, created := newTestPool(1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, "svc", conn)

	conn2, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if *created != 1 {
		t.Fatalf("expected connection reuse, but %d were created", *created)
	}
	_ = conn2
}

func TestReleaseDiscardsUnhealthyConnection(t *testing.T) {
	p, created := newTestPool(1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fc := conn.(*fakeConn)
	fc.healthy.Store(false)
	p.Release(ctx, "svc", conn)

	if !fc.closed.Load() {
		t.Fatal("expected unhealthy connection to be closed on release")
	}

	conn2, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if *created != 2 {
		t.Fatalf("expected a fresh connection after discarding unhealthy one, created=%d", *created)
	}
	_ = conn2
}

func TestAcquireUnknownBackend(t *testing.T) {
	p, _ := newTestPool(1)
	_, err := p.Acquire(context.Background(), "nope")
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindNotFound {
		t.Fatalf("expected NotFound kind, got %v", err)
	}
}

func TestCloseRejectsFurtherAcquire(t *testing.T) {
	p, _ := newTestPool(2)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := p.Acquire(context.Background(), "svc")
	ge, ok := gwerrors.As(err)
	if !ok || ge.Kind != gwerrors.KindUnavailable {
		t.Fatalf("expected Unavailable kind after close, got %v", err)
	}
}

func TestSweepIdleClosesConnectionsPastTTL(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, "svc", conn)

	closed := p.SweepIdle(0)
	if closed != 1 {
		t.Fatalf("expected 1 connection swept, got %d", closed)
	}
	if !conn.(*fakeConn).closed.Load() {
		t.Fatal("expected the swept connection to be closed")
	}

	stats, _ := p.Stats("svc")
	if stats.Idle != 0 {
		t.Fatalf("expected idle set empty after sweep, got %d", stats.Idle)
	}
}

func TestSweepIdleKeepsConnectionsUnderTTL(t *testing.T) {
	p, _ := newTestPool(2)
	ctx := context.Background()

	conn, err := p.Acquire(ctx, "svc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(ctx, "svc", conn)

	closed := p.SweepIdle(time.Hour)
	if closed != 0 {
		t.Fatalf("expected nothing swept under TTL, got %d closed", closed)
	}
	stats, _ := p.Stats("svc")
	if stats.Idle != 1 {
		t.Fatalf("expected connection still idle, got %d", stats.Idle)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p, _ := newTestPool(3)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Acquire(ctx, "svc")
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(ctx, "svc", conn)
		}()
	}
	wg.Wait()

	stats, ok := p.Stats("svc")
	if !ok {
		t.Fatal("expected stats for svc")
	}
	if stats.Active != 0 {
		t.Fatalf("expected all connections released, active=%d", stats.Active)
	}
}
