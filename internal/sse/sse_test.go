package sse

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/bus"
)

func waitForClient(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func TestSubscribeReceivesMatchingEvent(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 10, 10)
	defer m.Close()

	client, cleanup, err := m.Subscribe([]string{"dag.*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	b.Emit(bus.Event{Type: "dag.task.completed"})
	evt := waitForClient(t, client.Ch)
	if evt.Type != "dag.task.completed" {
		t.Fatalf("expected matching event, got %+v", evt)
	}
}

func TestSubscribeFilterExcludesNonMatching(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 10, 10)
	defer m.Close()

	client, cleanup, err := m.Subscribe([]string{"dag.*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	b.Emit(bus.Event{Type: "capability.created"})
	time.Sleep(20 * time.Millisecond)
	select {
	case evt := <-client.Ch:
		t.Fatalf("expected no delivery for non-matching filter, got %+v", evt)
	default:
	}
}

func TestWildcardFilterReceivesEverything(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 10, 10)
	defer m.Close()

	client, cleanup, err := m.Subscribe([]string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	b.Emit(bus.Event{Type: "anything.goes"})
	waitForClient(t, client.Ch)
}

func TestPoolCapacityRejectsOverflow(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 1, 4)
	defer m.Close()

	_, cleanup1, err := m.Subscribe([]string{"*"})
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	defer cleanup1()

	_, _, err = m.Subscribe([]string{"*"})
	if err == nil {
		t.Fatal("expected second subscribe to fail once pool is at capacity")
	}
	capErr, ok := err.(*CapacityError)
	if !ok {
		t.Fatalf("expected *CapacityError, got %T", err)
	}
	if capErr.Max != 1 {
		t.Fatalf("expected Max=1, got %d", capErr.Max)
	}
}

func TestMultipleFiltersAnyMatch(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 10, 10)
	defer m.Close()

	client, cleanup, err := m.Subscribe([]string{"dag.*", "capability.*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	b.Emit(bus.Event{Type: "capability.created"})
	evt := waitForClient(t, client.Ch)
	if evt.Type != "capability.created" {
		t.Fatalf("expected capability.created, got %+v", evt)
	}
}

func TestParseFiltersSplitsOnComma(t *testing.T) {
	got := ParseFilters("a.*, b.*,c.*")
	want := []string{"a.*", "b.*", "c.*"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestParseFiltersEmptyReturnsNil(t *testing.T) {
	if got := ParseFilters(""); got != nil {
		t.Fatalf("expected nil for empty filter param, got %v", got)
	}
}

func TestCleanupRemovesClient(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 10, 10)
	defer m.Close()

	_, cleanup, err := m.Subscribe([]string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if m.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", m.ClientCount())
	}
	cleanup()
	if m.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after cleanup, got %d", m.ClientCount())
	}
}

func TestSlowClientDropsRatherThanBlocksBus(t *testing.T) {
	b := bus.New(zap.NewNop(), 16)
	defer b.Close()
	m := New(zap.NewNop(), b, 10, 1) // buffer of 1: second emit must drop
	defer m.Close()

	client, cleanup, err := m.Subscribe([]string{"*"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cleanup()

	b.Emit(bus.Event{Type: "a"})
	b.Emit(bus.Event{Type: "b"})
	b.Emit(bus.Event{Type: "c"})

	time.Sleep(20 * time.Millisecond)
	// Exactly one of the events should have landed in the 1-slot buffer;
	// the rest must have been dropped without blocking Emit (which already
	// returned above).
	count := 0
	for {
		select {
		case <-client.Ch:
			count++
		default:
			if count != 1 {
				t.Fatalf("expected exactly 1 buffered event from a depth-1 client channel, got %d", count)
			}
			return
		}
	}
}
