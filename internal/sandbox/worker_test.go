package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeHandler struct {
	toolResult interface{}
	toolErr    error
	capResult  interface{}
	capErr     error
}

func (f *fakeHandler) CallMCPTool(ctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error) {
	return f.toolResult, f.toolErr
}

func (f *fakeHandler) CallCapability(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	return f.capResult, f.capErr
}

func encodeLine(t *testing.T, line rpcLine) []byte {
	t.Helper()
	b, err := json.Marshal(line)
	if err != nil {
		t.Fatalf("marshal line: %v", err)
	}
	return append(b, '\n')
}

func TestPumpEmitsToolStartAndEndTraces(t *testing.T) {
	handler := &fakeHandler{toolResult: map[string]interface{}{"ok": true}}

	stdout := bytes.NewBuffer(nil)
	stdout.Write(encodeLine(t, rpcLine{ID: "1", Kind: "mcp", Server: "s1", Tool: "t1", Args: map[string]interface{}{"a": 1}}))
	stdout.Write(encodeLine(t, rpcLine{ID: "2", Final: true, Result: "done"}))

	var stdin bytes.Buffer
	traces := &traceSink{}
	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	pump(context.Background(), &stdin, stdout, handler, "parent-1", traces, resultCh, errCh)

	// pump returns once the final line resolves resultCh, but the proxied
	// RPC goroutine may still be writing its trace pair; give it a beat.
	deadline := time.Now().Add(time.Second)
	for len(traces.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	events := traces.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 trace events, got %d: %+v", len(events), events)
	}
	if events[0].Type != "tool_start" || events[0].Tool != "t1" || events[0].ParentTraceID != "parent-1" {
		t.Fatalf("unexpected start event: %+v", events[0])
	}
	if events[1].Type != "tool_end" || !events[1].Success || events[1].TraceID != events[0].TraceID {
		t.Fatalf("unexpected end event: %+v", events[1])
	}

	select {
	case res := <-resultCh:
		if !res.Success || res.Value != "done" {
			t.Fatalf("unexpected final result: %+v", res)
		}
	default:
		t.Fatal("expected a final result on resultCh")
	}
}

func TestPumpCapabilityFailureRecordsErrorTrace(t *testing.T) {
	handler := &fakeHandler{capErr: errTest{"boom"}}

	stdout := bytes.NewBuffer(nil)
	stdout.Write(encodeLine(t, rpcLine{ID: "1", Kind: "capability", Name: "cap-x"}))
	stdout.Write(encodeLine(t, rpcLine{ID: "2", Final: true, Result: nil}))

	var stdin bytes.Buffer
	traces := &traceSink{}
	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	pump(context.Background(), &stdin, stdout, handler, "", traces, resultCh, errCh)

	deadline := time.Now().Add(time.Second)
	for len(traces.all()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	events := traces.all()
	if len(events) != 2 {
		t.Fatalf("expected 2 trace events, got %d", len(events))
	}
	if events[0].Type != "capability_start" || events[0].Capability != "cap-x" {
		t.Fatalf("unexpected start event: %+v", events[0])
	}
	if events[1].Type != "capability_end" || events[1].Success || events[1].Error == "" {
		t.Fatalf("unexpected end event: %+v", events[1])
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }
