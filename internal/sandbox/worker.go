package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// maxWorkerOutput bounds how much stdout/stderr a worker can return,
// mirroring the teacher's maxSSHOutput cap on remote command output.
const maxWorkerOutput = 1 << 20 // 1 MiB

// maxReentryDepth bounds how deeply mcp./capabilities. calls may nest: a
// worker started from inside a proxied call runs one level deeper, and a
// worker at this depth has every call refused, preventing a runaway
// recursive call chain from never returning control.
const maxReentryDepth = 3

// reentryKey is the context key under which pump records the nesting depth
// of the proxied call it hands to the handler.
type reentryKey struct{}

// RPCHandler services the two call forms a sandboxed worker may proxy back
// to the host: mcp.<server>.<tool>(args) and capabilities.<name>(args).
type RPCHandler interface {
	CallMCPTool(ctx context.Context, server, tool string, args map[string]interface{}) (interface{}, error)
	CallCapability(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// rpcLine is one newline-delimited message on the worker<->host wire
// protocol. A line with Kind set is an RPC request to be proxied; a line
// with Final set true carries the worker's terminal result.
type rpcLine struct {
	ID     string                 `json:"id"`
	Kind   string                 `json:"kind,omitempty"` // "mcp" or "capability"
	Server string                 `json:"server,omitempty"`
	Tool   string                 `json:"tool,omitempty"`
	Name   string                 `json:"name,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`

	Final  bool        `json:"final,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type rpcResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// TraceEvent is one entry in a sandboxed execution's trace timeline: the
// start or end of one proxied mcp.<server>.<tool> or capabilities.<name>
// call. Start and end events for the same call share TraceID.
type TraceEvent struct {
	Type          string // "tool_start" | "tool_end" | "capability_start" | "capability_end"
	Timestamp     time.Time
	TraceID       string
	ParentTraceID string `json:"parentTraceId,omitempty"`

	Server     string                 `json:"server,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Capability string                 `json:"capability,omitempty"`
	Args       map[string]interface{} `json:"args,omitempty"`

	Success    bool        `json:"success,omitempty"`
	DurationMs int64       `json:"durationMs,omitempty"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Result is the outcome of one sandboxed execution.
type Result struct {
	Success  bool
	Value    interface{}
	Error    string
	Stderr   string
	Duration time.Duration
	Traces   []TraceEvent
}

// traceSink accumulates the trace timeline for one Run call, guarded
// separately from the worker itself since pump's proxied RPCs run
// concurrently (one goroutine per in-flight line).
type traceSink struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (s *traceSink) record(e TraceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *traceSink) all() []TraceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TraceEvent(nil), s.events...)
}

// Worker runs one sandboxed subprocess per Run call. Command is the
// sandboxed runtime's executable; Args are flags appended after the
// permission-derived deny flags.
type Worker struct {
	log     *zap.Logger
	Command string
	Args    []string
	Timeout time.Duration
}

// NewWorker creates a Worker. If timeout <= 0, a 30s default is used,
// matching the teacher's defaultSSHTimeout.
func NewWorker(log *zap.Logger, command string, args []string, timeout time.Duration) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{log: log.Named("sandbox"), Command: command, Args: args, Timeout: timeout}
}

func flagArgs(f Flags) []string {
	var args []string
	add := func(deny bool, flag string) {
		if deny {
			args = append(args, flag)
		}
	}
	add(f.DenyNet, "--deny-net")
	add(f.DenyRead, "--deny-read")
	add(f.DenyWrite, "--deny-write")
	add(f.DenyEnv, "--deny-env")
	add(f.DenyRun, "--deny-run")
	add(f.DenyFFI, "--deny-ffi")
	return args
}

// Run executes code under perm's deny flags, proxying mcp./capabilities.
// calls to handler, and returns the worker's final JSON result plus the
// trace timeline accumulated across every proxied call. parentTraceID
// tags every emitted event, linking this run's calls back to whatever
// capability or DAG task triggered it; it is empty for a top-level run.
func (w *Worker) Run(ctx context.Context, code string, perm PermissionSet, handler RPCHandler, parentTraceID string) (Result, error) {
	if err := Validate(perm); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	flags := FlagsFor(perm)
	args := append(append([]string{}, flagArgs(flags)...), w.Args...)
	cmd := exec.CommandContext(ctx, w.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, gwerrors.Internal(err, "open worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, gwerrors.Internal(err, "open worker stdout")
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &boundedWriter{buf: &stderrBuf, max: maxWorkerOutput}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, gwerrors.Internal(err, "start sandbox worker")
	}

	if _, err := fmt.Fprintln(stdin, code); err != nil {
		_ = cmd.Process.Kill()
		return Result{}, gwerrors.Internal(err, "write code to worker stdin")
	}

	traces := &traceSink{}
	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go pump(ctx, stdin, stdout, handler, parentTraceID, traces, resultCh, errCh)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return Result{Traces: traces.all()}, gwerrors.Timeout("sandbox worker exceeded %s", w.Timeout)
	case err := <-errCh:
		_ = cmd.Process.Kill()
		<-waitErr
		return Result{Error: err.Error(), Traces: traces.all()}, err
	case res := <-resultCh:
		<-waitErr
		res.Stderr = stderrBuf.String()
		res.Duration = time.Since(start)
		res.Traces = traces.all()
		return res, nil
	}
}

// pump reads newline-delimited JSON from stdout; RPC request lines are
// proxied to handler (with depth bounded by maxReentryDepth) and their
// response written back to stdin, while a "final" line resolves resultCh.
// Every proxied call emits a start/end pair onto traces before and after
// the call to handler runs.
func pump(ctx context.Context, stdin io.Writer, stdout io.Reader, handler RPCHandler, parentTraceID string, traces *traceSink, resultCh chan<- Result, errCh chan<- error) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerOutput)

	depth, _ := ctx.Value(reentryKey{}).(int)
	for scanner.Scan() {
		var line rpcLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // non-protocol stdout noise is ignored, not fatal
		}

		if line.Final {
			resultCh <- Result{Success: true, Value: sanitize(line.Result, 0)}
			return
		}

		if line.Kind == "" {
			continue
		}

		if depth >= maxReentryDepth {
			writeResponse(stdin, rpcResponse{ID: line.ID, Error: "re-entry depth exceeded"})
			continue
		}
		callCtx := context.WithValue(ctx, reentryKey{}, depth+1)

		go func(line rpcLine) {
			traceID := uuid.NewString()
			startKind, endKind := "tool_start", "tool_end"
			if line.Kind == "capability" {
				startKind, endKind = "capability_start", "capability_end"
			}
			traces.record(TraceEvent{
				Type: startKind, Timestamp: time.Now().UTC(),
				TraceID: traceID, ParentTraceID: parentTraceID,
				Server: line.Server, Tool: line.Tool, Capability: line.Name, Args: line.Args,
			})

			start := time.Now()
			var result interface{}
			var err error
			switch line.Kind {
			case "mcp":
				result, err = handler.CallMCPTool(callCtx, line.Server, line.Tool, line.Args)
			case "capability":
				result, err = handler.CallCapability(callCtx, line.Name, line.Args)
			default:
				err = fmt.Errorf("unknown rpc kind %q", line.Kind)
			}
			sanitized := sanitize(result, 0)
			durationMs := time.Since(start).Milliseconds()

			end := TraceEvent{
				Type: endKind, Timestamp: time.Now().UTC(),
				TraceID: traceID, ParentTraceID: parentTraceID,
				Server: line.Server, Tool: line.Tool, Capability: line.Name,
				Success: err == nil, DurationMs: durationMs, Result: sanitized,
			}
			if err != nil {
				end.Error = err.Error()
			}
			traces.record(end)

			resp := rpcResponse{ID: line.ID, Result: sanitized}
			if err != nil {
				resp.Error = err.Error()
			}
			writeResponse(stdin, resp)
		}(line)
	}

	if err := scanner.Err(); err != nil {
		errCh <- gwerrors.Internal(err, "read worker stdout")
		return
	}
	errCh <- gwerrors.Internal(nil, "sandbox worker exited without a final result")
}

func writeResponse(w io.Writer, resp rpcResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = w.Write(b)
}

// boundedWriter caps how many bytes it accumulates, discarding the rest —
// grounded on the teacher's maxSSHOutput truncation for remote command
// output.
type boundedWriter struct {
	buf *bytes.Buffer
	max int
}

func (b *boundedWriter) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	b.buf.Write(p)
	return len(p), nil
}
