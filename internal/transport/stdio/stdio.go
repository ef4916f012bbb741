// Package stdio implements Transport A: MCP over stdio JSON-RPC 2.0,
// serving the same tools/list and tools/call contract internal/dispatch's
// mcp.go serves over HTTP (Transport B), built on top of the same
// dispatch.ToolInvoker so neither transport has its own tool-resolution
// logic.
//
// Grounded on the teacher's internal/controlplane/mcpserver.New (an
// mcp.Server built once at construction, tools registered through
// mcp.AddTool, then handed a transport to run over) — generalized from
// that server's HTTP/SSE transport to mcp.StdioTransport, the pairing the
// spec calls for.
package stdio

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/pmlrun/gateway/internal/dispatch"
	"github.com/pmlrun/gateway/internal/gwerrors"
)

// Server serves the gateway's MCP tool surface over stdio.
type Server struct {
	log    *zap.Logger
	tools  dispatch.ToolInvoker
	server *mcpsdk.Server
}

// New creates a stdio Server. version is reported in the MCP
// initialize handshake.
func New(log *zap.Logger, tools dispatch.ToolInvoker, version string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}

	s := &Server{
		log:   log.Named("stdio"),
		tools: tools,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "pml-gateway",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

// Run serves tools/list and tools/call over transport until ctx is
// canceled or the transport's peer disconnects.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	return s.server.Run(ctx, transport)
}

// RunStdio is a convenience for the common case: serve over the process's
// own stdin/stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	for _, t := range dispatch.BuiltinTools() {
		name, description := t.Name, t.Description
		mcpsdk.AddTool(s.server, &mcpsdk.Tool{
			Name:        name,
			Description: description,
		}, func(ctx context.Context, _ *mcpsdk.CallToolRequest, args map[string]any) (*mcpsdk.CallToolResult, any, error) {
			return s.invoke(ctx, name, args)
		})
	}
}

func (s *Server) invoke(ctx context.Context, name string, args map[string]any) (*mcpsdk.CallToolResult, any, error) {
	if s.tools == nil {
		return nil, nil, fmt.Errorf("no tool invoker configured")
	}

	canonical := dispatch.CanonicalToolName(name)
	result, err := s.tools.InvokeTool(ctx, canonical, args)
	if err != nil {
		s.log.Warn("tool invocation failed", zap.String("tool", canonical), zap.Error(err))
		if ge, ok := gwerrors.As(err); ok {
			return &mcpsdk.CallToolResult{IsError: true}, nil, ge
		}
		return &mcpsdk.CallToolResult{IsError: true}, nil, err
	}
	return nil, result, nil
}
