// Package mcpclient is the gateway's MCP client side: it dials backing MCP
// tool servers over Streamable HTTP and bridges their tools into the
// gateway's own tool-invocation surface.
//
// Grounded on the teacher's internal/mcp/client.go (Manager/ServerConnection,
// mcpsdk.StreamableClientTransport, the "mcp.<server>.<tool>" namespacing
// convention) with one structural change: a single Connection here
// satisfies internal/pool.Conn (Ping/Close) directly, so internal/pool owns
// the sizing/health-check lifecycle the teacher's Manager did in-house, and
// this package only owns the protocol bridge.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolInfo describes one tool discovered on a backing server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema any
}

// Connection is a live session against one backing MCP server, satisfying
// internal/pool.Conn so internal/pool can own its lifecycle.
type Connection struct {
	Backend  string
	Endpoint string

	client  *mcpsdk.Client
	session *mcpsdk.ClientSession
}

// Dial connects to endpoint over Streamable HTTP and returns a live
// Connection. backend is a label used only for namespacing tool names.
func Dial(ctx context.Context, backend, endpoint string, httpTimeout time.Duration) (*Connection, error) {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "pml-gateway",
		Version: "1.0.0",
	}, nil)

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:             endpoint,
		HTTPClient:           &http.Client{Timeout: httpTimeout},
		DisableStandaloneSSE: true,
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", endpoint, err)
	}

	return &Connection{Backend: backend, Endpoint: endpoint, client: client, session: session}, nil
}

// Ping verifies liveness, implementing internal/pool.Conn.
func (c *Connection) Ping(ctx context.Context) error {
	return c.session.Ping(ctx, &mcpsdk.PingParams{})
}

// Close ends the session, implementing internal/pool.Conn.
func (c *Connection) Close() error {
	return c.session.Close()
}

// ListTools discovers the backing server's tool catalog.
func (c *Connection) ListTools(ctx context.Context) ([]ToolInfo, error) {
	result, err := c.session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.Backend, err)
	}
	out := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out, nil
}

// QualifiedName returns the "mcp.<backend>.<tool>" namespaced name the
// gateway's capability/tool graph stores a backing tool under.
func (c *Connection) QualifiedName(toolName string) string {
	return fmt.Sprintf("mcp.%s.%s", c.Backend, toolName)
}

// InvokeTool calls toolName on the backing server and returns its result
// decoded from the first text content block, falling back to the raw
// string when the block isn't JSON.
func (c *Connection) InvokeTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", toolName, c.Backend, err)
	}

	text := extractText(result)
	if result.IsError {
		return nil, fmt.Errorf("tool %s on %s returned an error: %s", toolName, c.Backend, text)
	}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

func extractText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, block := range result.Content {
		if tc, ok := block.(*mcpsdk.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
