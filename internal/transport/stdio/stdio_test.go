package stdio

import (
	"context"
	"sort"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeInvoker struct {
	lastTool string
	lastArgs map[string]any
}

func (f *fakeInvoker) InvokeTool(_ context.Context, toolID string, args map[string]any) (any, error) {
	f.lastTool = toolID
	f.lastArgs = args
	return map[string]any{"tool": toolID}, nil
}

func connectClient(t *testing.T, s *Server) *mcpsdk.ClientSession {
	t.Helper()

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx, serverTransport) }()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(context.Background(), clientTransport, nil)
	if err != nil {
		cancel()
		t.Fatalf("connect client: %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
		cancel()
	})
	return session
}

func TestToolsListIncludesBuiltins(t *testing.T) {
	s := New(nil, &fakeInvoker{}, "test")
	session := connectClient(t, s)

	result, err := session.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	found := false
	for _, n := range names {
		if n == "pml:discover" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected pml:discover among tools, got %v", names)
	}
}

func TestToolsCallResolvesDeprecatedSynonym(t *testing.T) {
	inv := &fakeInvoker{}
	s := New(nil, inv, "test")
	session := connectClient(t, s)

	_, err := session.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "pml:search_tools",
		Arguments: map[string]any{"query": "fetch"},
	})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if inv.lastTool != "pml:discover" {
		t.Fatalf("expected synonym resolved to pml:discover, got %s", inv.lastTool)
	}
}
