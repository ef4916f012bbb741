package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pmlrun/gateway/internal/gwerrors"
)

// builtinTools lists the MCP tools advertised over both stdio (Transport A)
// and this HTTP JSON-RPC endpoint (Transport B's POST /mcp), including the
// deprecated pre-consolidation synonyms that must keep resolving.
var builtinTools = []mcpTool{
	{Name: "pml:discover", Description: "Semantic discovery over tools and capabilities."},
	{Name: "pml:execute", Description: "Execute a DAG or a single capability/tool call."},
	{Name: "pml:search_tools", Description: "Deprecated synonym for pml:discover scoped to tools."},
	{Name: "pml:search_capabilities", Description: "Deprecated synonym for pml:discover scoped to capabilities."},
	{Name: "pml:execute_dag", Description: "Deprecated synonym for pml:execute with a DAG payload."},
	{Name: "pml:execute_code", Description: "Deprecated synonym for pml:execute with inline code."},
}

// deprecatedSynonyms maps a deprecated tool name onto the canonical one
// it's proxied to.
var deprecatedSynonyms = map[string]string{
	"pml:search_tools":        "pml:discover",
	"pml:search_capabilities": "pml:discover",
	"pml:execute_dag":         "pml:execute",
	"pml:execute_code":        "pml:execute",
}

// BuiltinTools returns the MCP tool catalog advertised by both transports,
// for internal/transport/stdio's own tools/list handler.
func BuiltinTools() []mcpTool { return append([]mcpTool(nil), builtinTools...) }

// CanonicalToolName resolves a deprecated synonym onto its replacement,
// returning name unchanged if it isn't a synonym.
func CanonicalToolName(name string) string {
	if canonical, ok := deprecatedSynonyms[name]; ok {
		return canonical
	}
	return name
}

type mcpTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// handleMCP serves the same JSON-RPC 2.0 contract over HTTP that Transport
// A serves over stdio: tools/list and tools/call.
func handleMCP(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
			return
		}

		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "tools/list":
			resp.Result = map[string]any{"tools": builtinTools}
		case "tools/call":
			resp = handleToolsCall(r.Context(), d, req)
		default:
			resp.Error = &rpcError{Code: -32601, Message: "method not found"}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleToolsCall(ctx context.Context, d Deps, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		resp.Error = &rpcError{Code: -32602, Message: "invalid params"}
		return resp
	}
	if canonical, ok := deprecatedSynonyms[params.Name]; ok {
		params.Name = canonical
	}
	if d.Tools == nil {
		resp.Error = &rpcError{Code: -32602, Message: "unknown server"}
		return resp
	}

	result, err := d.Tools.InvokeTool(ctx, params.Name, params.Arguments)
	if err != nil {
		ge, ok := gwerrors.As(err)
		code := -32602
		if ok {
			code = gwerrors.JSONRPCCode(ge.Kind)
		}
		resp.Error = &rpcError{Code: code, Message: err.Error()}
		return resp
	}

	body, _ := json.Marshal(result)
	resp.Result = map[string]any{"content": []map[string]any{{"type": "text", "text": string(body)}}}
	return resp
}
