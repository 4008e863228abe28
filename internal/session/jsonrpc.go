package session

import (
	"context"
	"encoding/json"

	"github.com/mcphub-dev/mcphub/internal/dispatch"
)

// rpcRequest/rpcResponse are the hand-rolled JSON-RPC 2.0 envelope this
// transport layer frames itself, per the design decision recorded in
// DESIGN.md: MCPHub's per-session dynamic/scoped catalogs don't fit
// mcp-go's server.MCPServer (built around one static, process-wide tool
// set), so SessionManager speaks JSON-RPC directly and only reuses
// mcp-go's mcp.* result types for the payloads RequestDispatcher returns.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *dispatch.Error `json:"error,omitempty"`
}

func newResult(id interface{}, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func newRPCError(id interface{}, err *dispatch.Error) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: err}
}

// handle dispatches one parsed JSON-RPC request against d, returning the
// response to frame back to the client. A nil return means the message
// was a notification (no id) and needs no response.
func (m *Manager) handle(ctx context.Context, sess *DownstreamSession, req rpcRequest) *rpcResponse {
	if req.Method == "$/cancelRequest" {
		var params struct {
			ID interface{} `json:"id"`
		}
		_ = json.Unmarshal(req.Params, &params)
		sess.cancelCall(params.ID)
		return nil
	}

	rc := dispatch.RequestContext{SessionID: sess.ID, Headers: sess.headersSnapshot(), User: sess.User, Scope: sess.Scope}

	switch req.Method {
	case "initialize":
		return newResult(req.ID, m.dispatcher.Initialize())

	case "tools/list":
		return newResult(req.ID, map[string]interface{}{"tools": m.dispatcher.ListTools(sess.Scope)})

	case "tools/call":
		var params struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
			Meta      *struct {
				ProgressToken interface{} `json:"progressToken"`
			} `json:"_meta"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newRPCError(req.ID, invalidParamsErr("malformed tools/call params"))
		}
		if params.Meta != nil && params.Meta.ProgressToken != nil {
			rc.ProgressToken = params.Meta.ProgressToken
			m.registerProgress(rc.ProgressToken, sess)
			defer m.unregisterProgress(rc.ProgressToken)
		}
		callCtx, cancel := context.WithCancel(ctx)
		if req.ID != nil {
			sess.trackCall(req.ID, cancel)
			defer sess.untrackCall(req.ID)
		}
		defer cancel()
		result, derr := m.dispatcher.CallTool(callCtx, rc, params.Name, params.Arguments)
		if derr != nil {
			return newRPCError(req.ID, derr)
		}
		return newResult(req.ID, result)

	case "prompts/list":
		return newResult(req.ID, map[string]interface{}{"prompts": m.dispatcher.ListPrompts(sess.Scope)})

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newRPCError(req.ID, invalidParamsErr("malformed prompts/get params"))
		}
		result, derr := m.dispatcher.GetPrompt(ctx, rc, params.Name, params.Arguments)
		if derr != nil {
			return newRPCError(req.ID, derr)
		}
		return newResult(req.ID, result)

	case "resources/list":
		return newResult(req.ID, map[string]interface{}{"resources": m.dispatcher.ListResources(sess.Scope)})

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newRPCError(req.ID, invalidParamsErr("malformed resources/read params"))
		}
		result, derr := m.dispatcher.ReadResource(ctx, rc, params.URI)
		if derr != nil {
			return newRPCError(req.ID, derr)
		}
		return newResult(req.ID, result)

	default:
		if req.ID == nil {
			return nil
		}
		return newRPCError(req.ID, methodNotFoundErr(req.Method))
	}
}

func invalidParamsErr(msg string) *dispatch.Error {
	return &dispatch.Error{Code: dispatch.CodeInvalidParams, Message: msg}
}

func methodNotFoundErr(method string) *dispatch.Error {
	return &dispatch.Error{Code: dispatch.CodeMethodNotFound, Message: "method not found: " + method}
}
