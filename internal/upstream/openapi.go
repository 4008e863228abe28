package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcphub-dev/mcphub/internal/settings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"
)

// openAPIOperation is the synthesized MCP tool for one OpenAPI operation:
// spec.md §4.2's "synthesise an MCP tool per operation by de-referencing
// the OpenAPI document... Tool names are the operation IDs; tool input
// schemas are derived from parameter and request-body schemas."
type openAPIOperation struct {
	toolName    string
	description string
	method      string
	path        string
	inputSchema json.RawMessage

	pathParams  []string
	queryParams []string
	headerParams []string
	hasBody     bool
}

// openAPIUpstream stands in for a real mcp-go client.Client when a server's
// ServerConfig.Type is openapi: it never dials a transport, it synthesizes
// its own tool catalog from the document and executes tool calls as plain
// HTTP requests.
type openAPIUpstream struct {
	baseURL    string
	operations map[string]*openAPIOperation
	security   string
	passthrough map[string]bool
	httpClient *http.Client
}

// loadOpenAPI fetches (or parses the embedded) OpenAPI document and
// synthesizes one tool per operation.
func loadOpenAPI(ctx context.Context, cfg *settings.OpenAPIConfig) (*openAPIUpstream, error) {
	if cfg == nil {
		return nil, fmt.Errorf("openapi: server has no openapi config")
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = true

	var doc *openapi3.T
	var err error
	switch {
	case cfg.Schema != "":
		doc, err = loader.LoadFromData([]byte(cfg.Schema))
	case cfg.URL != "":
		u, perr := url.Parse(cfg.URL)
		if perr != nil {
			return nil, fmt.Errorf("openapi: invalid url: %w", perr)
		}
		doc, err = loader.LoadFromURI(u)
	default:
		return nil, fmt.Errorf("openapi: one of url or schema is required")
	}
	if err != nil {
		return nil, fmt.Errorf("openapi: load document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("openapi: invalid document: %w", err)
	}

	baseURL := cfg.URL
	if len(doc.Servers) > 0 && doc.Servers[0].URL != "" {
		baseURL = doc.Servers[0].URL
	}

	passthrough := make(map[string]bool, len(cfg.PassthroughHeaders))
	for _, h := range cfg.PassthroughHeaders {
		passthrough[strings.ToLower(h)] = true
	}

	up := &openAPIUpstream{
		baseURL:     baseURL,
		operations:  map[string]*openAPIOperation{},
		security:    cfg.Security,
		passthrough: passthrough,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}

	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op == nil {
				continue
			}
			name := op.OperationID
			if name == "" {
				name = strings.ToLower(method) + "_" + sanitizeOperationName(path)
			}
			up.operations[name] = buildOperation(name, method, path, op)
		}
	}

	return up, nil
}

func sanitizeOperationName(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func buildOperation(name, method, path string, op *openapi3.Operation) *openAPIOperation {
	properties := map[string]interface{}{}
	var required []string

	o := &openAPIOperation{toolName: name, method: strings.ToUpper(method), path: path, description: op.Description}
	if o.description == "" {
		o.description = op.Summary
	}

	for _, pref := range op.Parameters {
		if pref == nil || pref.Value == nil {
			continue
		}
		p := pref.Value
		schema := map[string]interface{}{"type": "string", "description": p.Description}
		if p.Schema != nil && p.Schema.Value != nil && len(p.Schema.Value.Type.Slice()) > 0 {
			schema["type"] = p.Schema.Value.Type.Slice()[0]
		}
		properties[p.Name] = schema
		if p.Required {
			required = append(required, p.Name)
		}
		switch p.In {
		case "path":
			o.pathParams = append(o.pathParams, p.Name)
		case "query":
			o.queryParams = append(o.queryParams, p.Name)
		case "header":
			o.headerParams = append(o.headerParams, p.Name)
		}
	}

	if op.RequestBody != nil && op.RequestBody.Value != nil {
		o.hasBody = true
		properties["body"] = map[string]interface{}{
			"type":        "object",
			"description": "JSON request body",
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	o.inputSchema = raw
	return o
}

// listTools returns the synthesized catalog as ToolInfo so it flows
// through Client.refreshCatalog exactly like a dialed upstream's
// tools/list result.
func (u *openAPIUpstream) listTools() []ToolInfo {
	out := make([]ToolInfo, 0, len(u.operations))
	for _, op := range u.operations {
		out = append(out, ToolInfo{Name: op.toolName, Description: op.description, InputSchema: op.inputSchema})
	}
	return out
}

// callTool performs the HTTP request for toolName, substituting path
// parameters, attaching query/header parameters and the JSON body, and
// forwarding request-context headers named in passthroughHeaders.
func (u *openAPIUpstream) callTool(ctx context.Context, toolName string, args map[string]interface{}, passthroughHeaders map[string]string) (*mcp.CallToolResult, error) {
	op, ok := u.operations[toolName]
	if !ok {
		return nil, fmt.Errorf("openapi: unknown operation %q", toolName)
	}

	path := op.path
	for _, name := range op.pathParams {
		if v, ok := args[name]; ok {
			path = strings.ReplaceAll(path, "{"+name+"}", fmt.Sprintf("%v", v))
		}
	}

	full := strings.TrimRight(u.baseURL, "/") + path
	u2, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("openapi: build url: %w", err)
	}
	q := u2.Query()
	for _, name := range op.queryParams {
		if v, ok := args[name]; ok {
			q.Set(name, fmt.Sprintf("%v", v))
		}
	}
	u2.RawQuery = q.Encode()

	var body io.Reader
	if op.hasBody {
		if b, ok := args["body"]; ok {
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("openapi: marshal body: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.method, u2.String(), body)
	if err != nil {
		return nil, fmt.Errorf("openapi: build request: %w", err)
	}
	if op.hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, name := range op.headerParams {
		if v, ok := args[name]; ok {
			req.Header.Set(name, fmt.Sprintf("%v", v))
		}
	}
	for name, value := range passthroughHeaders {
		if u.passthrough[strings.ToLower(name)] {
			req.Header.Set(name, value)
		}
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openapi: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openapi: read response: %w", err)
	}

	result := &mcp.CallToolResult{}
	result.Content = []mcp.Content{mcp.TextContent{Type: "text", Text: string(raw)}}
	if resp.StatusCode >= 400 {
		result.IsError = true
	}
	return result, nil
}
