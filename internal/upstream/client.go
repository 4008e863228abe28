package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mcphub-dev/mcphub/internal/settings"
	"github.com/mcphub-dev/mcphub/internal/transport"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// OAuthProvider is the narrow slice of the OAuthCoordinator (spec.md §4.3)
// that UpstreamRegistry needs: turn a server's OAuthConfig into a usable
// bearer token, or kick off the flow that will eventually produce one.
type OAuthProvider interface {
	// Token returns a currently-valid access token for serverName, or
	// an error if none is available and the caller should fall back to
	// BeginAuthorization.
	Token(ctx context.Context, serverName string, cfg *settings.OAuthConfig) (string, error)

	// BeginAuthorization starts (or continues) whichever OAuth flow
	// applies — dynamic client registration, then PKCE authorization
	// code. It never blocks on user interaction; the client stays in
	// oauth_required until a callback arrives out of band.
	BeginAuthorization(ctx context.Context, serverName string, cfg *settings.OAuthConfig) error
}

// Client owns one upstream MCP connection: its transport, its lifecycle
// state, and its tool/prompt/resource catalog. It is created on settings
// load and destroyed on removal or on a material config change (spec.md
// §3); an explicit reconnect reuses the same Client.
type Client struct {
	name      string
	separator string
	logger    *zap.Logger
	oauth     OAuthProvider

	mu      sync.RWMutex
	config  *settings.ServerConfig
	mcp     *client.Client
	info    *mcp.InitializeResult
	openapi *openAPIUpstream

	sm *stateMachine

	notify         func(n mcp.JSONRPCNotification)
	catalogChanged func()

	tools     []ToolInfo
	prompts   []PromptInfo
	resources []ResourceInfo
}

// CallContext carries the per-request downstream context a dispatched
// tools/call forwards upstream: the header snapshot openapi upstreams
// consume for passthroughHeaders, and the progress token the downstream
// attached, if any (spec.md §4.6).
type CallContext struct {
	Headers       map[string]string
	ProgressToken interface{}
}

// NewClient constructs a Client for server, not yet connected.
func NewClient(name string, server *settings.ServerConfig, separator string, oauth OAuthProvider, logger *zap.Logger) *Client {
	return &Client{
		name:      name,
		separator: separator,
		logger:    logger.With(zap.String("upstream", name)),
		oauth:     oauth,
		config:    server,
		sm:        newStateMachine(),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) State() ConnectionState { return c.sm.current() }

func (c *Client) OnStateChange(fn func(old, new ConnectionState)) { c.sm.onStateChange(fn) }

func (c *Client) ShouldRetry() bool { return c.sm.readyToRetry() }

// OnNotification registers fn to receive every JSON-RPC notification the
// upstream emits. The registry wraps it with the server name and fans it
// in to downstream sessions.
func (c *Client) OnNotification(fn func(n mcp.JSONRPCNotification)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// OnCatalogChanged registers fn to run after a list_changed notification
// has refreshed this client's cached catalog.
func (c *Client) OnCatalogChanged(fn func()) {
	c.mu.Lock()
	c.catalogChanged = fn
	c.mu.Unlock()
}

// UpdateConfig swaps the server config in place, for a settings reload
// whose change to this server is non-material (tool enable flags,
// description overrides), and re-filters the cached catalog against it in
// the background.
func (c *Client) UpdateConfig(server *settings.ServerConfig) {
	c.mu.Lock()
	c.config = server
	c.mu.Unlock()
	go func() { _ = c.refreshCatalog(context.Background()) }()
}

// configSnapshot returns the server config currently in effect, for the
// registry's material-change diff during a reload.
func (c *Client) configSnapshot() *settings.ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Snapshot returns a read-only view of the client's current status.
func (c *Client) Snapshot() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Name:      c.name,
		State:     c.sm.current(),
		LastError: c.sm.lastErr(),
		Tools:     append([]ToolInfo(nil), c.tools...),
		Prompts:   append([]PromptInfo(nil), c.prompts...),
		Resources: append([]ResourceInfo(nil), c.resources...),
	}
}

// Connect dials the transport appropriate to the server's declared type,
// performs the MCP initialize handshake, and refreshes the tool catalog.
// On an OAuth challenge it transitions to oauth_required and asks the
// OAuthProvider to begin authorization instead of failing outright.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()

	c.sm.transition(StateConnecting)

	if cfg.Type == settings.ServerTypeOpenAPI {
		return c.connectOpenAPI(ctx, cfg)
	}

	mcpClient, stdioRes, err := c.dial(cfg)
	if err != nil {
		if isOAuthChallenge(err) {
			return c.enterOAuthRequired(ctx, cfg)
		}
		c.sm.fail(err)
		return fmt.Errorf("upstream %s: dial: %w", c.name, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := mcpClient.Start(connectCtx); err != nil {
		if isOAuthChallenge(err) {
			return c.enterOAuthRequired(ctx, cfg)
		}
		c.sm.fail(err)
		return fmt.Errorf("upstream %s: start: %w", c.name, err)
	}

	if stderr := stdioRes.Stderr(); stderr != nil {
		go c.drainStderr(stderr)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "mcphub", Version: "1.0.0"}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	info, err := mcpClient.Initialize(connectCtx, initReq)
	if err != nil {
		mcpClient.Close()
		if isOAuthChallenge(err) {
			return c.enterOAuthRequired(ctx, cfg)
		}
		c.sm.fail(err)
		return fmt.Errorf("upstream %s: initialize: %w", c.name, err)
	}

	c.mu.Lock()
	c.mcp = mcpClient
	c.info = info
	c.mu.Unlock()

	mcpClient.OnNotification(c.handleNotification)

	if err := c.refreshCatalog(ctx); err != nil {
		c.logger.Warn("catalog refresh after connect failed", zap.Error(err))
	}

	c.sm.transition(StateConnected)
	return nil
}

// connectOpenAPI loads and validates the OpenAPI document and synthesizes
// the tool catalog in place of a dialed MCP handshake, per spec.md §4.2's
// openapi transport variant.
func (c *Client) connectOpenAPI(ctx context.Context, cfg *settings.ServerConfig) error {
	up, err := loadOpenAPI(ctx, cfg.OpenAPI)
	if err != nil {
		c.sm.fail(err)
		return fmt.Errorf("upstream %s: %w", c.name, err)
	}

	c.mu.Lock()
	c.openapi = up
	tools := make([]ToolInfo, 0, len(up.operations))
	for _, t := range up.listTools() {
		setting, ok := cfg.Tools[t.Name]
		if ok && !setting.Enabled {
			continue
		}
		if ok && setting.Description != "" {
			t.Description = setting.Description
		}
		tools = append(tools, t)
	}
	c.tools = tools
	c.mu.Unlock()

	c.sm.transition(StateConnected)
	return nil
}

func (c *Client) dial(cfg *settings.ServerConfig) (*client.Client, *transport.StdioClientResult, error) {
	switch cfg.Type {
	case settings.ServerTypeStdio:
		res, err := transport.CreateStdioClient(transport.NewStdioConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		return res.Client, res, nil
	case settings.ServerTypeSSE:
		token := c.bearerToken(context.Background(), cfg)
		cl, err := transport.CreateSSEClient(transport.NewHTTPConfig(cfg, token), c.logger)
		return cl, nil, err
	case settings.ServerTypeStreamableHTTP:
		token := c.bearerToken(context.Background(), cfg)
		cl, err := transport.CreateStreamableHTTPClient(transport.NewHTTPConfig(cfg, token), c.logger)
		return cl, nil, err
	case settings.ServerTypeOpenAPI:
		return nil, nil, fmt.Errorf("openapi servers are synthesized, not dialed directly")
	default:
		return nil, nil, fmt.Errorf("unsupported server type %q", cfg.Type)
	}
}

// drainStderr pumps the stdio subprocess stderr pipe into the log sink
// line by line, even while the client is blocked on stdin. Grounded on
// the teacher's monitorStderr in internal/upstream/core/client.go.
func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.logger.Info("stderr output", zap.String("message", line))
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("stderr read error", zap.Error(err))
		return
	}
	c.logger.Debug("stderr stream ended")
}

// handleNotification runs on every JSON-RPC notification the upstream
// emits: list_changed notifications refresh the cached catalog before the
// notification is forwarded downstream via the registered callback.
func (c *Client) handleNotification(n mcp.JSONRPCNotification) {
	switch n.Method {
	case string(mcp.MethodNotificationToolsListChanged),
		"notifications/prompts/list_changed",
		"notifications/resources/list_changed":
		if err := c.refreshCatalog(context.Background()); err != nil {
			c.logger.Warn("catalog refresh after list_changed failed", zap.Error(err))
		}
		c.mu.RLock()
		changed := c.catalogChanged
		c.mu.RUnlock()
		if changed != nil {
			changed()
		}
	}

	c.mu.RLock()
	fn := c.notify
	c.mu.RUnlock()
	if fn != nil {
		fn(n)
	}
}

func (c *Client) bearerToken(ctx context.Context, cfg *settings.ServerConfig) string {
	if c.oauth == nil || cfg.OAuth == nil {
		return ""
	}
	token, err := c.oauth.Token(ctx, c.name, cfg.OAuth)
	if err != nil {
		return ""
	}
	return token
}

func (c *Client) enterOAuthRequired(ctx context.Context, cfg *settings.ServerConfig) error {
	c.sm.transition(StateOAuthRequired)
	if c.oauth == nil {
		return fmt.Errorf("upstream %s requires OAuth but no coordinator is configured", c.name)
	}
	if cfg.OAuth == nil {
		cfg.OAuth = &settings.OAuthConfig{}
	}
	if err := c.oauth.BeginAuthorization(ctx, c.name, cfg.OAuth); err != nil {
		c.sm.fail(err)
		return fmt.Errorf("upstream %s: begin authorization: %w", c.name, err)
	}
	return nil
}

// Disconnect closes the live transport and marks the client disconnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	mcpClient := c.mcp
	c.mcp = nil
	c.mu.Unlock()

	if mcpClient != nil {
		_ = mcpClient.Close()
	}
	c.sm.transition(StateDisconnected)
	return nil
}

// Remove tears the client down permanently; it will not be retried.
func (c *Client) Remove() {
	c.mu.Lock()
	mcpClient := c.mcp
	c.mcp = nil
	c.mu.Unlock()
	if mcpClient != nil {
		_ = mcpClient.Close()
	}
	c.sm.transition(StateRemoved)
}

func (c *Client) liveClient() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.mcp == nil || c.sm.current() != StateConnected {
		return nil, fmt.Errorf("upstream %s is not connected", c.name)
	}
	return c.mcp, nil
}

// refreshCatalog pulls tools/list (and, when the server advertises the
// capability, prompts/list and resources/list), applying per-item enable
// flags and description overrides from ServerConfig.
func (c *Client) refreshCatalog(ctx context.Context) error {
	c.mu.RLock()
	isOpenAPI := c.openapi != nil
	c.mu.RUnlock()
	if isOpenAPI {
		// The openapi catalog is static (derived once from the document at
		// connect time); only the per-tool enable/description overrides are
		// re-applied here against the current config.
		c.mu.Lock()
		tools := make([]ToolInfo, 0, len(c.openapi.operations))
		for _, t := range c.openapi.listTools() {
			setting, ok := c.config.Tools[t.Name]
			if ok && !setting.Enabled {
				continue
			}
			if ok && setting.Description != "" {
				t.Description = setting.Description
			}
			tools = append(tools, t)
		}
		c.tools = tools
		c.mu.Unlock()
		return nil
	}

	mcpClient, err := c.liveClient()
	if err != nil {
		return err
	}

	c.mu.RLock()
	info := c.info
	cfg := c.config
	c.mu.RUnlock()

	var tools []ToolInfo
	if info != nil && info.Capabilities.Tools != nil {
		res, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return fmt.Errorf("tools/list: %w", err)
		}
		for _, t := range res.Tools {
			setting, ok := cfg.Tools[t.Name]
			if ok && !setting.Enabled {
				continue
			}
			description := t.Description
			if ok && setting.Description != "" {
				description = setting.Description
			}
			schema, _ := mcp.ToolArgumentsSchema(t.InputSchema).MarshalJSON()
			tools = append(tools, ToolInfo{Name: t.Name, Description: description, InputSchema: schema})
		}
	}

	var prompts []PromptInfo
	if info != nil && info.Capabilities.Prompts != nil {
		res, err := mcpClient.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err == nil {
			for _, p := range res.Prompts {
				prompts = append(prompts, PromptInfo{Name: p.Name, Description: p.Description})
			}
		}
	}

	var resources []ResourceInfo
	if info != nil && info.Capabilities.Resources != nil {
		res, err := mcpClient.ListResources(ctx, mcp.ListResourcesRequest{})
		if err == nil {
			for _, r := range res.Resources {
				resources = append(resources, ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
			}
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.prompts = prompts
	c.resources = resources
	c.mu.Unlock()
	return nil
}

// ListTools returns the cached tool catalog, refreshing it first.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if err := c.refreshCatalog(ctx); err != nil {
		c.mu.RLock()
		cached := append([]ToolInfo(nil), c.tools...)
		c.mu.RUnlock()
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolInfo(nil), c.tools...), nil
}

// CallTool invokes toolName with args. A 401 mid-session transitions the
// client to oauth_required and fails this call with a retriable error;
// in-flight sibling requests on other clients are unaffected.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.CallToolWithContext(ctx, toolName, args, CallContext{})
}

// CallToolWithContext is CallTool plus the downstream request's
// CallContext: the header snapshot is consumed only by openapi upstreams
// to forward headers named in their passthroughHeaders list, and the
// progress token rides along so the upstream's progress notifications
// can be correlated back to the originating downstream call (spec.md
// §4.6's per-request RequestContext).
func (c *Client) CallToolWithContext(ctx context.Context, toolName string, args map[string]interface{}, cc CallContext) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	op := c.openapi
	c.mu.RUnlock()
	if op != nil {
		result, err := op.callTool(ctx, toolName, args, cc.Headers)
		if err != nil {
			c.sm.fail(err)
			return nil, fmt.Errorf("upstream %s: call tool %s: %w", c.name, toolName, err)
		}
		return result, nil
	}

	mcpClient, err := c.liveClient()
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	if cc.ProgressToken != nil {
		req.Params.Meta = &mcp.Meta{ProgressToken: cc.ProgressToken}
	}

	result, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		if isOAuthChallenge(err) {
			c.mu.RLock()
			cfg := c.config
			c.mu.RUnlock()
			_ = c.enterOAuthRequired(ctx, cfg)
			return nil, fmt.Errorf("upstream %s: authorization expired, retry after re-auth: %w", c.name, err)
		}
		c.sm.fail(err)
		return nil, fmt.Errorf("upstream %s: call tool %s: %w", c.name, toolName, err)
	}
	return result, nil
}

// isOAuthChallenge reports whether err is the transport-level signal that
// the upstream requires (re-)authorization: a 401 with a WWW-Authenticate
// hint, surfaced by mark3labs/mcp-go as a plain error whose text carries
// the status and header.
func isOAuthChallenge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "oauth") && strings.Contains(msg, "required")
}

// GetPrompt forwards prompts/get to the upstream.
func (c *Client) GetPrompt(ctx context.Context, promptName string, args map[string]string) (*mcp.GetPromptResult, error) {
	mcpClient, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = promptName
	req.Params.Arguments = args
	result, err := mcpClient.GetPrompt(ctx, req)
	if err != nil {
		if isOAuthChallenge(err) {
			c.mu.RLock()
			cfg := c.config
			c.mu.RUnlock()
			_ = c.enterOAuthRequired(ctx, cfg)
		}
		return nil, fmt.Errorf("upstream %s: get prompt %s: %w", c.name, promptName, err)
	}
	return result, nil
}

// ReadResource forwards resources/read to the upstream.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	mcpClient, err := c.liveClient()
	if err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	result, err := mcpClient.ReadResource(ctx, req)
	if err != nil {
		if isOAuthChallenge(err) {
			c.mu.RLock()
			cfg := c.config
			c.mu.RUnlock()
			_ = c.enterOAuthRequired(ctx, cfg)
		}
		return nil, fmt.Errorf("upstream %s: read resource %s: %w", c.name, uri, err)
	}
	return result, nil
}

// ToggleTool flips the enable flag for toolName in this client's config
// and refreshes the cached catalog so the change is visible immediately,
// without requiring a settings reload round-trip.
func (c *Client) ToggleTool(toolName string, enabled bool) {
	c.mu.Lock()
	if c.config.Tools == nil {
		c.config.Tools = map[string]settings.ToolSetting{}
	}
	setting := c.config.Tools[toolName]
	setting.Enabled = enabled
	c.config.Tools[toolName] = setting
	c.mu.Unlock()

	_ = c.refreshCatalog(context.Background())
}

// TogglePrompt mirrors ToggleTool for a prompt name.
func (c *Client) TogglePrompt(promptName string, enabled bool) {
	c.mu.Lock()
	if c.config.Prompts == nil {
		c.config.Prompts = map[string]settings.ToolSetting{}
	}
	setting := c.config.Prompts[promptName]
	setting.Enabled = enabled
	c.config.Prompts[promptName] = setting
	c.mu.Unlock()

	_ = c.refreshCatalog(context.Background())
}

// Options returns this server's per-call timeout options as configured;
// a zero TimeoutMs means the dispatcher applies its own fallback.
func (c *Client) Options() settings.ToolOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.config.Options == nil {
		return settings.ToolOptions{}
	}
	return *c.config.Options
}
