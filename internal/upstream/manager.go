// Package upstream implements the UpstreamRegistry (spec.md §4.2): it owns
// every upstream client's lifecycle, transport dial, retry/backoff, and
// tool/prompt/resource catalog. Grounded on the teacher's
// internal/upstream/manager.go and client.go, with OAuth token acquisition
// factored out to an injected OAuthProvider (spec.md §9: constructor
// injection, no package-global coordinator) instead of the teacher's
// in-client OAuth state machine.
package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcphub-dev/mcphub/internal/settings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Registry is the UpstreamRegistry: a name-keyed map of live Clients, kept
// in sync with the SettingsStore via Reload, plus a background retry loop
// that reconnects disconnected clients on their backoff schedule.
type Registry struct {
	logger *zap.Logger
	oauth  OAuthProvider

	mu      sync.RWMutex
	clients map[string]*Client

	separator string

	notify         func(serverName string, n mcp.JSONRPCNotification)
	catalogChanged func(serverName string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OnNotification registers fn to receive every JSON-RPC notification any
// upstream emits, tagged with the originating server name. SessionManager
// fans these in to the downstream sessions whose scope includes that
// server (spec.md §4.6). Set before the first Reload.
func (r *Registry) OnNotification(fn func(serverName string, n mcp.JSONRPCNotification)) {
	r.mu.Lock()
	r.notify = fn
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		name := c.Name()
		c.OnNotification(func(n mcp.JSONRPCNotification) { fn(name, n) })
	}
}

// OnCatalogChanged registers fn to run whenever a server's cached catalog
// changes out of band (a tools/prompts/resources list_changed
// notification); the caller typically rebuilds the vector index.
func (r *Registry) OnCatalogChanged(fn func(serverName string)) {
	r.mu.Lock()
	r.catalogChanged = fn
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		name := c.Name()
		c.OnCatalogChanged(func() { fn(name) })
	}
}

// wireCallbacks attaches the registry-level notification and catalog
// callbacks to a freshly created client. Caller holds r.mu.
func (r *Registry) wireCallbacks(name string, c *Client) {
	if r.notify != nil {
		fn := r.notify
		c.OnNotification(func(n mcp.JSONRPCNotification) { fn(name, n) })
	}
	if r.catalogChanged != nil {
		fn := r.catalogChanged
		c.OnCatalogChanged(func() { fn(name) })
	}
}

// NewRegistry constructs an empty Registry. Call Reload with the initial
// settings document, then Run to start the retry loop.
func NewRegistry(separator string, oauth OAuthProvider, logger *zap.Logger) *Registry {
	if separator == "" {
		separator = "::"
	}
	return &Registry{
		logger:    logger,
		oauth:     oauth,
		clients:   make(map[string]*Client),
		separator: separator,
	}
}

// Reload diffs doc.MCPServers against the current client map: added
// servers get a fresh Client, removed servers are torn down and dropped,
// and servers whose config changed materially (command/url/env/oauth) are
// torn down and recreated; non-material changes (tool enable flags,
// description overrides) are applied in place via UpdateConfig without a
// reconnect (spec.md §6: "Settings reloads are applied atomically").
func (r *Registry) Reload(doc *settings.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Disabled servers are treated the same as removed ones: no client
	// exists for them, so nothing dials or retries (spec.md §4.2).
	seen := make(map[string]bool, len(doc.MCPServers))
	for name, cfg := range doc.MCPServers {
		if cfg.IsEnabled() {
			seen[name] = true
		}
	}

	for name, existing := range r.clients {
		if !seen[name] {
			existing.Remove()
			delete(r.clients, name)
		}
	}

	for name, cfg := range doc.MCPServers {
		if !cfg.IsEnabled() {
			continue
		}
		existing, ok := r.clients[name]
		if !ok {
			c := NewClient(name, cfg, r.separator, r.oauth, r.logger)
			c.OnStateChange(r.logStateChange(name))
			r.wireCallbacks(name, c)
			r.clients[name] = c
			continue
		}
		if materiallyChanged(existing.configSnapshot(), cfg) {
			existing.Remove()
			c := NewClient(name, cfg, r.separator, r.oauth, r.logger)
			c.OnStateChange(r.logStateChange(name))
			r.wireCallbacks(name, c)
			r.clients[name] = c
		} else {
			existing.UpdateConfig(cfg)
		}
	}
}

func (r *Registry) logStateChange(name string) func(old, new ConnectionState) {
	return func(old, new ConnectionState) {
		r.logger.Info("upstream state change",
			zap.String("server", name),
			zap.String("from", old.String()),
			zap.String("to", new.String()))
	}
}

func materiallyChanged(a, b *settings.ServerConfig) bool {
	if a == nil || b == nil {
		return true
	}
	if a.Type != b.Type || a.Command != b.Command || a.URL != b.URL {
		return true
	}
	if len(a.Args) != len(b.Args) {
		return true
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return true
		}
	}
	if !stringMapEqual(a.Env, b.Env) || !stringMapEqual(a.Headers, b.Headers) {
		return true
	}
	return oauthChanged(a.OAuth, b.OAuth)
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func oauthChanged(a, b *settings.OAuthConfig) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return a.ClientID != b.ClientID || a.ClientSecret != b.ClientSecret ||
		a.AuthorizationEndpoint != b.AuthorizationEndpoint || a.TokenEndpoint != b.TokenEndpoint
}

// Run starts the background loop that connects init-state clients and
// retries disconnected ones on their exponential backoff schedule, until
// ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.connectLoop(ctx)
	}()
}

func (r *Registry) connectLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	r.connectDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.connectDue(ctx)
		}
	}
}

func (r *Registry) connectDue(ctx context.Context) {
	for _, c := range r.Clients() {
		c := c
		switch c.State() {
		case StateInit:
			go r.connectOne(ctx, c)
		case StateDisconnected:
			if c.ShouldRetry() {
				go r.connectOne(ctx, c)
			}
		}
	}
}

func (r *Registry) connectOne(ctx context.Context, c *Client) {
	if err := c.Connect(ctx); err != nil {
		r.logger.Warn("upstream connect failed", zap.String("server", c.Name()), zap.Error(err))
	}
}

// Stop cancels the retry loop and waits for it to exit. It does not
// disconnect live clients; callers that want a clean shutdown should
// range Clients() and Disconnect each one first.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Get returns the client named name, if any.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Clients returns a stable snapshot of all registered clients.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Reconnect forces an explicit reconnect of the named client, bypassing
// its backoff schedule.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("upstream %q not found", name)
	}
	_ = c.Disconnect()
	return c.Connect(ctx)
}

// List returns a stable snapshot of every client's Status, optionally
// restricted by filter.Servers.
func (r *Registry) List(filter Filter) []Status {
	var out []Status
	for _, c := range r.Clients() {
		if !filter.allows(c.Name()) {
			continue
		}
		out = append(out, c.Snapshot())
	}
	sortStatusesByName(out)
	return out
}

func sortStatusesByName(s []Status) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Name < s[j-1].Name; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// CatalogTools returns the qualified tool catalog across every client that
// passes filter, deduplicated and ordered by (serverName, toolName) per
// spec.md §4.6.
func (r *Registry) CatalogTools(filter Filter) []QualifiedTool {
	var out []QualifiedTool
	seen := map[string]bool{}
	for _, c := range r.Clients() {
		if !filter.allows(c.Name()) {
			continue
		}
		snap := c.Snapshot()
		for _, t := range snap.Tools {
			q := qualify(r.separator, c.Name(), t.Name)
			if seen[q] {
				continue
			}
			seen[q] = true
			out = append(out, QualifiedTool{
				ServerName: c.Name(), ToolName: t.Name, Qualified: q,
				Description: t.Description, InputSchema: t.InputSchema,
			})
		}
	}
	sortTools(out)
	return out
}

func sortTools(t []QualifiedTool) {
	for i := 1; i < len(t); i++ {
		for j := i; j > 0 && lessTool(t[j], t[j-1]); j-- {
			t[j], t[j-1] = t[j-1], t[j]
		}
	}
}

func lessTool(a, b QualifiedTool) bool {
	if a.ServerName != b.ServerName {
		return a.ServerName < b.ServerName
	}
	return a.ToolName < b.ToolName
}

// CatalogPrompts mirrors CatalogTools for the prompts/list catalog.
func (r *Registry) CatalogPrompts(filter Filter) []QualifiedPrompt {
	var out []QualifiedPrompt
	for _, c := range r.Clients() {
		if !filter.allows(c.Name()) {
			continue
		}
		snap := c.Snapshot()
		for _, p := range snap.Prompts {
			out = append(out, QualifiedPrompt{
				ServerName: c.Name(), PromptName: p.Name,
				Qualified: qualify(r.separator, c.Name(), p.Name), Description: p.Description,
			})
		}
	}
	return out
}

// CatalogResources mirrors CatalogTools for the resources/list catalog.
func (r *Registry) CatalogResources(filter Filter) []QualifiedResource {
	var out []QualifiedResource
	for _, c := range r.Clients() {
		if !filter.allows(c.Name()) {
			continue
		}
		snap := c.Snapshot()
		for _, res := range snap.Resources {
			out = append(out, QualifiedResource{
				ServerName: c.Name(), URI: res.URI, Name: res.Name,
				Description: res.Description, MimeType: res.MimeType,
			})
		}
	}
	return out
}

// Separator returns the configured qualified-name separator.
func (r *Registry) Separator() string { return r.separator }

// Connect dials the named server explicitly, bypassing the retry loop's
// backoff schedule.
func (r *Registry) Connect(ctx context.Context, name string) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("upstream %q not found", name)
	}
	return c.Connect(ctx)
}

// Disconnect closes the named server's live transport without removing
// it from the registry; the retry loop will attempt to reconnect it on
// its normal backoff schedule.
func (r *Registry) Disconnect(name string) error {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("upstream %q not found", name)
	}
	return c.Disconnect()
}

// ReconnectAll forces every currently-registered client through a fresh
// Disconnect+Connect cycle.
func (r *Registry) ReconnectAll(ctx context.Context) {
	for _, c := range r.Clients() {
		c := c
		go func() {
			_ = c.Disconnect()
			_ = c.Connect(ctx)
		}()
	}
}

// CallTool dispatches a tools/call to the named server's client.
func (r *Registry) CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("upstream %q not found", serverName)
	}
	return c.CallTool(ctx, toolName, args)
}

// GetPrompt dispatches a prompts/get to the named server's client.
func (r *Registry) GetPrompt(ctx context.Context, serverName, promptName string, args map[string]string) (*mcp.GetPromptResult, error) {
	c, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("upstream %q not found", serverName)
	}
	return c.GetPrompt(ctx, promptName, args)
}

// ReadResource dispatches a resources/read to the named server's client.
func (r *Registry) ReadResource(ctx context.Context, serverName, uri string) (*mcp.ReadResourceResult, error) {
	c, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("upstream %q not found", serverName)
	}
	return c.ReadResource(ctx, uri)
}

// ToggleTool flips a per-tool enable flag on the named server's client.
func (r *Registry) ToggleTool(serverName, toolName string, enabled bool) error {
	c, ok := r.Get(serverName)
	if !ok {
		return fmt.Errorf("upstream %q not found", serverName)
	}
	c.ToggleTool(toolName, enabled)
	return nil
}

// TogglePrompt flips a per-prompt enable flag on the named server's client.
func (r *Registry) TogglePrompt(serverName, promptName string, enabled bool) error {
	c, ok := r.Get(serverName)
	if !ok {
		return fmt.Errorf("upstream %q not found", serverName)
	}
	c.TogglePrompt(promptName, enabled)
	return nil
}

// CallToolWithContext is CallTool plus the downstream CallContext (header
// snapshot for openapi passthroughHeaders, progress token for progress
// notification correlation).
func (r *Registry) CallToolWithContext(ctx context.Context, serverName, toolName string, args map[string]interface{}, cc CallContext) (*mcp.CallToolResult, error) {
	c, ok := r.Get(serverName)
	if !ok {
		return nil, fmt.Errorf("upstream %q not found", serverName)
	}
	return c.CallToolWithContext(ctx, toolName, args, cc)
}
