package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcphub-dev/mcphub/internal/index"
	"github.com/mcphub-dev/mcphub/internal/settings"
	"github.com/mcphub-dev/mcphub/internal/upstream"
	"github.com/mcphub-dev/mcphub/internal/workerpool"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// ServerInfo is echoed verbatim by the initialize method (spec.md §4.6).
type ServerInfo struct {
	Name    string
	Version string
}

// ToolCallEvent describes one dispatched tool call for audit purposes.
type ToolCallEvent struct {
	SessionID  string
	User       string
	Scope      string
	ServerName string
	ToolName   string
	Success    bool
	Err        string
	Duration   time.Duration
}

// AuditSink receives a ToolCallEvent after every dispatched tool call,
// success or failure. Implemented by internal/storage.AuditStore via a
// thin adapter in cmd/mcphub, kept out of this package so dispatch has
// no compile-time dependency on the storage backend.
type AuditSink interface {
	RecordToolCall(ToolCallEvent)
}

// Dispatcher is the RequestDispatcher (spec.md §4.6). It holds no session
// state of its own; SessionManager calls it once per JSON-RPC request,
// passing the scope the calling session is bound to.
type Dispatcher struct {
	registry *upstream.Registry
	vector   *index.Manager
	info     ServerInfo
	logger   *zap.Logger
	audit    AuditSink
	pool     *workerpool.Pool

	current atomic.Pointer[settings.Settings]

	// progress maps an in-flight call's progress token (stringified) to
	// the channel its deadline watchdog listens on, for
	// resetTimeoutOnProgress (spec.md §4.6).
	progressMu sync.Mutex
	progress   map[string]chan struct{}

	// defTimeout, when set, replaces the 60s fallback for servers whose
	// options carry no timeoutMs (spec.md §6's REQUEST_TIMEOUT).
	defTimeout time.Duration
}

// SetDefaultTimeout overrides the fallback per-call timeout. Zero or
// negative values are ignored.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.defTimeout = timeout
	}
}

// SetAuditSink attaches an audit sink. Nil (the default) disables
// recording; cmd/mcphub wires a real one at startup.
func (d *Dispatcher) SetAuditSink(sink AuditSink) {
	d.audit = sink
}

// SetWorkerPool bounds concurrent search_tools invocations behind pool
// (spec.md §5). Nil (the default) runs searches inline.
func (d *Dispatcher) SetWorkerPool(pool *workerpool.Pool) {
	d.pool = pool
}

// New constructs a Dispatcher bound to registry and vector, with info
// echoed on initialize. doc is the settings snapshot in effect at
// construction; call Store.Subscribe(d.OnSettingsChanged) so group
// membership and smart-routing config stay current.
func New(registry *upstream.Registry, vector *index.Manager, info ServerInfo, doc *settings.Settings, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		vector:   vector,
		info:     info,
		logger:   logger,
		progress: make(map[string]chan struct{}),
	}
	d.current.Store(doc)
	return d
}

func progressKey(token interface{}) string {
	return fmt.Sprint(token)
}

// NotifyProgress signals the deadline watchdog (if any) of the in-flight
// call identified by token. SessionManager calls it for every
// notifications/progress frame an upstream emits.
func (d *Dispatcher) NotifyProgress(token interface{}) {
	if token == nil {
		return
	}
	d.progressMu.Lock()
	ch := d.progress[progressKey(token)]
	d.progressMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (d *Dispatcher) watchProgress(token interface{}) chan struct{} {
	ch := make(chan struct{}, 1)
	d.progressMu.Lock()
	d.progress[progressKey(token)] = ch
	d.progressMu.Unlock()
	return ch
}

func (d *Dispatcher) unwatchProgress(token interface{}) {
	d.progressMu.Lock()
	delete(d.progress, progressKey(token))
	d.progressMu.Unlock()
}

// OnSettingsChanged is a settings.ChangeCallback: register it via
// Store.Subscribe so the dispatcher's group table and smart-routing
// policy track reloads without restarting.
func (d *Dispatcher) OnSettingsChanged(doc *settings.Settings) {
	d.current.Store(doc)
}

func (d *Dispatcher) doc() *settings.Settings {
	doc := d.current.Load()
	if doc == nil {
		return settings.Default()
	}
	return doc
}

// ResolveScopeID implements spec.md §4.5's documented group-vs-server
// collision tie-break ("group wins") and the `$smart`/`$smart/<id>`
// literal-value grammar. SessionManager calls this once per incoming URL
// to build the RoutingScope it binds a session to.
func (d *Dispatcher) ResolveScopeID(id string) RoutingScope {
	if id == "" {
		return RoutingScope{Kind: ScopeGlobal}
	}
	if id == "$smart" {
		return RoutingScope{Kind: ScopeSmartGlobal}
	}
	if len(id) > len("$smart/") && id[:len("$smart/")] == "$smart/" {
		return RoutingScope{Kind: ScopeSmartGroup, ID: id[len("$smart/"):]}
	}

	doc := d.doc()
	if _, ok := doc.Groups[id]; ok {
		return RoutingScope{Kind: ScopeGroup, ID: id}
	}
	if _, ok := doc.MCPServers[id]; ok {
		return RoutingScope{Kind: ScopeServer, ID: id}
	}
	// Neither exists yet (e.g. a reload race); default to group so a
	// subsequent group creation resolves consistently, per the "group
	// wins" tie-break.
	return RoutingScope{Kind: ScopeGroup, ID: id}
}

// groupMemberNames returns the server names in scope.ID's group, or nil
// if the group doesn't exist.
func (d *Dispatcher) groupMemberNames(groupID string) []string {
	g, ok := d.doc().Groups[groupID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		names = append(names, m.Name)
	}
	return names
}

func (d *Dispatcher) groupMember(groupID, serverName string) (settings.GroupMember, bool) {
	g, ok := d.doc().Groups[groupID]
	if !ok {
		return settings.GroupMember{}, false
	}
	for _, m := range g.Members {
		if m.Name == serverName {
			return m, true
		}
	}
	return settings.GroupMember{}, false
}

func (d *Dispatcher) filterFor(scope RoutingScope) upstream.Filter {
	switch scope.Kind {
	case ScopeServer:
		return upstream.Filter{Servers: []string{scope.ID}}
	case ScopeGroup:
		return upstream.Filter{Servers: d.groupMemberNames(scope.ID)}
	case ScopeSmartGroup:
		return upstream.Filter{Servers: d.groupMemberNames(scope.ID)}
	default: // global, smartGlobal
		return upstream.Filter{}
	}
}

// Initialize handles the `initialize` method: echo the hub's own server
// info. No fan-out (spec.md §4.6).
func (d *Dispatcher) Initialize() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]string{
			"name":    d.info.Name,
			"version": d.info.Version,
		},
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": true},
			"prompts":   map[string]interface{}{"listChanged": true},
			"resources": map[string]interface{}{"listChanged": true},
		},
	}
}

const (
	searchToolsName = "search_tools"
	callToolName    = "call_tool"
)

// smartActive reports whether smart routing can actually serve: the
// search backend must be open. When it can't, every smart scope is
// demoted to its underlying plain scope (spec.md §4.4).
func (d *Dispatcher) smartActive() bool {
	return d.vector.Available()
}

// ListTools handles tools/list per spec.md §4.6's per-scope-kind rules.
func (d *Dispatcher) ListTools(scope RoutingScope) []upstream.QualifiedTool {
	if scope.Smart() {
		if d.smartActive() {
			return d.smartMetaTools(scope)
		}
		scope = scope.Demoted()
	}
	if scope.Kind == ScopeGroup {
		return d.groupFilteredTools(scope.ID)
	}
	return d.registry.CatalogTools(d.filterFor(scope))
}

// groupFilteredTools applies each member's per-tool allowlist on top of
// the server-level filter CatalogTools already applied.
func (d *Dispatcher) groupFilteredTools(groupID string) []upstream.QualifiedTool {
	all := d.registry.CatalogTools(d.filterFor(RoutingScope{Kind: ScopeGroup, ID: groupID}))
	out := make([]upstream.QualifiedTool, 0, len(all))
	for _, t := range all {
		member, ok := d.groupMember(groupID, t.ServerName)
		if !ok || !member.AllowsTool(t.ToolName) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (d *Dispatcher) smartMetaTools(scope RoutingScope) []upstream.QualifiedTool {
	scopeDesc := "all available servers"
	if scope.Kind == ScopeSmartGroup {
		scopeDesc = fmt.Sprintf("servers in the %q group", scope.ID)
	}

	searchSchema, _ := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
			"limit": map[string]interface{}{"type": "number", "maximum": 50, "default": 10},
		},
		"required": []string{"query"},
	})
	callSchema, _ := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"toolName":  map[string]interface{}{"type": "string"},
			"arguments": map[string]interface{}{"type": "object"},
		},
		"required": []string{"toolName"},
	})

	return []upstream.QualifiedTool{
		{
			ToolName:    searchToolsName,
			Qualified:   searchToolsName,
			Description: fmt.Sprintf("Search for tools across %s.", scopeDesc),
			InputSchema: searchSchema,
		},
		{
			ToolName:    callToolName,
			Qualified:   callToolName,
			Description: fmt.Sprintf("Call a tool discovered via search_tools, across %s.", scopeDesc),
			InputSchema: callSchema,
		},
	}
}

// CallTool handles tools/call per spec.md §4.6.
func (d *Dispatcher) CallTool(ctx context.Context, rc RequestContext, qualifiedOrName string, args map[string]interface{}) (*mcp.CallToolResult, *Error) {
	scope := rc.Scope

	// A smart scope with the backend down behaves as its plain
	// counterpart: qualified names dispatch directly and the meta-tools
	// don't exist (they're not listed either).
	if scope.Smart() && d.smartActive() {
		switch qualifiedOrName {
		case searchToolsName:
			return d.searchTools(ctx, scope, args)
		case callToolName:
			inner, ok := args["toolName"].(string)
			if !ok || inner == "" {
				return nil, invalidParams("toolName is required")
			}
			var innerArgs map[string]interface{}
			if raw, ok := args["arguments"].(map[string]interface{}); ok {
				innerArgs = raw
			}
			return d.callQualified(ctx, rc, inner, innerArgs)
		default:
			return nil, methodNotFound("tool %q is not available in this scope", qualifiedOrName)
		}
	}

	return d.callQualified(ctx, rc, qualifiedOrName, args)
}

func (d *Dispatcher) callQualified(ctx context.Context, rc RequestContext, qualifiedOrName string, args map[string]interface{}) (*mcp.CallToolResult, *Error) {
	sep := d.registry.Separator()
	serverName, toolName, ok := upstream.Split(sep, qualifiedOrName)
	if !ok {
		resolved, derr := d.resolveUnqualified(rc.Scope, qualifiedOrName)
		if derr != nil {
			return nil, derr
		}
		serverName, toolName = resolved.ServerName, resolved.ToolName
	}

	if !d.serverInScope(rc.Scope, serverName) {
		return nil, methodNotFound("server %q is not in this scope", serverName)
	}

	client, ok := d.registry.Get(serverName)
	if !ok {
		return nil, upstreamUnavailable("server %q is not registered", serverName)
	}

	timeout := defaultTimeout
	if d.defTimeout > 0 {
		timeout = d.defTimeout
	}
	opts := client.Options()
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	callCtx, timedOut, cancel := d.callDeadline(ctx, rc, opts, timeout)
	defer cancel()

	started := time.Now()
	result, err := d.registry.CallToolWithContext(callCtx, serverName, toolName, args,
		upstream.CallContext{Headers: rc.Headers, ProgressToken: rc.ProgressToken})
	d.recordToolCall(rc, serverName, toolName, time.Since(started), err)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded || timedOut.Load() {
			return nil, timeoutError("tool call to %s%s%s timed out", serverName, sep, toolName)
		}
		return nil, upstreamUnavailable("tool call to %s%s%s failed: %v", serverName, sep, toolName, err)
	}
	return result, nil
}

// callDeadline bounds an upstream call per spec.md §4.6: options.timeoutMs
// as the base deadline, extended on every progress notification when
// resetTimeoutOnProgress is set, under the maxTotalTimeoutMs hard ceiling.
// The returned flag reports whether the watchdog (rather than the caller)
// ended the call.
func (d *Dispatcher) callDeadline(ctx context.Context, rc RequestContext, opts settings.ToolOptions, timeout time.Duration) (context.Context, *atomic.Bool, func()) {
	timedOut := &atomic.Bool{}

	cancelHard := func() {}
	if opts.MaxTotalTimeoutMs > 0 {
		var hard context.CancelFunc
		ctx, hard = context.WithTimeout(ctx, time.Duration(opts.MaxTotalTimeoutMs)*time.Millisecond)
		cancelHard = hard
	}
	inner, _, cancelInner := d.resettableDeadline(ctx, rc, opts, timeout, timedOut)
	return inner, timedOut, func() { cancelInner(); cancelHard() }
}

func (d *Dispatcher) resettableDeadline(ctx context.Context, rc RequestContext, opts settings.ToolOptions, timeout time.Duration, timedOut *atomic.Bool) (context.Context, *atomic.Bool, func()) {
	if !opts.ResetTimeoutOnProgress || rc.ProgressToken == nil {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		return callCtx, timedOut, cancel
	}

	callCtx, cancel := context.WithCancel(ctx)
	ch := d.watchProgress(rc.ProgressToken)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-callCtx.Done():
				return
			case <-ch:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			case <-timer.C:
				timedOut.Store(true)
				cancel()
				return
			}
		}
	}()
	token := rc.ProgressToken
	return callCtx, timedOut, func() {
		d.unwatchProgress(token)
		cancel()
	}
}

// ScopeIncludes reports whether serverName is reachable from scope,
// honouring group membership; used both for dispatch-time checks and for
// upstream notification fan-in (spec.md §4.6).
func (d *Dispatcher) ScopeIncludes(scope RoutingScope, serverName string) bool {
	return d.serverInScope(scope, serverName)
}

func (d *Dispatcher) recordToolCall(rc RequestContext, serverName, toolName string, duration time.Duration, err error) {
	if d.audit == nil {
		return
	}
	event := ToolCallEvent{
		SessionID:  rc.SessionID,
		User:       rc.User,
		Scope:      rc.Scope.String(),
		ServerName: serverName,
		ToolName:   toolName,
		Success:    err == nil,
		Duration:   duration,
	}
	if err != nil {
		event.Err = err.Error()
	}
	d.audit.RecordToolCall(event)
}

func (d *Dispatcher) serverInScope(scope RoutingScope, serverName string) bool {
	f := d.filterFor(scope)
	if len(f.Servers) == 0 {
		return true
	}
	for _, s := range f.Servers {
		if s == serverName {
			return true
		}
	}
	return false
}

// resolveUnqualified implements spec.md §4.6's "if the tool name is not
// qualified, attempt a unique match across the scope" rule.
func (d *Dispatcher) resolveUnqualified(scope RoutingScope, toolName string) (upstream.QualifiedTool, *Error) {
	var matches []upstream.QualifiedTool
	for _, t := range d.ListTools(scope) {
		if t.ToolName == toolName {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return upstream.QualifiedTool{}, methodNotFound("tool %q not found in this scope", toolName)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = m.Qualified
		}
		sort.Strings(names)
		return upstream.QualifiedTool{}, invalidParams("tool name %q is ambiguous; candidates: %v", toolName, names)
	}
}

// searchTools handles tools/call of the search_tools meta-tool. The
// actual Bleve query runs behind d.pool so a burst of concurrent
// search_tools calls can't spawn unbounded query goroutines (spec.md §5).
func (d *Dispatcher) searchTools(ctx context.Context, scope RoutingScope, args map[string]interface{}) (*mcp.CallToolResult, *Error) {
	query, _ := args["query"].(string)
	if query == "" {
		return errorContent("Query parameter is required"), nil
	}

	limit := 10
	if raw, ok := args["limit"].(float64); ok && raw > 0 {
		limit = int(raw)
		if limit > 50 {
			limit = 50
		}
	}

	var servers []string
	if scope.Kind == ScopeSmartGroup {
		servers = d.groupMemberNames(scope.ID)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	hits, err := workerpool.RunBounded(ctx, d.pool, func(context.Context) ([]index.SearchHit, error) {
		return d.vector.Search(query, limit, servers)
	})
	if err != nil {
		d.logger.Warn("smart routing search failed", zap.Error(err))
		hits = nil
	}

	type entry struct {
		ServerName  string          `json:"serverName"`
		ToolName    string          `json:"toolName"`
		Description string          `json:"description"`
		Score       float64         `json:"score"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}
	payload := make([]entry, 0, len(hits))
	for _, h := range hits {
		payload = append(payload, entry{ServerName: h.ServerName, ToolName: h.ToolName, Description: h.Description, Score: h.Score})
	}

	raw, _ := json.Marshal(payload)
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(raw)}}}, nil
}

func errorContent(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
	}
}

// ListPrompts handles prompts/list, mirroring ListTools' scoping rules
// (spec.md §4.6: "follow the same scoping rules as tools/list").
func (d *Dispatcher) ListPrompts(scope RoutingScope) []upstream.QualifiedPrompt {
	if scope.Smart() {
		if d.smartActive() {
			return nil
		}
		scope = scope.Demoted()
	}
	return d.registry.CatalogPrompts(d.filterFor(scope))
}

// GetPrompt handles prompts/get.
func (d *Dispatcher) GetPrompt(ctx context.Context, rc RequestContext, qualifiedOrName string, args map[string]string) (*mcp.GetPromptResult, *Error) {
	sep := d.registry.Separator()
	serverName, promptName, ok := upstream.Split(sep, qualifiedOrName)
	if !ok {
		return nil, invalidParams("prompt name %q must be qualified as <server>%s<prompt>", qualifiedOrName, sep)
	}
	if !d.serverInScope(rc.Scope, serverName) {
		return nil, methodNotFound("server %q is not in this scope", serverName)
	}
	result, err := d.registry.GetPrompt(ctx, serverName, promptName, args)
	if err != nil {
		return nil, upstreamUnavailable("prompts/get failed: %v", err)
	}
	return result, nil
}

// ListResources handles resources/list, mirroring ListTools' scoping rules.
func (d *Dispatcher) ListResources(scope RoutingScope) []upstream.QualifiedResource {
	if scope.Smart() {
		if d.smartActive() {
			return nil
		}
		scope = scope.Demoted()
	}
	return d.registry.CatalogResources(d.filterFor(scope))
}

// ReadResource handles resources/read. URIs aren't namespaced, so the
// target server is resolved from the scope's catalog by URI match.
func (d *Dispatcher) ReadResource(ctx context.Context, rc RequestContext, uri string) (*mcp.ReadResourceResult, *Error) {
	var serverName string
	for _, r := range d.ListResources(rc.Scope) {
		if r.URI == uri {
			serverName = r.ServerName
			break
		}
	}
	if serverName == "" {
		return nil, methodNotFound("resource %q not found in this scope", uri)
	}
	result, err := d.registry.ReadResource(ctx, serverName, uri)
	if err != nil {
		return nil, upstreamUnavailable("resources/read failed: %v", err)
	}
	return result, nil
}
