package dispatch

import (
	"context"
	"testing"

	"github.com/mcphub-dev/mcphub/internal/index"
	"github.com/mcphub-dev/mcphub/internal/settings"
	"github.com/mcphub-dev/mcphub/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOAuth struct{}

func (fakeOAuth) Token(ctx context.Context, serverName string, cfg *settings.OAuthConfig) (string, error) {
	return "", nil
}

func (fakeOAuth) BeginAuthorization(ctx context.Context, serverName string, cfg *settings.OAuthConfig) error {
	return nil
}

func newTestDispatcher(t *testing.T, doc *settings.Settings) *Dispatcher {
	t.Helper()
	registry := upstream.NewRegistry(doc.Separator(), fakeOAuth{}, zap.NewNop())
	registry.Reload(doc)

	vector, err := index.NewManager(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vector.Close() })

	return New(registry, vector, ServerInfo{Name: "mcphub", Version: "test"}, doc, zap.NewNop())
}

func docWithGroupAndServer() *settings.Settings {
	doc := settings.Default()
	doc.MCPServers["weather"] = &settings.ServerConfig{Type: settings.ServerTypeStreamableHTTP, URL: "https://example.com", Enabled: settings.Bool(true)}
	doc.MCPServers["search"] = &settings.ServerConfig{Type: settings.ServerTypeStreamableHTTP, URL: "https://example.com", Enabled: settings.Bool(true)}
	doc.Groups["shared"] = &settings.Group{
		ID: "shared",
		Members: []settings.GroupMember{
			{Name: "weather", Tools: "all"},
			{Name: "search", Allow: []string{"lookup"}},
		},
	}
	return doc
}

func TestResolveScopeIDGroupWinsOverServer(t *testing.T) {
	doc := docWithGroupAndServer()
	doc.MCPServers["shared"] = &settings.ServerConfig{Type: settings.ServerTypeStreamableHTTP, URL: "https://example.com"}
	d := newTestDispatcher(t, doc)

	scope := d.ResolveScopeID("shared")
	assert.Equal(t, ScopeGroup, scope.Kind)
}

func TestResolveScopeIDServerOnly(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	scope := d.ResolveScopeID("weather")
	assert.Equal(t, ScopeServer, scope.Kind)
}

func TestResolveScopeIDSmartLiterals(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	assert.Equal(t, ScopeSmartGlobal, d.ResolveScopeID("$smart").Kind)

	smartGroup := d.ResolveScopeID("$smart/shared")
	assert.Equal(t, ScopeSmartGroup, smartGroup.Kind)
	assert.Equal(t, "shared", smartGroup.ID)
}

func TestResolveScopeIDEmptyIsGlobal(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)
	assert.Equal(t, ScopeGlobal, d.ResolveScopeID("").Kind)
}

func TestFilterForGroupUsesMembers(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	f := d.filterFor(RoutingScope{Kind: ScopeGroup, ID: "shared"})
	assert.ElementsMatch(t, []string{"weather", "search"}, f.Servers)
}

func TestFilterForServer(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	f := d.filterFor(RoutingScope{Kind: ScopeServer, ID: "weather"})
	assert.Equal(t, []string{"weather"}, f.Servers)
}

func TestFilterForGlobalIsUnrestricted(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	f := d.filterFor(RoutingScope{Kind: ScopeGlobal})
	assert.Empty(t, f.Servers)
}

func TestSmartMetaToolsDescribeScope(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	global := d.ListTools(RoutingScope{Kind: ScopeSmartGlobal})
	require.Len(t, global, 2)
	assert.Contains(t, global[0].Description, "all available servers")

	group := d.ListTools(RoutingScope{Kind: ScopeSmartGroup, ID: "shared"})
	require.Len(t, group, 2)
	assert.Contains(t, group[0].Description, `"shared"`)
}

func TestSmartScopeFallsBackToFullListingWhenBackendDown(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	require.NoError(t, d.vector.Close())

	smart := d.ListTools(RoutingScope{Kind: ScopeSmartGlobal})
	plain := d.ListTools(RoutingScope{Kind: ScopeGlobal})
	assert.Equal(t, plain, smart, "with the backend down a smart scope lists the plain catalog")
	for _, tool := range smart {
		assert.NotEqual(t, "search_tools", tool.ToolName)
		assert.NotEqual(t, "call_tool", tool.ToolName)
	}

	group := d.ListTools(RoutingScope{Kind: ScopeSmartGroup, ID: "shared"})
	assert.Equal(t, d.ListTools(RoutingScope{Kind: ScopeGroup, ID: "shared"}), group)
}

func TestSmartScopeMetaToolsGoneWhenBackendDown(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	require.NoError(t, d.vector.Close())

	// search_tools no longer exists; the call resolves like any other
	// unqualified name against the plain catalog and misses.
	_, derr := d.CallTool(context.Background(), RequestContext{Scope: RoutingScope{Kind: ScopeSmartGlobal}}, "search_tools", nil)
	require.NotNil(t, derr)
	assert.Equal(t, CodeMethodNotFound, derr.Code)
}

func TestCallToolSmartScopeRejectsUnknownTool(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	_, derr := d.CallTool(nil, RequestContext{Scope: RoutingScope{Kind: ScopeSmartGlobal}}, "not_a_meta_tool", nil)
	require.NotNil(t, derr)
	assert.Equal(t, CodeMethodNotFound, derr.Code)
}

func TestSearchToolsRequiresQuery(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	result, derr := d.searchTools(context.Background(), RoutingScope{Kind: ScopeSmartGlobal}, map[string]interface{}{})
	require.Nil(t, derr)
	require.True(t, result.IsError)
}

func TestGroupFilteredToolsHonoursMemberAllowlist(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	// No live catalogs (no connected clients) means this returns empty,
	// but it must not panic when a group member has a partial allowlist.
	tools := d.groupFilteredTools("shared")
	assert.Empty(t, tools)
}

type recordingSink struct {
	events []ToolCallEvent
}

func (s *recordingSink) RecordToolCall(event ToolCallEvent) {
	s.events = append(s.events, event)
}

func TestCallToolRecordsAuditEventOnFailure(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	sink := &recordingSink{}
	d.SetAuditSink(sink)

	rc := RequestContext{SessionID: "sess-1", User: "alice", Scope: RoutingScope{Kind: ScopeServer, ID: "weather"}}
	_, derr := d.CallTool(context.Background(), rc, "weather::forecast", nil)
	require.NotNil(t, derr)

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, "alice", event.User)
	assert.Equal(t, "weather", event.ServerName)
	assert.Equal(t, "forecast", event.ToolName)
	assert.False(t, event.Success)
	assert.NotEmpty(t, event.Err)
}

func TestCallToolSkipsAuditWhenSinkUnset(t *testing.T) {
	doc := docWithGroupAndServer()
	d := newTestDispatcher(t, doc)

	rc := RequestContext{Scope: RoutingScope{Kind: ScopeServer, ID: "weather"}}
	_, derr := d.CallTool(context.Background(), rc, "weather::forecast", nil)
	require.NotNil(t, derr)
}

func TestRoutingScopeString(t *testing.T) {
	assert.Equal(t, "global", RoutingScope{Kind: ScopeGlobal}.String())
	assert.Equal(t, "group:shared", RoutingScope{Kind: ScopeGroup, ID: "shared"}.String())
}

func TestErrorsCarryExpectedCodes(t *testing.T) {
	assert.Equal(t, CodeMethodNotFound, methodNotFound("x").Code)
	assert.Equal(t, CodeInvalidParams, invalidParams("x").Code)
	assert.Equal(t, CodeTimeout, timeoutError("x").Code)
	assert.Equal(t, CodeUpstreamUnavailable, upstreamUnavailable("x").Code)

	authErr := authRequired("https://example.com/authorize")
	assert.Equal(t, CodeAuthRequired, authErr.Code)
	data, ok := authErr.Data.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/authorize", data["authorizationUrl"])
}
