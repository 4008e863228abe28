package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noKnownUsers(string) bool { return false }

func oneKnownUser(name string) KnownUserSource {
	return func(n string) bool { return n == name }
}

func TestParseRouteGlobalSSE(t *testing.T) {
	r, ok := parseRoute("", "/sse", noKnownUsers)
	require.True(t, ok)
	assert.Equal(t, routeSSE, r.Kind)
	assert.Empty(t, r.GroupID)
}

func TestParseRouteGroupSSE(t *testing.T) {
	r, ok := parseRoute("", "/sse/team-a", noKnownUsers)
	require.True(t, ok)
	assert.Equal(t, routeSSE, r.Kind)
	assert.Equal(t, "team-a", r.GroupID)
}

func TestParseRouteSmartGroupMCP(t *testing.T) {
	r, ok := parseRoute("", "/mcp/$smart/team-a", noKnownUsers)
	require.True(t, ok)
	assert.Equal(t, routeMCP, r.Kind)
	assert.Equal(t, "$smart/team-a", r.GroupID)
}

func TestParseRouteMessages(t *testing.T) {
	r, ok := parseRoute("", "/messages", noKnownUsers)
	require.True(t, ok)
	assert.Equal(t, routeMessages, r.Kind)
}

func TestParseRouteUserScoped(t *testing.T) {
	r, ok := parseRoute("", "/alice/sse", oneKnownUser("alice"))
	require.True(t, ok)
	assert.Equal(t, routeSSE, r.Kind)
	assert.Equal(t, "alice", r.User)
}

func TestParseRouteWithBasePath(t *testing.T) {
	r, ok := parseRoute("/hub", "/hub/mcp/team-a", noKnownUsers)
	require.True(t, ok)
	assert.Equal(t, routeMCP, r.Kind)
	assert.Equal(t, "team-a", r.GroupID)
}

func TestParseRouteUnknownPathFails(t *testing.T) {
	_, ok := parseRoute("", "/nope", noKnownUsers)
	assert.False(t, ok)
}
