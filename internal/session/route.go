package session

import "strings"

// routeKind is the verb-shaped transport endpoint a request path maps to,
// before RoutingScope resolution (spec.md §4.5's URL→Scope grammar).
type routeKind int

const (
	routeNone routeKind = iota
	routeSSE
	routeMessages
	routeMCP
)

// parsedRoute is the result of matching a request path against
// `<base>/sse[/<group>]`, `<base>/messages`, `<base>/mcp[/<group>]`, and
// their `<base>/<user>/...` variants.
type parsedRoute struct {
	Kind    routeKind
	User    string
	GroupID string // raw path segment: "", a server/group name, or "$smart"/"$smart/<id>"
}

// parseRoute strips basePath from path and matches the remaining segments
// against spec.md §4.5's grammar. knownUsers reports whether a leading
// segment names a registered user, which disambiguates the user-scoped
// mount from a bare group id (e.g. `/sse/alice` could be either).
func parseRoute(basePath, path string, knownUsers func(string) bool) (parsedRoute, bool) {
	path = strings.TrimPrefix(path, basePath)
	segments := splitPath(path)
	if len(segments) == 0 {
		return parsedRoute{}, false
	}

	var user string
	if knownUsers(segments[0]) && len(segments) > 1 {
		user = segments[0]
		segments = segments[1:]
	}

	switch segments[0] {
	case "sse":
		group := ""
		if len(segments) > 1 {
			group = strings.Join(segments[1:], "/")
		}
		return parsedRoute{Kind: routeSSE, User: user, GroupID: group}, true
	case "messages":
		return parsedRoute{Kind: routeMessages, User: user}, true
	case "mcp":
		group := ""
		if len(segments) > 1 {
			group = strings.Join(segments[1:], "/")
		}
		return parsedRoute{Kind: routeMCP, User: user, GroupID: group}, true
	default:
		return parsedRoute{}, false
	}
}

func splitPath(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
