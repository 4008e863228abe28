package session

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// HandleUpstreamNotification fans an upstream-emitted JSON-RPC
// notification in to downstream sessions (spec.md §4.6): list_changed and
// other broadcast notifications reach every session whose scope includes
// the originating server, while progress notifications reach only the
// session whose request is in flight, matched by progress token.
// UpstreamRegistry invokes this via Registry.OnNotification.
func (m *Manager) HandleUpstreamNotification(serverName string, n mcp.JSONRPCNotification) {
	frame, err := json.Marshal(struct {
		JSONRPC string                 `json:"jsonrpc"`
		Method  string                 `json:"method"`
		Params  mcp.NotificationParams `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: n.Method, Params: n.Params})
	if err != nil {
		m.logger.Warn("marshal upstream notification", zap.Error(err))
		return
	}

	if n.Method == "notifications/progress" {
		m.routeProgress(n, frame)
		return
	}

	m.mu.RLock()
	sessions := make([]*DownstreamSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if m.dispatcher.ScopeIncludes(s.Scope, serverName) {
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		pushFrame(s, frame)
	}
}

// routeProgress delivers a progress notification to the one session whose
// in-flight call registered the token, and pokes the dispatcher's
// deadline watchdog for resetTimeoutOnProgress.
func (m *Manager) routeProgress(n mcp.JSONRPCNotification, frame []byte) {
	token, ok := n.Params.AdditionalFields["progressToken"]
	if !ok || token == nil {
		return
	}
	m.dispatcher.NotifyProgress(token)

	m.progressMu.Lock()
	sess := m.progress[progressKey(token)]
	m.progressMu.Unlock()
	if sess != nil {
		pushFrame(sess, frame)
	}
}

func pushFrame(s *DownstreamSession, frame []byte) {
	select {
	case s.sse <- frame:
	case <-s.closed:
	default:
		// Session's outgoing buffer is full; notifications are
		// best-effort, requests/responses are not affected.
	}
}
