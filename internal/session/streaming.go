package session

import (
	"encoding/json"
	"net/http"
)

const sessionIDHeader = "mcp-session-id"

// serveStreamableHTTP implements spec.md §6's streaming-HTTP transport:
// the first POST without a session id is treated as `initialize` and
// mints a fresh session, returned via the mcp-session-id response
// header; subsequent POSTs (and GET/DELETE) must echo that header.
func (m *Manager) serveStreamableHTTP(w http.ResponseWriter, r *http.Request, route parsedRoute, user string) {
	switch r.Method {
	case http.MethodPost:
		m.streamingPost(w, r, route, user)
	case http.MethodGet:
		m.streamingGet(w, r)
	case http.MethodDelete:
		m.streamingDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) streamingPost(w http.ResponseWriter, r *http.Request, route parsedRoute, user string) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed json-rpc request", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(sessionIDHeader)
	var sess *DownstreamSession
	if sessionID == "" {
		if req.Method != "initialize" {
			http.Error(w, "first request on a new streaming-http connection must be initialize", http.StatusBadRequest)
			return
		}
		scope := m.newScope(route.GroupID)
		sess = newSession(scope, TransportStreamableHTTP, user)
		m.register(sess)
		w.Header().Set(sessionIDHeader, sess.ID)
	} else {
		var ok bool
		sess, ok = m.Get(sessionID)
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
	}

	sess.touch()
	sess.setHeaders(headerSnapshot(r))

	resp := m.handle(r.Context(), sess, req)
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// streamingGet opens a server-push stream on an existing session,
// draining the same outgoing-frame channel the SSE transport uses so
// upstream notifications reach whichever transport the session used to
// connect.
func (m *Manager) streamingGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	sess, ok := m.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json-seq")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.closed:
			return
		case frame := <-sess.sse:
			sess.touch()
			w.Write(frame)
			w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (m *Manager) streamingDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	m.remove(sessionID)
	w.WriteHeader(http.StatusNoContent)
}
