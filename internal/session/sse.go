package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// serveSSE implements the SSE transport half of spec.md §6: the server
// writes `event: endpoint` once with the messages URL, then one
// `event: message` frame per JSON-RPC response, with an empty-comment
// keepalive every 30s resetting the idle timeout.
func (m *Manager) serveSSE(w http.ResponseWriter, r *http.Request, route parsedRoute, user string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	scope := m.newScope(route.GroupID)
	sess := newSession(scope, TransportSSE, user)
	sess.setHeaders(headerSnapshot(r))
	m.register(sess)
	defer m.remove(sess.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	messagesURL := m.basePath + "/messages?sessionId=" + url.QueryEscape(sess.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", messagesURL)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.closed:
			return
		case frame := <-sess.sse:
			sess.touch()
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", frame)
			flusher.Flush()
		case <-ticker.C:
			sess.touch()
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// serveMessages implements `POST <base>/messages?sessionId=<id>`: parse
// the JSON-RPC request, process it, and push the response onto the
// session's SSE stream. The HTTP response itself is just an
// acknowledgement, matching the SSE transport's one-way push model.
func (m *Manager) serveMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	sess, ok := m.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.touch()

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed json-rpc request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	go func() {
		resp := m.handle(context.Background(), sess, req)
		if resp == nil {
			return
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			m.logger.Warn("marshal sse response", zap.Error(err))
			return
		}
		select {
		case sess.sse <- raw:
		case <-sess.closed:
		}
	}()
}
