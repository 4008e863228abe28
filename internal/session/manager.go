package session

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcphub-dev/mcphub/internal/dispatch"
	"github.com/mcphub-dev/mcphub/internal/settings"

	"go.uber.org/zap"
)

// RoutingConfigSource is polled for the current routing policy, so
// Manager reacts to settings reloads without being reconstructed.
type RoutingConfigSource func() settings.RoutingConfig

// KnownUserSource reports whether name is a registered user, used to
// disambiguate the `<base>/<user>/...` mount from a bare group id.
type KnownUserSource func(name string) bool

// Manager is the SessionManager (spec.md §4.5).
type Manager struct {
	basePath   string
	dispatcher *dispatch.Dispatcher
	routing    RoutingConfigSource
	knownUser  KnownUserSource
	logger     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*DownstreamSession

	// progress maps an in-flight call's progress token (stringified) to
	// the session that issued it, so upstream progress notifications are
	// forwarded only there (spec.md §4.6).
	progressMu sync.Mutex
	progress   map[string]*DownstreamSession

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager. basePath is the configurable mount
// point (spec.md §6's `<base>`); pass "" for the root.
func NewManager(basePath string, dispatcher *dispatch.Dispatcher, routing RoutingConfigSource, knownUser KnownUserSource, logger *zap.Logger) *Manager {
	return &Manager{
		basePath:   basePath,
		dispatcher: dispatcher,
		routing:    routing,
		knownUser:  knownUser,
		logger:     logger,
		sessions:   make(map[string]*DownstreamSession),
		progress:   make(map[string]*DownstreamSession),
		stop:       make(chan struct{}),
	}
}

func progressKey(token interface{}) string {
	return fmt.Sprint(token)
}

func (m *Manager) registerProgress(token interface{}, s *DownstreamSession) {
	m.progressMu.Lock()
	m.progress[progressKey(token)] = s
	m.progressMu.Unlock()
}

func (m *Manager) unregisterProgress(token interface{}) {
	m.progressMu.Lock()
	delete(m.progress, progressKey(token))
	m.progressMu.Unlock()
}

// Run starts the idle-session reaper. Call Stop to shut it down.
func (m *Manager) Run() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*DownstreamSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*DownstreamSession)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (m *Manager) reapIdle() {
	m.mu.RLock()
	var stale []*DownstreamSession
	for _, s := range m.sessions {
		if s.idleSince() > idleTimeout {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range stale {
		m.logger.Info("session idle timeout", zap.String("session_id", s.ID))
		m.remove(s.ID)
	}
}

func (m *Manager) register(s *DownstreamSession) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		s.close()
	}
}

// Get returns the session keyed by id, if live.
func (m *Manager) Get(id string) (*DownstreamSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ServeHTTP routes every downstream MCP request: SSE open, SSE message
// ingress, and streaming-HTTP, per spec.md §4.5's URL grammar.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := parseRoute(m.basePath, r.URL.Path, m.knownUser)
	if !ok {
		http.NotFound(w, r)
		return
	}

	routing := m.routing()
	user, authed := authorize(r, routing)
	if !authed {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if route.User != "" {
		user = route.User
	}

	switch route.Kind {
	case routeSSE:
		if route.GroupID == "" && !routing.EnableGlobalRoute {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		m.serveSSE(w, r, route, user)
	case routeMessages:
		m.serveMessages(w, r)
	case routeMCP:
		if route.GroupID == "" && !routing.EnableGlobalRoute {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		m.serveStreamableHTTP(w, r, route, user)
	default:
		http.NotFound(w, r)
	}
}

func (m *Manager) newScope(groupID string) dispatch.RoutingScope {
	return m.dispatcher.ResolveScopeID(groupID)
}

// headerSnapshot flattens the request headers; array-valued headers are
// comma-joined per RFC 7230 (spec.md §4.6).
func headerSnapshot(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header))
	for k, vals := range r.Header {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}
