// Package session implements the SessionManager (spec.md §4.5): it owns
// every downstream transport, maps each session's URL to a RoutingScope,
// enforces bearer auth, and turns framed JSON-RPC messages into calls on
// an injected RequestDispatcher. Grounded on the teacher's
// internal/server/session_store.go (lock-protected session map, logger
// shape) and server.go's HTTP mux wiring, generalized from the teacher's
// single flat catalog to MCPHub's per-session routing scope, which the
// teacher has no equivalent of.
package session

import (
	"sync"
	"time"

	"github.com/mcphub-dev/mcphub/internal/dispatch"

	"github.com/google/uuid"
)

// idleTimeout is spec.md §4.5's default: a session with no traffic for
// this long is torn down.
const idleTimeout = 10 * time.Minute

// keepaliveInterval is spec.md §4.5's heartbeat cadence.
const keepaliveInterval = 30 * time.Second

// TransportKind distinguishes the two downstream wire protocols spec.md
// §6 offers at feature parity.
type TransportKind int

const (
	TransportSSE TransportKind = iota
	TransportStreamableHTTP
)

// DownstreamSession is spec.md §4.1's DownstreamSession entity: owned
// solely by Manager, destroyed on transport close.
type DownstreamSession struct {
	ID        string
	Scope     dispatch.RoutingScope
	Transport TransportKind
	User      string
	CreatedAt time.Time

	mu             sync.Mutex
	lastActivity   time.Time
	headers        map[string]string
	cancelInFlight map[interface{}]func()

	// sse is created for every session: the channel the SSE writer
	// goroutine (or a streamable-HTTP GET stream) drains to push
	// `event: message` frames.
	sse chan []byte
	// closed is closed exactly once (guarded by closeOnce), by
	// Manager.remove or Manager.Stop, to signal the owning transport
	// goroutine to stop.
	closed chan struct{}
	closeOnce sync.Once
}

func newSession(scope dispatch.RoutingScope, kind TransportKind, user string) *DownstreamSession {
	return &DownstreamSession{
		ID:             uuid.NewString(),
		Scope:          scope,
		Transport:      kind,
		User:           user,
		CreatedAt:      time.Now(),
		lastActivity:   time.Now(),
		cancelInFlight: make(map[interface{}]func()),
		sse:            make(chan []byte, 32),
		closed:         make(chan struct{}),
	}
}

// headersSnapshot returns a copy of the headers captured when the
// session was created (or last updated by a streaming-HTTP POST), used
// to build dispatch.RequestContext for openapi passthroughHeaders.
func (s *DownstreamSession) headersSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		out[k] = v
	}
	return out
}

func (s *DownstreamSession) setHeaders(h map[string]string) {
	s.mu.Lock()
	s.headers = h
	s.mu.Unlock()
}

func (s *DownstreamSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *DownstreamSession) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// trackCall registers a cancellation handle for an in-flight request id,
// so a `$/cancelRequest` notification or session close can abort it
// (spec.md §5: "Downstream session close cancels every handle scoped to
// that session").
func (s *DownstreamSession) trackCall(id interface{}, cancel func()) {
	s.mu.Lock()
	s.cancelInFlight[id] = cancel
	s.mu.Unlock()
}

func (s *DownstreamSession) untrackCall(id interface{}) {
	s.mu.Lock()
	delete(s.cancelInFlight, id)
	s.mu.Unlock()
}

func (s *DownstreamSession) cancelCall(id interface{}) {
	s.mu.Lock()
	cancel, ok := s.cancelInFlight[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *DownstreamSession) cancelAll() {
	s.mu.Lock()
	cancels := make([]func(), 0, len(s.cancelInFlight))
	for _, c := range s.cancelInFlight {
		cancels = append(cancels, c)
	}
	s.cancelInFlight = make(map[interface{}]func())
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *DownstreamSession) close() {
	s.closeOnce.Do(func() {
		s.cancelAll()
		close(s.closed)
	})
}
