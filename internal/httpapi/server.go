// Package httpapi is the minimal local control-plane REST surface:
// group/server administration, settings export, and the OAuth
// authorization-code callback. It is deliberately narrow — the
// JWT-authenticated dashboard API the teacher's internal/httpapi serves
// (activity feed, code execution, hooks, registry import, Swagger docs)
// is out of scope; this package exists only to exercise
// settings.Store.Save from outside the MCP protocol and to give
// oauth.Coordinator's pending-authorization flow somewhere to land.
// Grounded on the teacher's internal/httpapi/server.go (chi router
// construction, middleware stacking, JSON error helper).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mcphub-dev/mcphub/internal/oauth"
	"github.com/mcphub-dev/mcphub/internal/observability"
	"github.com/mcphub-dev/mcphub/internal/reqcontext"
	"github.com/mcphub-dev/mcphub/internal/settings"
)

// Server is the admin REST surface's chi.Mux wrapper.
type Server struct {
	store      *settings.Store
	oauth      *oauth.Coordinator
	obs        *observability.Manager
	logger     *zap.Logger
	router     *chi.Mux
	jwt        *jwtVerifier
	httpClient *http.Client
}

// New constructs the admin REST surface. jwtSecret signs/verifies the
// bearer tokens gating the /api/v1 routes (health, metrics, the OAuth
// callback and the authorization-proxy routes stay public); an empty
// secret disables verification (used in tests and single-user local
// setups where routing.skipAuth is also true). obs may be nil, which
// drops the /healthz, /readyz and /metrics routes and the HTTP metrics
// middleware.
func New(store *settings.Store, coordinator *oauth.Coordinator, jwtSecret string, obs *observability.Manager, logger *zap.Logger) *Server {
	s := &Server{
		store:      store,
		oauth:      coordinator,
		obs:        obs,
		logger:     logger,
		router:     chi.NewRouter(),
		jwt:        newJWTVerifier(jwtSecret),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware())
	if s.obs != nil {
		s.router.Use(s.obs.Metrics.HTTPMiddleware())

		s.router.Get("/healthz", s.obs.Health.HealthzHandler())
		s.router.Get("/readyz", s.obs.Health.ReadyzHandler())
		s.router.Method(http.MethodGet, "/metrics", s.obs.Metrics.Handler())
	}

	// Public: the authorization server redirects the browser here, not
	// the admin caller, so it can't carry a bearer token.
	s.router.Get("/oauth/callback", s.handleOAuthCallback)

	// Authorization-proxy role, active only when systemConfig.oauth is
	// enabled; the routes answer 404 otherwise. Public by nature: OAuth
	// clients hit them before they have any token at all.
	s.router.Get("/.well-known/oauth-authorization-server", s.handleProxyMetadata)
	s.router.Get("/authorize", s.handleProxyAuthorize)
	s.router.Post("/token", s.handleProxyToken)

	s.router.Group(func(r chi.Router) {
		r.Use(s.jwt.middleware)

		r.Get("/api/v1/settings/export", s.handleSettingsExport)
		r.Get("/api/v1/mcp-settings", s.handleMCPSettings)

		r.Get("/api/v1/servers", s.handleListServers)
		r.Put("/api/v1/servers/{name}/enabled", s.handleSetServerEnabled)

		r.Get("/api/v1/groups", s.handleListGroups)
		r.Put("/api/v1/groups/{id}", s.handlePutGroup)
		r.Delete("/api/v1/groups/{id}", s.handleDeleteGroup)
	})
}

func (s *Server) loggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := reqcontext.GetOrGenerateRequestID(r.Header.Get(reqcontext.RequestIDHeader))
			ctx := reqcontext.WithCorrelationID(r.Context(), correlationID)
			ctx = reqcontext.WithRequestSource(ctx, reqcontext.SourceRESTAPI)
			w.Header().Set(reqcontext.RequestIDHeader, correlationID)

			s.logger.Debug("httpapi request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("correlation_id", correlationID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("httpapi: failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
