package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports one component's health: nil means healthy.
type HealthChecker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// checkerFunc adapts a bare function into a HealthChecker.
type checkerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkerFunc) Name() string                          { return c.name }
func (c checkerFunc) HealthCheck(ctx context.Context) error { return c.fn(ctx) }

// NewChecker wraps fn as a named HealthChecker.
func NewChecker(name string, fn func(ctx context.Context) error) HealthChecker {
	return checkerFunc{name: name, fn: fn}
}

// ComponentStatus is one component's entry in a health/readiness reply.
type ComponentStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthResponse is the /healthz and /readyz body.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// Health runs registered checkers and serves /healthz and /readyz.
// Liveness (/healthz) only proves the process is serving; readiness
// (/readyz) runs the dependency checkers.
type Health struct {
	logger   *zap.Logger
	checkers []HealthChecker
	timeout  time.Duration
}

// NewHealth constructs an empty Health surface; register dependency
// checkers with AddChecker.
func NewHealth(logger *zap.Logger) *Health {
	return &Health{logger: logger, timeout: 5 * time.Second}
}

// AddChecker registers a readiness dependency.
func (h *Health) AddChecker(checker HealthChecker) {
	h.checkers = append(h.checkers, checker)
}

// HealthzHandler serves liveness: the process is up and answering.
func (h *Health) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now(),
		})
	}
}

// ReadyzHandler serves readiness: every registered dependency checker
// must pass, or the reply is 503.
func (h *Health) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		response := h.check(ctx)
		status := http.StatusOK
		if response.Status != "ready" {
			status = http.StatusServiceUnavailable
		}
		h.writeJSON(w, status, response)
	}
}

func (h *Health) check(ctx context.Context) HealthResponse {
	response := HealthResponse{
		Status:     "ready",
		Timestamp:  time.Now(),
		Components: make([]ComponentStatus, 0, len(h.checkers)),
	}

	for _, checker := range h.checkers {
		start := time.Now()
		status := ComponentStatus{Name: checker.Name(), Status: "ready"}
		if err := checker.HealthCheck(ctx); err != nil {
			status.Status = "not_ready"
			status.Error = err.Error()
			response.Status = "not_ready"
			h.logger.Warn("readiness check failed",
				zap.String("component", checker.Name()),
				zap.Error(err))
		}
		status.Latency = time.Since(start).String()
		response.Components = append(response.Components, status)
	}
	return response
}

func (h *Health) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to encode health response", zap.Error(err))
	}
}
