package observability

import "go.uber.org/zap"

// Manager bundles the metrics registry and the health surface so the
// composition root hands one value to the admin HTTP server.
type Manager struct {
	Metrics *Metrics
	Health  *Health
}

// New constructs a Manager with a fresh registry and an empty checker
// set.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		Metrics: NewMetrics(logger),
		Health:  NewHealth(logger),
	}
}
