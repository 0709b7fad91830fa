package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each individual health check.
const checkTimeout = 2 * time.Second

// Checker reports the health of one dependency.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

// HealthResponse is the body of a healthy /health response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Time    time.Time         `json:"time"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered dependency checks and serves the health
// endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthManager builds a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker adds a named dependency check. Re-registering a name
// replaces the previous checker.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	for _, name := range names {
		m.mu.RLock()
		c := m.checkers[name]
		m.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(checkCtx)
		cancel()

		switch {
		case err == nil:
			results[name] = "healthy"
		case checkCtx.Err() != nil:
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, v := range checks {
		switch v {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler serves GET /health: runs all checks and reports 200 for
// healthy or degraded, 503 with check details otherwise.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	overall := m.determineOverallStatus(checks)

	if overall == "unhealthy" {
		details := make(map[string]interface{}, len(checks))
		for name, status := range checks {
			details[name] = status
		}
		WriteErrorDetails(w, http.StatusServiceUnavailable,
			"SERVICE_UNAVAILABLE", "one or more dependencies are unhealthy",
			map[string]interface{}{"checks": details})
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  overall,
		Version: m.version,
		Time:    time.Now().UTC(),
		Checks:  checks,
	})
}

// LivenessHandler serves GET /health/live. Liveness never runs dependency
// checks: a live process answers even when its dependencies are down.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: m.version,
		Time:    time.Now().UTC(),
	})
}

// ReadinessHandler serves GET /health/ready with the full check set.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}
