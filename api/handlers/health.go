package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes over registered
// dependency checks.
type HealthHandler struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewHealthHandler creates a handler with no checks registered.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger: logger,
		checks: make(map[string]Check),
	}
}

// RegisterCheck adds a named dependency probe.
func (h *HealthHandler) RegisterCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

type healthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HandleHealthz runs every registered check. All passing yields 200, any
// failure yields 503 with the failing checks named.
// GET /healthz
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	status := healthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	code := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			status.Status = "unhealthy"
			status.Checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			h.logger.Warn("health check failed",
				zap.String("check", name),
				zap.Error(err))
			continue
		}
		status.Checks[name] = "ok"
	}

	WriteJSON(w, code, status)
}

type versionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HandleVersion returns build metadata injected at link time.
// GET /version
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, versionInfo{
			Version:   version,
			BuildTime: buildTime,
			GitCommit: gitCommit,
		})
	}
}
