package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency that can report its availability
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides liveness and readiness endpoints
type HealthChecker struct {
	deps    map[string]Pinger
	ready   atomic.Bool
	timeout time.Duration
	logger  *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a health checker over the named dependencies.
// It starts ready.
func NewHealthChecker(deps map[string]Pinger, logger *zap.Logger) *HealthChecker {
	h := &HealthChecker{
		deps:    deps,
		timeout: 5 * time.Second,
		logger:  logger,
	}
	h.ready.Store(true)
	return h
}

// SetReady marks the process ready or draining
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests. The process is ready
// when it is not draining and every dependency answers a ping.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks, healthy := h.Check(ctx)
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	code := http.StatusOK
	if !healthy {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	} else if !h.ready.Load() {
		status.Status = "draining"
		code = http.StatusServiceUnavailable
	}

	writeStatus(w, code, status)
}

// Check pings every dependency
func (h *HealthChecker) Check(ctx context.Context) (map[string]string, bool) {
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			h.logger.Error("Health check failed",
				zap.String("dependency", name),
				zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}
	return checks, healthy
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
