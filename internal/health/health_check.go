// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency probed by readiness. A nil Pinger is skipped.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	floorStore       Pinger
	idempotencyStore Pinger
	sweepLock        Pinger
	timeout          time.Duration
	logger           *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	floorStore, idempotencyStore, sweepLock Pinger,
	logger *zap.Logger,
) *HealthChecker {
	return &HealthChecker{
		floorStore:       floorStore,
		idempotencyStore: idempotencyStore,
		sweepLock:        sweepLock,
		timeout:          5 * time.Second,
		logger:           logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	for _, dep := range []struct {
		name   string
		pinger Pinger
	}{
		{"floor_store", h.floorStore},
		{"idempotency_store", h.idempotencyStore},
		{"sweep_lock", h.sweepLock},
	} {
		if dep.pinger == nil {
			continue
		}
		if err := dep.pinger.Ping(ctx); err != nil {
			h.logger.Error("Health check failed",
				zap.String("dependency", dep.name),
				zap.Error(err))
			checks[dep.name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[dep.name] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(status)
}
