package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type HealthCheck struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

type HealthResponse struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []HealthCheck `json:"checks,omitempty"`
}

// HealthChecker pings one dependency. A nil error means healthy.
type HealthChecker func(ctx context.Context) error

// Health aggregates dependency checks behind GET /health.
type Health struct {
	mu     sync.RWMutex
	checks map[string]HealthChecker
}

func NewHealth() *Health {
	return &Health{checks: make(map[string]HealthChecker)}
}

func (h *Health) RegisterCheck(name string, checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// Check runs every registered check, sorted by name.
func (h *Health) Check(ctx context.Context) HealthResponse {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]HealthChecker, len(h.checks))
	for name, c := range h.checks {
		names = append(names, name)
		checks[name] = c
	}
	h.mu.RUnlock()
	sort.Strings(names)

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make([]HealthCheck, 0, len(names)),
	}
	for _, name := range names {
		check := HealthCheck{Name: name, Status: HealthStatusHealthy}
		if err := checks[name](ctx); err != nil {
			check.Status = HealthStatusUnhealthy
			check.Message = err.Error()
			response.Status = HealthStatusUnhealthy
		}
		response.Checks = append(response.Checks, check)
	}
	return response
}

func (h *Health) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := h.Check(ctx)
	status := http.StatusOK
	if response.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}
