// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health aggregates component checks and publishes the result both
// over HTTP and through the standard gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc/health/grpc_health_v1"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical,omitempty"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type registration struct {
	check    CheckFunc
	critical bool
}

// Checker manages health checks.
type Checker struct {
	mu     sync.Mutex
	checks map[string]registration
	cache  map[string]*Check
	ttl    time.Duration
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]registration),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
	}
}

// Register adds a check whose failure degrades the service.
func (c *Checker) Register(name string, check CheckFunc) {
	c.register(name, check, false)
}

// RegisterCritical adds a check whose failure makes the service unhealthy.
func (c *Checker) RegisterCritical(name string, check CheckFunc) {
	c.register(name, check, true)
}

func (c *Checker) register(name string, check CheckFunc, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = registration{check: check, critical: critical}
	delete(c.cache, name)
}

// Health returns the overall health status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var checks []Check
	overall := StatusHealthy

	worsen := func(s Status) {
		if s == StatusUnhealthy || overall == StatusUnhealthy {
			overall = StatusUnhealthy
			return
		}
		overall = s
	}

	for name, reg := range c.checks {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			start := time.Now()
			err := reg.check(ctx)
			check = &Check{
				Name:        name,
				Status:      StatusHealthy,
				Critical:    reg.critical,
				LastChecked: time.Now(),
				Duration:    time.Since(start),
			}
			if err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			c.cache[name] = check
		}

		checks = append(checks, *check)
		if check.Status == StatusHealthy {
			continue
		}
		if check.Critical {
			worsen(StatusUnhealthy)
		} else {
			worsen(StatusDegraded)
		}
	}

	return overall, checks
}

// HTTPHandler returns an HTTP handler for health checks. A degraded service
// still reports 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler returns a readiness probe handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// StatusSetter is satisfied by *google.golang.org/grpc/health.Server.
type StatusSetter interface {
	SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus)
}

// ServingStatus maps an aggregate status onto the gRPC health protocol.
// Only an unhealthy service stops serving; the tap is fail-open.
func ServingStatus(s Status) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s == StatusUnhealthy {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// Publish runs the checks every interval and pushes the result to the
// given gRPC services until ctx is cancelled.
func (c *Checker) Publish(ctx context.Context, setter StatusSetter, interval time.Duration, logger *slog.Logger, services ...string) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(services) == 0 {
		services = []string{""}
	}

	var last Status
	publish := func() {
		status, _ := c.Health(ctx)
		if status != last {
			logger.Info("health status changed",
				slog.String("from", string(last)),
				slog.String("to", string(status)))
			last = status
		}
		for _, svc := range services {
			setter.SetServingStatus(svc, ServingStatus(status))
		}
	}

	publish()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
