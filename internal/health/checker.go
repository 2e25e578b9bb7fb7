// Package health reports component availability for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/imaging"
)

// Status values
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Components are the up/down flags of the pipeline
type Components struct {
	Model        bool `json:"model"`
	Preprocessor bool `json:"preprocessor"`
	Detector     bool `json:"detector"`
}

// Up reports whether every component is available
func (c Components) Up() bool {
	return c.Model && c.Preprocessor && c.Detector
}

// Report is the health state of the service
type Report struct {
	Status        string     `json:"status"` // "healthy", "degraded"
	Components    Components `json:"components"`
	Backend       string     `json:"backend"`
	Sessions      int        `json:"sessions"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	CheckedAt     time.Time  `json:"checked_at"`
}

// Ready reports whether new sessions should be accepted
func (r Report) Ready() bool {
	return r.Components.Up()
}

// SessionCounter reports the number of live sessions
type SessionCounter interface {
	Count() int
}

// Checker probes the default backend and the preprocessor.
//
// Probes are cached for TTL so a burst of upgrades or status polls does not
// turn into a burst of backend round-trips.
type Checker struct {
	registry *backend.Registry
	sessions SessionCounter
	started  time.Time

	// Timeout bounds one backend probe
	Timeout time.Duration
	// TTL is how long a probe result is reused
	TTL time.Duration

	mu         sync.Mutex
	components Components
	checkedAt  time.Time

	now func() time.Time
}

// NewChecker creates a Checker for the registry's default backend.
// sessions may be nil.
func NewChecker(registry *backend.Registry, sessions SessionCounter) *Checker {
	return &Checker{
		registry: registry,
		sessions: sessions,
		started:  time.Now(),
		Timeout:  time.Second,
		TTL:      time.Second,
		now:      time.Now,
	}
}

// Check returns the current health report
func (c *Checker) Check(ctx context.Context) Report {
	components, checkedAt := c.probe(ctx)

	report := Report{
		Status:        StatusHealthy,
		Components:    components,
		Backend:       c.registry.Default(),
		UptimeSeconds: int64(c.now().Sub(c.started).Seconds()),
		CheckedAt:     checkedAt,
	}
	if c.sessions != nil {
		report.Sessions = c.sessions.Count()
	}
	if !components.Up() {
		report.Status = StatusDegraded
	}
	return report
}

func (c *Checker) probe(ctx context.Context) (Components, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.checkedAt.IsZero() && now.Sub(c.checkedAt) < c.TTL {
		return c.components, c.checkedAt
	}

	components := Components{Preprocessor: imaging.SelfCheck() == nil}

	b, err := c.registry.Get("")
	if err != nil {
		slog.Warn("health: default backend unavailable", "error", err)
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		h := b.Health(probeCtx)
		cancel()
		components.Model = h.Model
		components.Detector = h.Detector
	}

	if components != c.components && !c.checkedAt.IsZero() {
		slog.Warn("health: component status changed",
			"model", components.Model,
			"preprocessor", components.Preprocessor,
			"detector", components.Detector,
		)
	}
	c.components = components
	c.checkedAt = now
	return components, now
}

// LivenessHandler handles /health (always 200 while the process runs)
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Check(r.Context()))
}

// ReadinessHandler handles /readiness (503 while any component is down)
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	report := c.Check(r.Context())

	statusCode := http.StatusOK
	if !report.Ready() {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("health: write response failed", "error", err)
	}
}
