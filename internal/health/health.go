// Package health aggregates subsystem checks for /health.
//
// Critical checks (the database) decide whether the instance can serve at
// all. Advisory checks (an open payment circuit, a failed reconciliation)
// mark the service degraded without taking it out of rotation.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Status is one check's outcome.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker inspects one subsystem. Name and Critical are filled in by the
// registry.
type Checker func(ctx context.Context) Status

// Overall states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

type entry struct {
	name     string
	critical bool
	check    Checker
}

// Registry runs named checks concurrently, each under the same deadline.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
	timeout time.Duration
}

// NewRegistry returns an empty registry with a 5s per-request deadline.
func NewRegistry() *Registry {
	return &Registry{timeout: 5 * time.Second}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, critical: true, check: check})
}

// RegisterAdvisory adds a check whose failure only degrades the service.
func (r *Registry) RegisterAdvisory(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check and returns the overall state alongside the
// individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (string, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			st := e.check(ctx)
			st.Name = e.name
			st.Critical = e.critical
			st.LatencyMS = time.Since(start).Milliseconds()
			statuses[i] = st
		}()
	}
	wg.Wait()

	state := StateHealthy
	for _, st := range statuses {
		switch {
		case st.Healthy:
		case st.Critical:
			return StateUnhealthy, statuses
		default:
			state = StateDegraded
		}
	}
	return state, statuses
}

// Handler serves the aggregate: 503 only when a critical check fails.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
		defer cancel()

		state, statuses := r.CheckAll(ctx)
		code := http.StatusOK
		if state == StateUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":    state,
			"version":   version,
			"checks":    statuses,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// DBChecker pings db.
func DBChecker(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}
