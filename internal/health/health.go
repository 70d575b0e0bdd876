// Package health aggregates liveness signals from the server's dependencies.
//
// Each subsystem registers a check function with its own timeout. CheckAll
// fans the checks out concurrently so a hung RPC endpoint cannot delay the
// database probe, and the readiness handler sees every result within the
// slowest single timeout rather than their sum.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type check struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	checks []check
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a check. run returning nil means healthy; a non-nil error
// marks the subsystem degraded and its message becomes the status detail.
// The timeout bounds each invocation of run.
func (r *Registry) Register(name string, timeout time.Duration, run func(ctx context.Context) error) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, timeout: timeout, run: run})
	r.mu.Unlock()
}

// CheckAll runs every registered check concurrently. Statuses come back in
// registration order regardless of completion order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))

	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := c.run(cctx); err != nil {
				statuses[i] = Status{Name: c.name, Detail: err.Error()}
				return
			}
			statuses[i] = Status{Name: c.name, Healthy: true}
		}(i, c)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	return healthy, statuses
}
